package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/packlab/packfs"
)

// S3Config contains configuration options for the S3 backend.
type S3Config struct {
	// Endpoint of the S3-compatible server, such as "play.min.io"
	Endpoint string

	// Bucket all objects are stored in
	Bucket string

	// Prefix within the bucket the backend is rooted at (optional)
	Prefix string

	// AccessKey and SecretKey for static credential authentication
	AccessKey string
	SecretKey string

	// UseSSL enables TLS for the connection
	UseSSL bool
}

// S3Backend stores files as objects in an S3-compatible bucket. Directories
// exist as zero-byte placeholder objects with a trailing slash, matching the
// convention most S3 browsers use.
type S3Backend struct {
	mu     sync.RWMutex
	client *minio.Client
	config *S3Config
}

// NewS3Backend creates a backend for the configured bucket.
func NewS3Backend(config *S3Config) (*S3Backend, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, err
	}

	return &S3Backend{
		client: client,
		config: config,
	}, nil
}

// Returns the identifier name defined for this backend
func (*S3Backend) Name() string {
	return "s3"
}

// Source returns the s3:// location of this backend.
func (sb *S3Backend) Source() string {
	if sb.config.Prefix == "" {
		return fmt.Sprintf("s3://%s", sb.config.Bucket)
	}
	return fmt.Sprintf("s3://%s/%s", sb.config.Bucket, strings.Trim(sb.config.Prefix, "/"))
}

// Capabilities returns the capabilities supported by this backend.
func (*S3Backend) Capabilities() packfs.Capabilities {
	return packfs.Capabilities{
		Capabilities: []packfs.Capability{
			packfs.CapabilityWrite,
			packfs.CapabilityPersistent,
			packfs.CapabilityRemote,
		},
	}
}

// Open verifies the bucket exists and is reachable.
func (sb *S3Backend) Open(ctx context.Context) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	exists, err := sb.client.BucketExists(ctx, sb.config.Bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: bucket %s", packfs.ErrNotFound, sb.config.Bucket)
	}

	return nil
}

// Close is part of the lifecycle behaviour and gets called when closing this backend.
func (sb *S3Backend) Close(ctx context.Context) error {
	return nil
}

// Stat returns information about an object or directory placeholder.
func (sb *S3Backend) Stat(ctx context.Context, path string) (*packfs.FileInfo, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return sb.stat(ctx, path)
}

// stat implements Stat without locking so List can reuse it.
func (sb *S3Backend) stat(ctx context.Context, path string) (*packfs.FileInfo, error) {
	if path == "" {
		return dirInfo("", time.Time{}), nil
	}

	key := sb.buildKey(path)
	stat, err := sb.client.StatObject(ctx, sb.config.Bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return objectInfo(path, stat.Size, stat.LastModified), nil
	}
	if minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return nil, translateError(err)
	}

	// No object under the key; a common prefix still makes it a directory
	isDir, err := sb.hasPrefix(ctx, key+"/")
	if err != nil {
		return nil, err
	}
	if isDir {
		return dirInfo(path, time.Time{}), nil
	}

	return nil, packfs.ErrNotFound
}

// List returns the direct children under path, in the order the server
// reports them.
func (sb *S3Backend) List(ctx context.Context, path string) ([]*packfs.FileInfo, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	if path != "" {
		info, err := sb.stat(ctx, path)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: %s", packfs.ErrNotDirectory, path)
		}
	}

	prefix := sb.buildKey(path)
	if prefix != "" {
		prefix += "/"
	}

	var infos []*packfs.FileInfo
	objects := sb.client.ListObjects(ctx, sb.config.Bucket, minio.ListObjectsOptions{
		Prefix: prefix,
	})
	for object := range objects {
		if object.Err != nil {
			return nil, translateError(object.Err)
		}

		rel := strings.TrimPrefix(object.Key, prefix)
		if rel == "" {
			// The directory placeholder itself
			continue
		}

		childPath := rel
		if path != "" {
			childPath = path + "/" + strings.TrimSuffix(rel, "/")
		} else {
			childPath = strings.TrimSuffix(rel, "/")
		}

		if strings.HasSuffix(rel, "/") {
			infos = append(infos, dirInfo(childPath, object.LastModified))
		} else {
			infos = append(infos, objectInfo(childPath, object.Size, object.LastModified))
		}
	}

	return infos, nil
}

// OpenRead opens an object for reading. The returned handle seeks natively
// through ranged requests.
func (sb *S3Backend) OpenRead(ctx context.Context, path string) (packfs.Handle, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	key := sb.buildKey(path)
	stat, err := sb.client.StatObject(ctx, sb.config.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, translateError(err)
	}

	object, err := sb.client.GetObject(ctx, sb.config.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateError(err)
	}

	return &objectHandle{object: object, size: stat.Size}, nil
}

// OpenWrite buffers content and uploads it as one object when the writer
// closes. Append mode downloads the existing object first.
func (sb *S3Backend) OpenWrite(ctx context.Context, path string, mode packfs.AccessMode) (io.WriteCloser, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	w := &objectWriter{
		ctx:     ctx,
		backend: sb,
		key:     sb.buildKey(path),
	}

	if mode.HasAppend() {
		object, err := sb.client.GetObject(ctx, sb.config.Bucket, w.key, minio.GetObjectOptions{})
		if err == nil {
			if _, err := io.Copy(&w.buf, object); err != nil {
				if minio.ToErrorResponse(err).Code != "NoSuchKey" {
					object.Close()
					return nil, translateError(err)
				}
				w.buf.Reset()
			}
			object.Close()
		}
	}

	return w, nil
}

// Mkdir stores a zero-byte placeholder object marking the directory.
func (sb *S3Backend) Mkdir(ctx context.Context, path string) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	key := sb.buildKey(path) + "/"
	_, err := sb.client.PutObject(ctx, sb.config.Bucket, key, bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	return translateError(err)
}

// Remove deletes an object, or an empty directory placeholder.
func (sb *S3Backend) Remove(ctx context.Context, path string) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	key := sb.buildKey(path)
	if _, err := sb.client.StatObject(ctx, sb.config.Bucket, key, minio.StatObjectOptions{}); err == nil {
		return translateError(sb.client.RemoveObject(ctx, sb.config.Bucket, key, minio.RemoveObjectOptions{}))
	}

	// Directory placeholder; refuse when children remain
	hasChildren, err := sb.hasPrefix(ctx, key+"/")
	if err != nil {
		return err
	}
	if hasChildren {
		return fmt.Errorf("%w: %s", packfs.ErrNotEmpty, path)
	}

	return translateError(sb.client.RemoveObject(ctx, sb.config.Bucket, key+"/", minio.RemoveObjectOptions{}))
}

// hasPrefix checks whether any object other than the placeholder itself
// lives under the given key prefix.
func (sb *S3Backend) hasPrefix(ctx context.Context, prefix string) (bool, error) {
	objects := sb.client.ListObjects(ctx, sb.config.Bucket, minio.ListObjectsOptions{
		Prefix:  prefix,
		MaxKeys: 2,
	})
	for object := range objects {
		if object.Err != nil {
			return false, translateError(object.Err)
		}
		if object.Key != prefix {
			return true, nil
		}
	}
	return false, nil
}

// buildKey constructs the full object key from the backend-local path.
func (sb *S3Backend) buildKey(path string) string {
	prefix := strings.Trim(sb.config.Prefix, "/")
	if prefix == "" {
		return path
	}
	if path == "" {
		return prefix
	}
	return prefix + "/" + path
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return packfs.ErrNotFound
	case "AccessDenied":
		return packfs.ErrPermission
	default:
		return err
	}
}

func dirInfo(path string, modTime time.Time) *packfs.FileInfo {
	return &packfs.FileInfo{
		Name:    baseOf(path),
		Path:    path,
		Type:    packfs.FileTypeDirectory,
		Mode:    packfs.ModeDir | 0755,
		ModTime: modTime,
	}
}

func objectInfo(path string, size int64, modTime time.Time) *packfs.FileInfo {
	return &packfs.FileInfo{
		Name:    baseOf(path),
		Path:    path,
		Type:    packfs.FileTypeFile,
		Size:    size,
		Mode:    0644,
		ModTime: modTime,
	}
}

func baseOf(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// objectHandle adapts a minio object to the Handle interface.
type objectHandle struct {
	object *minio.Object
	size   int64
}

func (h *objectHandle) Read(p []byte) (int, error) {
	return h.object.Read(p)
}

func (h *objectHandle) Seek(offset int64, whence int) (int64, error) {
	return h.object.Seek(offset, whence)
}

func (h *objectHandle) Close() error {
	return h.object.Close()
}

func (h *objectHandle) Size() int64 {
	return h.size
}

// objectWriter buffers writes and uploads the object on Close.
type objectWriter struct {
	ctx     context.Context
	backend *S3Backend
	key     string
	buf     bytes.Buffer
	closed  bool
}

func (w *objectWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, packfs.ErrClosed
	}
	return w.buf.Write(p)
}

func (w *objectWriter) Close() error {
	if w.closed {
		return packfs.ErrClosed
	}
	w.closed = true

	_, err := w.backend.client.PutObject(w.ctx, w.backend.config.Bucket, w.key,
		bytes.NewReader(w.buf.Bytes()), int64(w.buf.Len()), minio.PutObjectOptions{})
	return translateError(err)
}
