package dir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/packlab/packfs"
)

// DirBackend serves a directory tree on the local filesystem.
// All paths are relative to the root directory specified during creation.
type DirBackend struct {
	mu   sync.RWMutex
	root string
}

// NewDirBackend creates a backend rooted at the given directory.
func NewDirBackend(root string) *DirBackend {
	return &DirBackend{
		root: filepath.Clean(root),
	}
}

// Returns the identifier name defined for this backend
func (*DirBackend) Name() string {
	return "dir"
}

// Source returns the root directory this backend serves.
func (db *DirBackend) Source() string {
	return db.root
}

// Capabilities returns the capabilities supported by this backend.
func (*DirBackend) Capabilities() packfs.Capabilities {
	return packfs.Capabilities{
		Capabilities: []packfs.Capability{
			packfs.CapabilityWrite,
			packfs.CapabilityPersistent,
		},
	}
}

// Open is part of the lifecycle behaviour and gets called when opening this backend.
func (db *DirBackend) Open(ctx context.Context) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	info, err := os.Stat(db.root)
	if err != nil {
		return translateError(err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", packfs.ErrNotDirectory, db.root)
	}

	return nil
}

// Close is part of the lifecycle behaviour and gets called when closing this backend.
func (db *DirBackend) Close(ctx context.Context) error {
	return nil
}

// Stat returns information about a file or directory below the root.
func (db *DirBackend) Stat(ctx context.Context, path string) (*packfs.FileInfo, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	info, err := os.Stat(db.resolvePath(path))
	if err != nil {
		return nil, translateError(err)
	}

	return infoFromOS(info, path), nil
}

// List returns the entries of the directory at path in directory order.
func (db *DirBackend) List(ctx context.Context, path string) ([]*packfs.FileInfo, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	fullPath := db.resolvePath(path)
	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, translateError(err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", packfs.ErrNotDirectory, path)
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, translateError(err)
	}

	infos := make([]*packfs.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		childPath := entry.Name()
		if path != "" {
			childPath = path + "/" + entry.Name()
		}
		infos = append(infos, infoFromOS(info, childPath))
	}

	return infos, nil
}

// OpenRead opens the file at path for reading.
func (db *DirBackend) OpenRead(ctx context.Context, path string) (packfs.Handle, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	file, err := os.Open(db.resolvePath(path))
	if err != nil {
		return nil, translateError(err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, translateError(err)
	}
	if info.IsDir() {
		file.Close()
		return nil, fmt.Errorf("%w: %s", packfs.ErrIsDirectory, path)
	}

	return &fileHandle{file: file, size: info.Size()}, nil
}

// OpenWrite opens the file at path for writing, creating missing parent
// directories as needed.
func (db *DirBackend) OpenWrite(ctx context.Context, path string, mode packfs.AccessMode) (io.WriteCloser, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	fullPath := db.resolvePath(path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, translateError(err)
	}

	flags := os.O_WRONLY
	if mode.HasCreate() {
		flags |= os.O_CREATE
	}
	if mode.HasTrunc() {
		flags |= os.O_TRUNC
	}
	if mode.HasAppend() {
		flags |= os.O_APPEND
	}

	file, err := os.OpenFile(fullPath, flags, 0644)
	if err != nil {
		return nil, translateError(err)
	}

	return file, nil
}

// Mkdir creates a directory at path, including missing parents.
func (db *DirBackend) Mkdir(ctx context.Context, path string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := os.MkdirAll(db.resolvePath(path), 0755); err != nil {
		return translateError(err)
	}
	return nil
}

// Remove deletes the file or empty directory at path.
func (db *DirBackend) Remove(ctx context.Context, path string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	fullPath := db.resolvePath(path)
	info, err := os.Stat(fullPath)
	if err != nil {
		return translateError(err)
	}

	if info.IsDir() {
		entries, err := os.ReadDir(fullPath)
		if err != nil {
			return translateError(err)
		}
		if len(entries) > 0 {
			return fmt.Errorf("%w: %s", packfs.ErrNotEmpty, path)
		}
	}

	if err := os.Remove(fullPath); err != nil {
		return translateError(err)
	}
	return nil
}

// resolvePath joins the root with the backend-local path.
func (db *DirBackend) resolvePath(path string) string {
	if path == "" {
		return db.root
	}
	return filepath.Join(db.root, filepath.FromSlash(path))
}

// translateError maps os errors onto the filesystem sentinels.
func translateError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return packfs.ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return packfs.ErrPermission
	case errors.Is(err, fs.ErrExist):
		return packfs.ErrExist
	default:
		return err
	}
}

// infoFromOS converts os.FileInfo to a backend FileInfo.
func infoFromOS(info fs.FileInfo, path string) *packfs.FileInfo {
	fileType := packfs.FileTypeFile
	if info.IsDir() {
		fileType = packfs.FileTypeDirectory
	}

	mode := packfs.FileMode(info.Mode().Perm())
	if info.IsDir() {
		mode |= packfs.ModeDir
	}

	return &packfs.FileInfo{
		Name:    info.Name(),
		Path:    path,
		Type:    fileType,
		Size:    info.Size(),
		Mode:    mode,
		ModTime: info.ModTime(),
	}
}

// fileHandle adapts an os.File to the Handle interface.
type fileHandle struct {
	file *os.File
	size int64
}

func (h *fileHandle) Read(p []byte) (int, error) {
	return h.file.Read(p)
}

func (h *fileHandle) Seek(offset int64, whence int) (int64, error) {
	return h.file.Seek(offset, whence)
}

func (h *fileHandle) Close() error {
	return h.file.Close()
}

func (h *fileHandle) Size() int64 {
	return h.size
}

func init() {
	packfs.RegisterFormat(packfs.Format{
		Name: "dir",
		New: func(source string) (packfs.Backend, error) {
			return NewDirBackend(source), nil
		},
	})
}
