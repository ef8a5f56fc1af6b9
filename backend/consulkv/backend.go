package consulkv

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hashicorp/consul/api"

	"github.com/packlab/packfs"
)

// Consul KV rejects values above 512KB; stay slightly below to leave room
// for transaction overhead.
const maxValueSize = 500 * 1024

// ConsulConfig contains configuration options for the Consul KV backend.
type ConsulConfig struct {
	// Address of the Consul server (default: "127.0.0.1:8500")
	Address string

	// Token for Consul ACL authentication (optional)
	Token string

	// Datacenter to use (optional)
	Datacenter string

	// Namespace for Consul Enterprise (optional)
	Namespace string

	// Prefix for all keys in Consul KV (optional)
	Prefix string
}

// ConsulBackend stores files as values in the Consul KV store. Suited for
// configuration files and small assets; values are capped at the Consul KV
// size limit. Directories exist as empty values with a trailing slash.
type ConsulBackend struct {
	mu     sync.RWMutex
	client *api.Client
	kv     *api.KV
	config *ConsulConfig
}

// NewConsulBackend creates a backend for the configured Consul KV prefix.
func NewConsulBackend(config *ConsulConfig) (*ConsulBackend, error) {
	if config == nil {
		config = &ConsulConfig{}
	}
	if config.Address == "" {
		config.Address = "127.0.0.1:8500"
	}

	clientConfig := api.DefaultConfig()
	clientConfig.Address = config.Address
	if config.Token != "" {
		clientConfig.Token = config.Token
	}
	if config.Datacenter != "" {
		clientConfig.Datacenter = config.Datacenter
	}
	if config.Namespace != "" {
		clientConfig.Namespace = config.Namespace
	}

	client, err := api.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}

	return &ConsulBackend{
		client: client,
		kv:     client.KV(),
		config: config,
	}, nil
}

// Returns the identifier name defined for this backend
func (*ConsulBackend) Name() string {
	return "consulkv"
}

// Source returns the consul:// location of this backend.
func (cb *ConsulBackend) Source() string {
	prefix := strings.Trim(cb.config.Prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("consul://%s", cb.config.Address)
	}
	return fmt.Sprintf("consul://%s/%s", cb.config.Address, prefix)
}

// Capabilities returns the capabilities supported by this backend.
func (*ConsulBackend) Capabilities() packfs.Capabilities {
	return packfs.Capabilities{
		Capabilities: []packfs.Capability{
			packfs.CapabilityWrite,
			packfs.CapabilityPersistent,
			packfs.CapabilityRemote,
		},
	}
}

// Open verifies the Consul server is reachable.
func (cb *ConsulBackend) Open(ctx context.Context) error {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	q := (&api.QueryOptions{}).WithContext(ctx)
	if _, _, err := cb.kv.Get(cb.buildKey("."), q); err != nil {
		return fmt.Errorf("consul unreachable at %s: %w", cb.config.Address, err)
	}

	return nil
}

// Close is part of the lifecycle behaviour and gets called when closing this backend.
func (cb *ConsulBackend) Close(ctx context.Context) error {
	return nil
}

// Stat returns information about a key or directory prefix.
func (cb *ConsulBackend) Stat(ctx context.Context, path string) (*packfs.FileInfo, error) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return cb.stat(ctx, path)
}

// stat implements Stat without locking so List can reuse it.
func (cb *ConsulBackend) stat(ctx context.Context, path string) (*packfs.FileInfo, error) {
	if path == "" {
		return dirInfo(""), nil
	}

	q := (&api.QueryOptions{}).WithContext(ctx)
	pair, _, err := cb.kv.Get(cb.buildKey(path), q)
	if err != nil {
		return nil, err
	}
	if pair != nil {
		return fileInfo(path, int64(len(pair.Value))), nil
	}

	// No value under the key; child keys still make it a directory
	isDir, err := cb.hasChildren(ctx, path)
	if err != nil {
		return nil, err
	}
	if isDir {
		return dirInfo(path), nil
	}

	return nil, packfs.ErrNotFound
}

// List returns the direct children under path in key order.
func (cb *ConsulBackend) List(ctx context.Context, path string) ([]*packfs.FileInfo, error) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if path != "" {
		info, err := cb.stat(ctx, path)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: %s", packfs.ErrNotDirectory, path)
		}
	}

	prefix := cb.buildKey(path)
	if prefix != "" {
		prefix += "/"
	}

	q := (&api.QueryOptions{}).WithContext(ctx)
	keys, _, err := cb.kv.Keys(prefix, "/", q)
	if err != nil {
		return nil, err
	}

	infos := make([]*packfs.FileInfo, 0, len(keys))
	for _, key := range keys {
		rel := strings.TrimPrefix(key, prefix)
		if rel == "" {
			// The directory placeholder itself
			continue
		}

		name := strings.TrimSuffix(rel, "/")
		childPath := name
		if path != "" {
			childPath = path + "/" + name
		}

		if strings.HasSuffix(rel, "/") {
			infos = append(infos, dirInfo(childPath))
			continue
		}

		pair, _, err := cb.kv.Get(key, q)
		if err != nil {
			return nil, err
		}
		size := int64(0)
		if pair != nil {
			size = int64(len(pair.Value))
		}
		infos = append(infos, fileInfo(childPath, size))
	}

	return infos, nil
}

// OpenRead loads the value and returns a seekable handle over it.
func (cb *ConsulBackend) OpenRead(ctx context.Context, path string) (packfs.Handle, error) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	q := (&api.QueryOptions{}).WithContext(ctx)
	pair, _, err := cb.kv.Get(cb.buildKey(path), q)
	if err != nil {
		return nil, err
	}
	if pair == nil {
		if isDir, err := cb.hasChildren(ctx, path); err == nil && isDir {
			return nil, fmt.Errorf("%w: %s", packfs.ErrIsDirectory, path)
		}
		return nil, packfs.ErrNotFound
	}

	return packfs.NewBytesHandle(pair.Value), nil
}

// OpenWrite buffers content and stores it as one value when the writer
// closes. Writes above the Consul KV size limit fail on Close.
func (cb *ConsulBackend) OpenWrite(ctx context.Context, path string, mode packfs.AccessMode) (io.WriteCloser, error) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	w := &valueWriter{
		ctx:     ctx,
		backend: cb,
		key:     cb.buildKey(path),
	}

	if mode.HasAppend() {
		q := (&api.QueryOptions{}).WithContext(ctx)
		pair, _, err := cb.kv.Get(w.key, q)
		if err != nil {
			return nil, err
		}
		if pair != nil {
			w.buf.Write(pair.Value)
		}
	}

	return w, nil
}

// Mkdir stores an empty value with a trailing slash marking the directory.
func (cb *ConsulBackend) Mkdir(ctx context.Context, path string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wo := (&api.WriteOptions{}).WithContext(ctx)
	_, err := cb.kv.Put(&api.KVPair{Key: cb.buildKey(path) + "/"}, wo)
	return err
}

// Remove deletes a value, or an empty directory placeholder.
func (cb *ConsulBackend) Remove(ctx context.Context, path string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	key := cb.buildKey(path)
	q := (&api.QueryOptions{}).WithContext(ctx)
	wo := (&api.WriteOptions{}).WithContext(ctx)

	pair, _, err := cb.kv.Get(key, q)
	if err != nil {
		return err
	}
	if pair != nil {
		_, err := cb.kv.Delete(key, wo)
		return err
	}

	hasChildren, err := cb.hasChildren(ctx, path)
	if err != nil {
		return err
	}
	if hasChildren {
		return fmt.Errorf("%w: %s", packfs.ErrNotEmpty, path)
	}

	_, err = cb.kv.Delete(key+"/", wo)
	return err
}

// hasChildren checks whether any key other than the placeholder itself
// lives under the path.
func (cb *ConsulBackend) hasChildren(ctx context.Context, path string) (bool, error) {
	prefix := cb.buildKey(path) + "/"

	q := (&api.QueryOptions{}).WithContext(ctx)
	keys, _, err := cb.kv.Keys(prefix, "", q)
	if err != nil {
		return false, err
	}

	for _, key := range keys {
		if key != prefix {
			return true, nil
		}
	}
	return false, nil
}

// buildKey constructs the full Consul KV key from the backend-local path.
func (cb *ConsulBackend) buildKey(path string) string {
	prefix := strings.Trim(cb.config.Prefix, "/")
	if prefix == "" {
		return path
	}
	if path == "" {
		return prefix
	}
	return prefix + "/" + path
}

func dirInfo(path string) *packfs.FileInfo {
	return &packfs.FileInfo{
		Name: baseOf(path),
		Path: path,
		Type: packfs.FileTypeDirectory,
		Mode: packfs.ModeDir | 0755,
	}
}

func fileInfo(path string, size int64) *packfs.FileInfo {
	return &packfs.FileInfo{
		Name: baseOf(path),
		Path: path,
		Type: packfs.FileTypeFile,
		Size: size,
		Mode: 0644,
	}
}

func baseOf(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// valueWriter buffers writes and stores the value on Close.
type valueWriter struct {
	ctx     context.Context
	backend *ConsulBackend
	key     string
	buf     bytes.Buffer
	closed  bool
}

func (w *valueWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, packfs.ErrClosed
	}
	if w.buf.Len()+len(p) > maxValueSize {
		return 0, fmt.Errorf("value for %s exceeds the %d byte consul kv limit", w.key, maxValueSize)
	}
	return w.buf.Write(p)
}

func (w *valueWriter) Close() error {
	if w.closed {
		return packfs.ErrClosed
	}
	w.closed = true

	wo := (&api.WriteOptions{}).WithContext(w.ctx)
	_, err := w.backend.kv.Put(&api.KVPair{Key: w.key, Value: w.buf.Bytes()}, wo)
	return err
}
