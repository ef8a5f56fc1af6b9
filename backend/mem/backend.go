package mem

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/packlab/packfs"
)

// MemBackend is a thread-safe in-memory backend. Paths are indexed in a
// B-tree so listings come back in ordered form and prefix scans stay cheap.
// All content is lost when the backend closes.
type MemBackend struct {
	mu     sync.RWMutex
	files  *btree.Map[string, *memFile]
	source string
}

// memFile represents a single file or directory in memory.
type memFile struct {
	data    []byte
	isDir   bool
	modTime time.Time
}

// NewMemBackend creates an empty in-memory backend. The name identifies the
// backend in the search path.
func NewMemBackend(name string) *MemBackend {
	mb := &MemBackend{
		files:  btree.NewMap[string, *memFile](0),
		source: fmt.Sprintf("mem://%s", name),
	}
	mb.files.Set("", &memFile{isDir: true, modTime: time.Now()})

	return mb
}

// Returns the identifier name defined for this backend
func (*MemBackend) Name() string {
	return "mem"
}

// Source returns the mem:// identifier of this backend.
func (mb *MemBackend) Source() string {
	return mb.source
}

// Capabilities returns the capabilities supported by this backend.
func (*MemBackend) Capabilities() packfs.Capabilities {
	return packfs.Capabilities{
		Capabilities: []packfs.Capability{
			packfs.CapabilityWrite,
		},
	}
}

// Open is part of the lifecycle behaviour and gets called when opening this backend.
func (mb *MemBackend) Open(ctx context.Context) error {
	return nil
}

// Close is part of the lifecycle behaviour and gets called when closing this backend.
// All stored content is dropped.
func (mb *MemBackend) Close(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.files = btree.NewMap[string, *memFile](0)
	mb.files.Set("", &memFile{isDir: true, modTime: time.Now()})

	return nil
}

// Put stores content at path, creating parent directories as needed.
// Existing content is replaced. Used to seed the backend before mounting.
func (mb *MemBackend) Put(path string, data []byte) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.createParents(path)
	mb.files.Set(path, &memFile{
		data:    data,
		modTime: time.Now(),
	})
}

// Stat returns information about a file or directory.
func (mb *MemBackend) Stat(ctx context.Context, path string) (*packfs.FileInfo, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	file, exists := mb.files.Get(path)
	if !exists {
		return nil, packfs.ErrNotFound
	}

	return mb.infoFor(path, file), nil
}

// List returns the direct children of the directory at path in B-tree order.
func (mb *MemBackend) List(ctx context.Context, path string) ([]*packfs.FileInfo, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	file, exists := mb.files.Get(path)
	if !exists {
		return nil, packfs.ErrNotFound
	}
	if !file.isDir {
		return nil, fmt.Errorf("%w: %s", packfs.ErrNotDirectory, path)
	}

	prefix := ""
	if path != "" {
		prefix = path + "/"
	}

	var infos []*packfs.FileInfo
	mb.files.Ascend(prefix, func(key string, value *memFile) bool {
		if key == path || key == "" {
			return true
		}
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return false
		}

		// Only direct children, deeper entries have another separator
		rel := strings.TrimPrefix(key, prefix)
		if strings.Contains(rel, "/") {
			return true
		}

		infos = append(infos, mb.infoFor(key, value))
		return true
	})

	return infos, nil
}

// OpenRead opens the file at path for reading. The handle snapshots the
// content, so later writes to the same path don't affect it.
func (mb *MemBackend) OpenRead(ctx context.Context, path string) (packfs.Handle, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	file, exists := mb.files.Get(path)
	if !exists {
		return nil, packfs.ErrNotFound
	}
	if file.isDir {
		return nil, fmt.Errorf("%w: %s", packfs.ErrIsDirectory, path)
	}

	return packfs.NewBytesHandle(file.data), nil
}

// OpenWrite opens the file at path for writing. Content is buffered and
// committed when the writer closes.
func (mb *MemBackend) OpenWrite(ctx context.Context, path string, mode packfs.AccessMode) (io.WriteCloser, error) {
	mb.mu.RLock()
	file, exists := mb.files.Get(path)
	mb.mu.RUnlock()

	if exists && file.isDir {
		return nil, fmt.Errorf("%w: %s", packfs.ErrIsDirectory, path)
	}

	w := &memWriter{backend: mb, path: path}
	if exists && mode.HasAppend() {
		w.buf.Write(file.data)
	}

	return w, nil
}

// Mkdir creates a directory at path, including missing parents.
func (mb *MemBackend) Mkdir(ctx context.Context, path string) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if file, exists := mb.files.Get(path); exists {
		if !file.isDir {
			return fmt.Errorf("%w: %s", packfs.ErrExist, path)
		}
		return nil
	}

	mb.createParents(path)
	mb.files.Set(path, &memFile{isDir: true, modTime: time.Now()})

	return nil
}

// Remove deletes the file or empty directory at path.
func (mb *MemBackend) Remove(ctx context.Context, path string) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if path == "" {
		return packfs.ErrInvalidPath
	}

	file, exists := mb.files.Get(path)
	if !exists {
		return packfs.ErrNotFound
	}

	if file.isDir {
		prefix := path + "/"
		empty := true
		mb.files.Ascend(prefix, func(key string, value *memFile) bool {
			if strings.HasPrefix(key, prefix) {
				empty = false
			}
			return false
		})
		if !empty {
			return fmt.Errorf("%w: %s", packfs.ErrNotEmpty, path)
		}
	}

	mb.files.Delete(path)
	return nil
}

// createParents inserts missing directories above path. Caller must hold
// the write lock.
func (mb *MemBackend) createParents(path string) {
	segments := strings.Split(path, "/")
	for i := 1; i < len(segments); i++ {
		parent := strings.Join(segments[:i], "/")
		if _, exists := mb.files.Get(parent); !exists {
			mb.files.Set(parent, &memFile{isDir: true, modTime: time.Now()})
		}
	}
}

func (mb *MemBackend) infoFor(path string, file *memFile) *packfs.FileInfo {
	name := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		name = path[idx+1:]
	}

	fileType := packfs.FileTypeFile
	mode := packfs.FileMode(0644)
	if file.isDir {
		fileType = packfs.FileTypeDirectory
		mode = packfs.ModeDir | 0755
	}

	return &packfs.FileInfo{
		Name:    name,
		Path:    path,
		Type:    fileType,
		Size:    int64(len(file.data)),
		Mode:    mode,
		ModTime: file.modTime,
	}
}

// memWriter buffers writes and commits them to the backend on Close.
type memWriter struct {
	backend *MemBackend
	path    string
	buf     bytes.Buffer
	closed  bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, packfs.ErrClosed
	}
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	if w.closed {
		return packfs.ErrClosed
	}
	w.closed = true

	w.backend.mu.Lock()
	defer w.backend.mu.Unlock()

	w.backend.createParents(w.path)
	w.backend.files.Set(w.path, &memFile{
		data:    w.buf.Bytes(),
		modTime: time.Now(),
	})

	return nil
}
