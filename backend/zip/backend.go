package zip

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zip"

	"github.com/packlab/packfs"
)

// ZipBackend serves the contents of a zip archive read-only. The central
// directory is indexed once when the backend opens; entry data is
// decompressed on demand.
type ZipBackend struct {
	mu     sync.RWMutex
	source string
	reader *zip.ReadCloser

	entries  map[string]*zipEntry
	children map[string][]string
}

// zipEntry is one indexed archive member. Directories synthesized from
// entry paths carry no *zip.File.
type zipEntry struct {
	file  *zip.File
	isDir bool
}

// NewZipBackend creates a backend for the archive at the given path.
// The archive is opened and indexed by Open.
func NewZipBackend(source string) *ZipBackend {
	return &ZipBackend{
		source: source,
	}
}

// Returns the identifier name defined for this backend
func (*ZipBackend) Name() string {
	return "zip"
}

// Source returns the archive path this backend serves.
func (zb *ZipBackend) Source() string {
	return zb.source
}

// Capabilities returns the capabilities supported by this backend.
func (*ZipBackend) Capabilities() packfs.Capabilities {
	return packfs.Capabilities{
		Capabilities: []packfs.Capability{
			packfs.CapabilityPersistent,
		},
	}
}

// Open reads the central directory and builds the path index.
func (zb *ZipBackend) Open(ctx context.Context) error {
	zb.mu.Lock()
	defer zb.mu.Unlock()

	reader, err := zip.OpenReader(zb.source)
	if err != nil {
		if err == zip.ErrFormat {
			return fmt.Errorf("%w: %s", packfs.ErrCorruptArchive, zb.source)
		}
		return err
	}

	zb.reader = reader
	zb.entries = map[string]*zipEntry{
		"": {isDir: true},
	}
	zb.children = map[string][]string{}

	for _, file := range reader.File {
		name, ok := cleanEntryName(file.Name)
		if !ok || name == "" {
			continue
		}

		isDir := strings.HasSuffix(file.Name, "/") || file.FileInfo().IsDir()
		zb.addEntry(name, file, isDir)
	}

	return nil
}

// Close releases the archive file handle.
func (zb *ZipBackend) Close(ctx context.Context) error {
	zb.mu.Lock()
	defer zb.mu.Unlock()

	if zb.reader == nil {
		return nil
	}

	err := zb.reader.Close()
	zb.reader = nil
	zb.entries = nil
	zb.children = nil

	return err
}

// Stat returns information about an archive member.
func (zb *ZipBackend) Stat(ctx context.Context, path string) (*packfs.FileInfo, error) {
	zb.mu.RLock()
	defer zb.mu.RUnlock()

	entry, exists := zb.entries[path]
	if !exists {
		return nil, packfs.ErrNotFound
	}

	return zb.infoFor(path, entry), nil
}

// List returns the entries of the directory at path in archive order.
func (zb *ZipBackend) List(ctx context.Context, path string) ([]*packfs.FileInfo, error) {
	zb.mu.RLock()
	defer zb.mu.RUnlock()

	entry, exists := zb.entries[path]
	if !exists {
		return nil, packfs.ErrNotFound
	}
	if !entry.isDir {
		return nil, fmt.Errorf("%w: %s", packfs.ErrNotDirectory, path)
	}

	names := zb.children[path]
	infos := make([]*packfs.FileInfo, 0, len(names))
	for _, name := range names {
		childPath := name
		if path != "" {
			childPath = path + "/" + name
		}
		infos = append(infos, zb.infoFor(childPath, zb.entries[childPath]))
	}

	return infos, nil
}

// OpenRead opens an archive member for reading. Backward seeks reopen the
// member and rewind by decompressing from the start.
func (zb *ZipBackend) OpenRead(ctx context.Context, path string) (packfs.Handle, error) {
	zb.mu.RLock()
	defer zb.mu.RUnlock()

	entry, exists := zb.entries[path]
	if !exists {
		return nil, packfs.ErrNotFound
	}
	if entry.isDir {
		return nil, fmt.Errorf("%w: %s", packfs.ErrIsDirectory, path)
	}

	return &zipHandle{
		file: entry.file,
		size: int64(entry.file.UncompressedSize64),
	}, nil
}

// OpenWrite is not supported, zip archives are read-only.
func (zb *ZipBackend) OpenWrite(ctx context.Context, path string, mode packfs.AccessMode) (io.WriteCloser, error) {
	return nil, fmt.Errorf("%w: %s", packfs.ErrReadOnly, zb.source)
}

// Mkdir is not supported, zip archives are read-only.
func (zb *ZipBackend) Mkdir(ctx context.Context, path string) error {
	return fmt.Errorf("%w: %s", packfs.ErrReadOnly, zb.source)
}

// Remove is not supported, zip archives are read-only.
func (zb *ZipBackend) Remove(ctx context.Context, path string) error {
	return fmt.Errorf("%w: %s", packfs.ErrReadOnly, zb.source)
}

// addEntry indexes one member and synthesizes missing parent directories.
// Caller must hold the write lock.
func (zb *ZipBackend) addEntry(name string, file *zip.File, isDir bool) {
	if existing, ok := zb.entries[name]; ok {
		// Explicit dir entries may follow the files below them
		if isDir {
			existing.isDir = true
		}
		if file != nil && !isDir && existing.file == nil {
			existing.file = file
		}
		return
	}

	parent := ""
	base := name
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		parent = name[:idx]
		base = name[idx+1:]
	}

	if _, ok := zb.entries[parent]; !ok && parent != "" {
		zb.addEntry(parent, nil, true)
	}

	zb.entries[name] = &zipEntry{file: file, isDir: isDir}
	zb.children[parent] = append(zb.children[parent], base)
}

func (zb *ZipBackend) infoFor(path string, entry *zipEntry) *packfs.FileInfo {
	name := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		name = path[idx+1:]
	}

	info := &packfs.FileInfo{
		Name: name,
		Path: path,
	}

	if entry.isDir {
		info.Type = packfs.FileTypeDirectory
		info.Mode = packfs.ModeDir | 0755
		if entry.file != nil {
			info.ModTime = entry.file.Modified
		}
		return info
	}

	info.Type = packfs.FileTypeFile
	info.Size = int64(entry.file.UncompressedSize64)
	info.Mode = packfs.FileMode(entry.file.Mode().Perm())
	info.ModTime = entry.file.Modified

	return info
}

// cleanEntryName normalizes an archive member name into a backend-local
// path. Names that escape the archive root are rejected.
func cleanEntryName(name string) (string, bool) {
	name = strings.TrimSuffix(name, "/")
	normalized, err := packfs.NormalizePath("/" + name)
	if err != nil {
		return "", false
	}
	return strings.TrimPrefix(normalized, "/"), true
}

// zipHandle reads one archive member. Decompression is sequential, so the
// handle keeps a cursor and reopens the member when a read lands before it.
type zipHandle struct {
	mu     sync.Mutex
	file   *zip.File
	rc     io.ReadCloser
	offset int64 // position the next Read serves
	pos    int64 // position the decompressor is at
	size   int64
	closed bool
}

func (h *zipHandle) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, packfs.ErrClosed
	}

	if err := h.align(); err != nil {
		return 0, err
	}

	n, err := h.rc.Read(p)
	h.offset += int64(n)
	h.pos += int64(n)

	return n, err
}

func (h *zipHandle) Seek(offset int64, whence int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, packfs.ErrClosed
	}

	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = h.offset + offset
	case io.SeekEnd:
		next = h.size + offset
	default:
		return 0, fmt.Errorf("invalid seek whence %d", whence)
	}

	if next < 0 {
		return 0, fmt.Errorf("negative seek offset %d", next)
	}

	h.offset = next
	return next, nil
}

func (h *zipHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return packfs.ErrClosed
	}
	h.closed = true

	if h.rc != nil {
		return h.rc.Close()
	}
	return nil
}

func (h *zipHandle) Size() int64 {
	return h.size
}

// align positions the decompressor at the logical offset, reopening the
// member for backward movement.
func (h *zipHandle) align() error {
	if h.rc != nil && h.pos > h.offset {
		h.rc.Close()
		h.rc = nil
		h.pos = 0
	}

	if h.rc == nil {
		rc, err := h.file.Open()
		if err != nil {
			return err
		}
		h.rc = rc
		h.pos = 0
	}

	if h.pos < h.offset {
		if _, err := io.CopyN(io.Discard, h.rc, h.offset-h.pos); err != nil {
			if err == io.EOF {
				h.pos = h.offset
				return nil
			}
			return err
		}
		h.pos = h.offset
	}

	return nil
}

func init() {
	packfs.RegisterFormat(packfs.Format{
		Name:       "zip",
		Extensions: []string{"zip"},
		Detect: func(header []byte) bool {
			return bytes.HasPrefix(header, []byte("PK\x03\x04")) ||
				bytes.HasPrefix(header, []byte("PK\x05\x06")) ||
				bytes.HasPrefix(header, []byte("PK\x07\x08"))
		},
		New: func(source string) (packfs.Backend, error) {
			return NewZipBackend(source), nil
		},
	})
}
