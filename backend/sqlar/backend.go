package sqlar

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zlib"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (CGO_ENABLED=0 compatible)

	"github.com/packlab/packfs"
)

// Unix file type bits used in the sqlar mode column.
const (
	modeTypeMask = 0170000
	modeTypeDir  = 0040000
)

// SqlarBackend serves a SQLite Archive (sqlar) file read-only. The archive
// table is indexed once when the backend opens; row data stays in the
// database and is decompressed on demand.
//
// The sqlar format stores one row per file in a table named sqlar:
// name, mode, mtime, sz and a data blob that is zlib-compressed unless the
// blob length equals sz.
type SqlarBackend struct {
	mu     sync.RWMutex
	source string
	db     *sql.DB

	entries  map[string]*sqlarEntry
	children map[string][]string
}

// sqlarEntry is one indexed archive row. Directories synthesized from row
// names carry zero mode and mtime.
type sqlarEntry struct {
	mode  uint32
	mtime int64
	size  int64
	isDir bool
}

// NewSqlarBackend creates a backend for the archive at the given path.
// The database is opened and indexed by Open.
func NewSqlarBackend(source string) *SqlarBackend {
	return &SqlarBackend{
		source: source,
	}
}

// Returns the identifier name defined for this backend
func (*SqlarBackend) Name() string {
	return "sqlar"
}

// Source returns the archive path this backend serves.
func (sb *SqlarBackend) Source() string {
	return sb.source
}

// Capabilities returns the capabilities supported by this backend.
func (*SqlarBackend) Capabilities() packfs.Capabilities {
	return packfs.Capabilities{
		Capabilities: []packfs.Capability{
			packfs.CapabilityPersistent,
		},
	}
}

// Open connects to the database and indexes the archive table in rowid
// order, which is the order files were added.
func (sb *SqlarBackend) Open(ctx context.Context) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", sb.source))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	var count int
	row := db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'sqlar'`)
	if err := row.Scan(&count); err != nil {
		db.Close()
		return fmt.Errorf("%w: %s: %v", packfs.ErrCorruptArchive, sb.source, err)
	}
	if count == 0 {
		db.Close()
		return fmt.Errorf("%w: %s has no sqlar table", packfs.ErrCorruptArchive, sb.source)
	}

	rows, err := db.QueryContext(ctx, `SELECT name, mode, mtime, sz FROM sqlar ORDER BY rowid`)
	if err != nil {
		db.Close()
		return fmt.Errorf("%w: %s: %v", packfs.ErrCorruptArchive, sb.source, err)
	}
	defer rows.Close()

	sb.db = db
	sb.entries = map[string]*sqlarEntry{
		"": {mode: modeTypeDir | 0755, isDir: true},
	}
	sb.children = map[string][]string{}

	for rows.Next() {
		var rawName string
		var mode uint32
		var mtime, size int64
		if err := rows.Scan(&rawName, &mode, &mtime, &size); err != nil {
			return fmt.Errorf("%w: %s: %v", packfs.ErrCorruptArchive, sb.source, err)
		}

		name, ok := cleanEntryName(rawName)
		if !ok || name == "" {
			continue
		}

		// Symlinks (sz < 0) are not exposed
		if size < 0 {
			continue
		}

		sb.addEntry(name, &sqlarEntry{
			mode:  mode,
			mtime: mtime,
			size:  size,
			isDir: mode&modeTypeMask == modeTypeDir,
		})
	}

	return rows.Err()
}

// Close releases the database connection.
func (sb *SqlarBackend) Close(ctx context.Context) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.db == nil {
		return nil
	}

	err := sb.db.Close()
	sb.db = nil
	sb.entries = nil
	sb.children = nil

	return err
}

// Stat returns information about an archive row.
func (sb *SqlarBackend) Stat(ctx context.Context, path string) (*packfs.FileInfo, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	entry, exists := sb.entries[path]
	if !exists {
		return nil, packfs.ErrNotFound
	}

	return infoFor(path, entry), nil
}

// List returns the entries of the directory at path in rowid order.
func (sb *SqlarBackend) List(ctx context.Context, path string) ([]*packfs.FileInfo, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	entry, exists := sb.entries[path]
	if !exists {
		return nil, packfs.ErrNotFound
	}
	if !entry.isDir {
		return nil, fmt.Errorf("%w: %s", packfs.ErrNotDirectory, path)
	}

	names := sb.children[path]
	infos := make([]*packfs.FileInfo, 0, len(names))
	for _, name := range names {
		childPath := name
		if path != "" {
			childPath = path + "/" + name
		}
		infos = append(infos, infoFor(childPath, sb.entries[childPath]))
	}

	return infos, nil
}

// OpenRead loads the row blob, inflating it when stored compressed, and
// returns a seekable handle over the content.
func (sb *SqlarBackend) OpenRead(ctx context.Context, path string) (packfs.Handle, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	entry, exists := sb.entries[path]
	if !exists {
		return nil, packfs.ErrNotFound
	}
	if entry.isDir {
		return nil, fmt.Errorf("%w: %s", packfs.ErrIsDirectory, path)
	}

	var blob []byte
	row := sb.db.QueryRowContext(ctx, `SELECT data FROM sqlar WHERE name = ?`, path)
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			// The row was indexed under a cleaned name
			row = sb.db.QueryRowContext(ctx, `SELECT data FROM sqlar WHERE name = ?`, "./"+path)
			if err := row.Scan(&blob); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", packfs.ErrCorruptArchive, path, err)
			}
		} else {
			return nil, fmt.Errorf("%w: %s: %v", packfs.ErrCorruptArchive, path, err)
		}
	}

	// Blobs are stored raw when their length matches the original size
	if int64(len(blob)) == entry.size {
		return packfs.NewBytesHandle(blob), nil
	}

	zr, err := zlib.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", packfs.ErrCorruptArchive, path, err)
	}
	defer zr.Close()

	content, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", packfs.ErrCorruptArchive, path, err)
	}
	if int64(len(content)) != entry.size {
		return nil, fmt.Errorf("%w: %s inflated to %d bytes, expected %d", packfs.ErrCorruptArchive, path, len(content), entry.size)
	}

	return packfs.NewBytesHandle(content), nil
}

// OpenWrite is not supported, sqlar archives are read-only.
func (sb *SqlarBackend) OpenWrite(ctx context.Context, path string, mode packfs.AccessMode) (io.WriteCloser, error) {
	return nil, fmt.Errorf("%w: %s", packfs.ErrReadOnly, sb.source)
}

// Mkdir is not supported, sqlar archives are read-only.
func (sb *SqlarBackend) Mkdir(ctx context.Context, path string) error {
	return fmt.Errorf("%w: %s", packfs.ErrReadOnly, sb.source)
}

// Remove is not supported, sqlar archives are read-only.
func (sb *SqlarBackend) Remove(ctx context.Context, path string) error {
	return fmt.Errorf("%w: %s", packfs.ErrReadOnly, sb.source)
}

// addEntry indexes one row and synthesizes missing parent directories.
// Caller must hold the write lock.
func (sb *SqlarBackend) addEntry(name string, entry *sqlarEntry) {
	if existing, ok := sb.entries[name]; ok {
		if entry.isDir {
			existing.isDir = true
		}
		return
	}

	parent := ""
	base := name
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		parent = name[:idx]
		base = name[idx+1:]
	}

	if _, ok := sb.entries[parent]; !ok && parent != "" {
		sb.addEntry(parent, &sqlarEntry{mode: modeTypeDir | 0755, isDir: true})
	}

	sb.entries[name] = entry
	sb.children[parent] = append(sb.children[parent], base)
}

func infoFor(path string, entry *sqlarEntry) *packfs.FileInfo {
	name := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		name = path[idx+1:]
	}

	info := &packfs.FileInfo{
		Name:    name,
		Path:    path,
		Mode:    packfs.FileMode(entry.mode & 0777),
		ModTime: time.Unix(entry.mtime, 0),
	}
	if entry.mtime == 0 {
		info.ModTime = time.Time{}
	}

	if entry.isDir {
		info.Type = packfs.FileTypeDirectory
		info.Mode |= packfs.ModeDir
	} else {
		info.Type = packfs.FileTypeFile
		info.Size = entry.size
	}

	return info
}

// cleanEntryName normalizes a row name into a backend-local path. Names
// that escape the archive root are rejected.
func cleanEntryName(name string) (string, bool) {
	name = strings.TrimSuffix(name, "/")
	normalized, err := packfs.NormalizePath("/" + name)
	if err != nil {
		return "", false
	}
	return strings.TrimPrefix(normalized, "/"), true
}

func init() {
	packfs.RegisterFormat(packfs.Format{
		Name:       "sqlar",
		Extensions: []string{"sqlar"},
		Detect: func(header []byte) bool {
			return bytes.HasPrefix(header, []byte("SQLite format 3\x00"))
		},
		New: func(source string) (packfs.Backend, error) {
			return NewSqlarBackend(source), nil
		},
	})
}
