package packfs

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
)

// File is an open handle into the virtual tree. Reads are served by the
// backend the path resolved to when the file was opened; writes go to the
// write dir. A File stays usable after its mount leaves the search path and
// releases its backend reference on Close.
type File struct {
	mu  sync.Mutex
	ctx context.Context

	id    string
	vfs   *VFS
	entry *mountEntry
	path  string // Virtual path the file was opened with
	flags AccessMode

	reader Handle
	writer io.WriteCloser
	wrote  int64
	closed bool
}

func newFile(ctx context.Context, v *VFS, entry *mountEntry, path string, flags AccessMode, reader Handle, writer io.WriteCloser) *File {
	return &File{
		ctx: ctx,

		id:     uuid.Must(uuid.NewV7()).String(),
		vfs:    v,
		entry:  entry,
		path:   path,
		flags:  flags,
		reader: reader,
		writer: writer,
	}
}

// Name returns the virtual path the file was opened with.
func (f *File) Name() string {
	return f.path
}

// Size returns the file length for read handles, or the number of bytes
// written so far for write handles.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.reader != nil {
		return f.reader.Size()
	}
	return f.wrote
}

// Read reads up to len(p) bytes from the file at the current offset.
// Returns ErrPermission if the file was not opened for reading.
func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrClosed
	}

	if f.reader == nil {
		return 0, ErrPermission
	}

	// Check context cancellation
	select {
	case <-f.ctx.Done():
		return 0, f.ctx.Err()
	default:
	}

	return f.reader.Read(p)
}

// Write writes len(p) bytes to the file at the current offset.
// Returns ErrPermission if the file was not opened for writing.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrClosed
	}

	if f.writer == nil {
		return 0, ErrPermission
	}

	// Check context cancellation
	select {
	case <-f.ctx.Done():
		return 0, f.ctx.Err()
	default:
	}

	n, err := f.writer.Write(p)
	if n > 0 {
		f.wrote += int64(n)
	}

	return n, err
}

// Seek sets the offset for the next Read and returns the new offset.
// Write handles are sequential and return ErrPermission.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrClosed
	}

	if f.reader == nil {
		return 0, ErrPermission
	}

	return f.reader.Seek(offset, whence)
}

// Close closes the underlying backend handle, unregisters the file from the
// VFS and releases its mount reference.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	f.closed = true

	var err error
	if f.reader != nil {
		err = f.reader.Close()
	}
	if f.writer != nil {
		err = f.writer.Close()
	}

	f.vfs.mu.Lock()
	delete(f.vfs.streams, f.id)
	f.vfs.mu.Unlock()

	// The open context may be long canceled; the backend still has to close.
	if relErr := f.entry.release(context.Background()); relErr != nil && err == nil {
		err = relErr
	}

	return err
}
