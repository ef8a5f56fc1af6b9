package packfs

import (
	"bytes"
	"io"
)

// Handle is a read handle served by a backend. Handles are seekable so the
// VFS can offer random access regardless of how the backend stores the data.
type Handle interface {
	io.Reader
	io.Seeker
	io.Closer

	// Size returns the total length of the file in bytes, or -1 when the
	// backend cannot determine it up front.
	Size() int64
}

// BytesHandle serves a fully buffered file as a Handle. Archive backends use
// it for entries that have to be decompressed in one piece.
type BytesHandle struct {
	reader *bytes.Reader
	closed bool
}

// NewBytesHandle returns a Handle reading from buf.
func NewBytesHandle(buf []byte) *BytesHandle {
	return &BytesHandle{
		reader: bytes.NewReader(buf),
	}
}

func (h *BytesHandle) Read(p []byte) (int, error) {
	if h.closed {
		return 0, ErrClosed
	}
	return h.reader.Read(p)
}

func (h *BytesHandle) Seek(offset int64, whence int) (int64, error) {
	if h.closed {
		return 0, ErrClosed
	}
	return h.reader.Seek(offset, whence)
}

func (h *BytesHandle) Close() error {
	h.closed = true
	return nil
}

func (h *BytesHandle) Size() int64 {
	return h.reader.Size()
}
