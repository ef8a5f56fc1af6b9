package packfs

import (
	"context"
	"io"
	"slices"
)

// Backend is the storage provider behind a mount point. Directory trees,
// archive files and remote stores all implement the same surface; the VFS
// dispatches every operation to the backend owning the matched mount.
//
// Paths handed to a backend are backend-local: relative to the mount source,
// slash-separated, without a leading slash. The empty string addresses the
// backend root.
type Backend interface {
	// Name returns the identifier name defined for this backend.
	Name() string

	// Source returns the location the backend was created from, such as a
	// directory path, an archive file or a bucket name.
	Source() string

	// Capabilities returns the set of capabilities supported by this backend.
	Capabilities() Capabilities

	// Open is part of the lifecycle behaviour and gets called when the
	// backend is attached to a mount point.
	Open(ctx context.Context) error

	// Close is part of the lifecycle behaviour and gets called when the last
	// reference to the mount is released.
	Close(ctx context.Context) error

	// Stat returns file information for the given path.
	// Returns ErrNotFound if the path doesn't exist.
	Stat(ctx context.Context, path string) (*FileInfo, error)

	// List returns the entries in the directory at path, in the backend's
	// native order. Returns ErrNotFound if the path doesn't exist and
	// ErrNotDirectory if it is a file.
	List(ctx context.Context, path string) ([]*FileInfo, error)

	// OpenRead opens a file for reading and returns a handle.
	// The returned Handle must be closed by the caller.
	OpenRead(ctx context.Context, path string) (Handle, error)

	// OpenWrite opens a file for writing according to mode and returns a
	// writer. The returned WriteCloser must be closed by the caller.
	// Backends without CapabilityWrite return ErrReadOnly.
	OpenWrite(ctx context.Context, path string, mode AccessMode) (io.WriteCloser, error)

	// Mkdir creates a new directory at the specified path.
	// Missing parents are created as needed.
	Mkdir(ctx context.Context, path string) error

	// Remove deletes the file or empty directory at the specified path.
	// Returns ErrNotEmpty for directories that still have entries.
	Remove(ctx context.Context, path string) error
}

// Capability names a feature a backend supports.
type Capability string

const (
	// CapabilityWrite marks backends that accept OpenWrite, Mkdir and Remove.
	CapabilityWrite Capability = "write"
	// CapabilityPersistent marks backends whose contents survive Close.
	CapabilityPersistent Capability = "persistent"
	// CapabilityRemote marks backends served over a network.
	CapabilityRemote Capability = "remote"
)

// Capabilities describes what a backend supports.
type Capabilities struct {
	Capabilities []Capability
}

// Contains checks if a capability is supported.
func (c Capabilities) Contains(cap Capability) bool {
	return slices.Contains(c.Capabilities, cap)
}
