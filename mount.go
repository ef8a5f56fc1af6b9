package packfs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// mountEntry tracks one attached backend in the search path. Entries are
// refcounted: the mount itself holds one reference and every open handle
// holds another, so a backend stays usable for its open handles after the
// mount leaves the search path. The backend closes when the final reference
// is released.
type mountEntry struct {
	id        string
	point     string // Normalized mount point
	source    string // Location the backend was created from
	format    string
	backend   Backend
	mountedAt time.Time

	refs      atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

func newMountEntry(point, source, format string, b Backend) *mountEntry {
	entry := &mountEntry{
		id:        uuid.Must(uuid.NewV7()).String(),
		point:     point,
		source:    source,
		format:    format,
		backend:   b,
		mountedAt: time.Now(),
	}
	entry.refs.Store(1)

	return entry
}

// acquire takes a reference on behalf of an open handle.
func (e *mountEntry) acquire() {
	e.refs.Add(1)
}

// release drops one reference and closes the backend once none remain.
func (e *mountEntry) release(ctx context.Context) error {
	if e.refs.Add(-1) > 0 {
		return nil
	}

	e.closeOnce.Do(func() {
		e.closeErr = e.backend.Close(ctx)
	})
	return e.closeErr
}

// MountInfo describes an attached source in the search path.
type MountInfo struct {
	Source    string    // Location the backend was created from
	Point     string    // Mount point within the virtual tree
	Format    string    // Format or provider name serving the source
	MountedAt time.Time // When the mount was created
}

// Mount probes the format of source and attaches it at the given mount
// point. New mounts are appended to the search path; use WithPrepend to
// place one ahead of all existing mounts, or WithFormat to skip probing.
func (v *VFS) Mount(ctx context.Context, source, point string, opts ...MountOption) error {
	options := newDefaultMountOptions()
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return err
		}
	}

	var format Format
	if options.Format != "" {
		f, ok := GetFormat(options.Format)
		if !ok {
			return fmt.Errorf("%w: format %q is not registered", ErrUnsupportedFormat, options.Format)
		}
		format = f
	} else {
		f, err := probeFormat(source)
		if err != nil {
			return err
		}
		format = f
	}

	b, err := format.New(source)
	if err != nil {
		return err
	}

	return v.mountBackend(ctx, b, point, options)
}

// MountBackend attaches an explicitly constructed backend at the given mount
// point, bypassing format probing. Used for backends without an on-disk
// source, such as memory or remote stores.
func (v *VFS) MountBackend(ctx context.Context, b Backend, point string, opts ...MountOption) error {
	options := newDefaultMountOptions()
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return err
		}
	}

	return v.mountBackend(ctx, b, point, options)
}

func (v *VFS) mountBackend(ctx context.Context, b Backend, point string, options *MountOptions) error {
	point, err := NormalizePath(point)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.initialized {
		return ErrNotInitialized
	}

	// A source can only be attached once
	for _, entry := range v.mounts {
		if entry.source == b.Source() {
			return fmt.Errorf("%w: %s", ErrAlreadyMounted, b.Source())
		}
	}

	if err := b.Open(ctx); err != nil {
		return fmt.Errorf("failed to open %s backend for %s: %w", b.Name(), b.Source(), err)
	}

	entry := newMountEntry(point, b.Source(), b.Name(), b)
	if options.Prepend {
		v.mounts = append([]*mountEntry{entry}, v.mounts...)
	} else {
		v.mounts = append(v.mounts, entry)
	}

	v.log.Info("mounted %s at %s as %s", entry.source, entry.point, entry.format)
	return nil
}

// Unmount removes the mount whose source (or mount point) matches. The mount
// leaves the search path immediately; open handles keep the backend alive
// until the last one closes.
func (v *VFS) Unmount(ctx context.Context, source string) error {
	v.mu.Lock()

	if !v.initialized {
		v.mu.Unlock()
		return ErrNotInitialized
	}

	idx := -1
	for i, entry := range v.mounts {
		if entry.source == source {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Fall back to matching by mount point
		if point, err := NormalizePath(source); err == nil {
			for i, entry := range v.mounts {
				if entry.point == point {
					idx = i
					break
				}
			}
		}
	}
	if idx < 0 {
		v.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotMounted, source)
	}

	entry := v.mounts[idx]
	v.mounts = append(v.mounts[:idx], v.mounts[idx+1:]...)
	v.mu.Unlock()

	if err := entry.release(ctx); err != nil {
		return err
	}

	v.log.Info("unmounted %s", entry.source)
	return nil
}

// SetWriteDir routes all write operations into dir, which must be an
// existing directory. An empty dir disables writing. The previous write
// backend closes once its open write handles are done.
func (v *VFS) SetWriteDir(ctx context.Context, dir string) error {
	var entry *mountEntry

	if dir != "" {
		fi, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: %s", ErrNotFound, dir)
			}
			return err
		}
		if !fi.IsDir() {
			return fmt.Errorf("%w: %s", ErrNotDirectory, dir)
		}

		f, ok := GetFormat("dir")
		if !ok {
			return fmt.Errorf("%w: no format registered for directories, import the dir backend package", ErrUnsupportedFormat)
		}

		b, err := f.New(dir)
		if err != nil {
			return err
		}
		if err := b.Open(ctx); err != nil {
			return fmt.Errorf("failed to open %s backend for %s: %w", b.Name(), dir, err)
		}

		entry = newMountEntry("/", dir, f.Name, b)
	}

	v.mu.Lock()
	if !v.initialized {
		v.mu.Unlock()
		if entry != nil {
			entry.release(ctx)
		}
		return ErrNotInitialized
	}

	previous := v.write
	v.write = entry
	v.mu.Unlock()

	if dir == "" {
		v.log.Info("write dir disabled")
	} else {
		v.log.Info("write dir set to %s", dir)
	}

	if previous != nil {
		return previous.release(ctx)
	}
	return nil
}

// WriteDir returns the directory write operations target, or the empty
// string when no write dir is set.
func (v *VFS) WriteDir() string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.write == nil {
		return ""
	}
	return v.write.source
}

// SearchPath returns the mounted sources in resolution order.
func (v *VFS) SearchPath() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	sources := make([]string, len(v.mounts))
	for i, entry := range v.mounts {
		sources[i] = entry.source
	}
	return sources
}

// MountPoint returns the mount point the given source is attached at.
// Returns ErrNotMounted if the source is not in the search path.
func (v *VFS) MountPoint(source string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, entry := range v.mounts {
		if entry.source == source {
			return entry.point, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotMounted, source)
}

// Mounts returns information about all mounted sources in resolution order.
func (v *VFS) Mounts() []MountInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()

	infos := make([]MountInfo, len(v.mounts))
	for i, entry := range v.mounts {
		infos[i] = MountInfo{
			Source:    entry.source,
			Point:     entry.point,
			Format:    entry.format,
			MountedAt: entry.mountedAt,
		}
	}
	return infos
}
