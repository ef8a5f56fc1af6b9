// Package simple wraps a process-wide VFS instance behind a flat API with
// boolean results. Every call stores its outcome in a shared error slot:
// failures record their error code, successes clear it back to CodeOK.
// Inspect the slot with LastErrorCode and turn codes into messages with
// ErrorString.
//
// Importing this package registers the dir, zip and sqlar formats.
package simple

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/packlab/packfs"
	_ "github.com/packlab/packfs/backend/all" // register all formats
	"github.com/packlab/packfs/log"
)

var (
	mu sync.Mutex
	fs *packfs.VFS

	lastCode atomic.Int32
)

// track records the outcome of an operation in the error slot and reports
// whether it succeeded.
func track(err error) bool {
	lastCode.Store(int32(packfs.Code(err)))
	return err == nil
}

// current returns the shared instance, or nil before the first Init.
func current() *packfs.VFS {
	mu.Lock()
	defer mu.Unlock()

	return fs
}

// LastErrorCode returns the error code stored by the most recent call, or
// CodeOK when it succeeded.
func LastErrorCode() packfs.ErrorCode {
	return packfs.ErrorCode(lastCode.Load())
}

// ErrorString returns the human-readable message for an error code.
func ErrorString(code packfs.ErrorCode) string {
	return packfs.ErrorString(code)
}

// Init prepares the shared instance. argv0 should be os.Args[0].
func Init(argv0 string) bool {
	mu.Lock()
	if fs == nil {
		v, err := packfs.New(packfs.WithLogLevel(log.Error))
		if err != nil {
			mu.Unlock()
			return track(err)
		}
		fs = v
	}
	v := fs
	mu.Unlock()

	return track(v.Init(context.Background(), argv0))
}

// Deinit closes all open files and detaches every mount. The instance can
// be initialized again afterwards.
func Deinit() bool {
	v := current()
	if v == nil {
		return track(packfs.ErrNotInitialized)
	}

	return track(v.Deinit(context.Background()))
}

// Initialized reports whether the shared instance is initialized.
func Initialized() bool {
	v := current()
	return v != nil && v.Initialized()
}

// Mount probes and attaches source at the given mount point. With
// appendToPath the mount joins the end of the search path, otherwise it is
// searched first.
func Mount(source, point string, appendToPath bool) bool {
	v := current()
	if v == nil {
		return track(packfs.ErrNotInitialized)
	}

	var opts []packfs.MountOption
	if !appendToPath {
		opts = append(opts, packfs.WithPrepend())
	}

	return track(v.Mount(context.Background(), source, point, opts...))
}

// Unmount removes the mount whose source matches.
func Unmount(source string) bool {
	v := current()
	if v == nil {
		return track(packfs.ErrNotInitialized)
	}

	return track(v.Unmount(context.Background(), source))
}

// SetWriteDir routes write operations into dir. An empty dir disables
// writing.
func SetWriteDir(dir string) bool {
	v := current()
	if v == nil {
		return track(packfs.ErrNotInitialized)
	}

	return track(v.SetWriteDir(context.Background(), dir))
}

// WriteDir returns the configured write dir, or the empty string.
func WriteDir() string {
	v := current()
	if v == nil {
		return ""
	}

	return v.WriteDir()
}

// SearchPath returns the mounted sources in resolution order.
func SearchPath() []string {
	v := current()
	if v == nil {
		return nil
	}

	return v.SearchPath()
}

// MountPoint returns the mount point the source is attached at.
func MountPoint(source string) (string, bool) {
	v := current()
	if v == nil {
		track(packfs.ErrNotInitialized)
		return "", false
	}

	point, err := v.MountPoint(source)
	if !track(err) {
		return "", false
	}
	return point, true
}

// BaseDir returns the directory of the running executable.
func BaseDir() string {
	v := current()
	if v == nil {
		return ""
	}

	return v.BaseDir()
}

// UserDir returns the home directory of the current user.
func UserDir() string {
	v := current()
	if v == nil {
		return ""
	}

	return v.UserDir()
}

// OpenRead opens the file at path for reading. Returns nil on failure, with
// the cause available from LastErrorCode.
func OpenRead(path string) *packfs.File {
	v := current()
	if v == nil {
		track(packfs.ErrNotInitialized)
		return nil
	}

	f, err := v.OpenRead(context.Background(), path)
	if !track(err) {
		return nil
	}
	return f
}

// OpenWrite opens the file at path in the write dir, truncating existing
// content. Returns nil on failure.
func OpenWrite(path string) *packfs.File {
	v := current()
	if v == nil {
		track(packfs.ErrNotInitialized)
		return nil
	}

	f, err := v.OpenWrite(context.Background(), path)
	if !track(err) {
		return nil
	}
	return f
}

// OpenAppend opens the file at path in the write dir, continuing at the end
// of existing content. Returns nil on failure.
func OpenAppend(path string) *packfs.File {
	v := current()
	if v == nil {
		track(packfs.ErrNotInitialized)
		return nil
	}

	f, err := v.OpenAppend(context.Background(), path)
	if !track(err) {
		return nil
	}
	return f
}

// Stat returns file information for the given path.
func Stat(path string) (*packfs.FileInfo, bool) {
	v := current()
	if v == nil {
		track(packfs.ErrNotInitialized)
		return nil, false
	}

	fi, err := v.Stat(context.Background(), path)
	if !track(err) {
		return nil, false
	}
	return fi, true
}

// Exists checks if a file or directory exists at the given path. A missing
// path is not a failure and leaves the error slot cleared.
func Exists(path string) bool {
	v := current()
	if v == nil {
		track(packfs.ErrNotInitialized)
		return false
	}

	ok, err := v.Exists(context.Background(), path)
	track(err)
	return ok
}

// Enumerate returns the merged entry names in the directory at path.
func Enumerate(path string) ([]string, bool) {
	v := current()
	if v == nil {
		track(packfs.ErrNotInitialized)
		return nil, false
	}

	names, err := v.Enumerate(context.Background(), path)
	if !track(err) {
		return nil, false
	}
	return names, true
}

// Mkdir creates a directory at path in the write dir, including missing
// parents.
func Mkdir(path string) bool {
	v := current()
	if v == nil {
		return track(packfs.ErrNotInitialized)
	}

	return track(v.Mkdir(context.Background(), path))
}

// Delete removes the file or empty directory at path from the write dir.
func Delete(path string) bool {
	v := current()
	if v == nil {
		return track(packfs.ErrNotInitialized)
	}

	return track(v.Delete(context.Background(), path))
}
