package packfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mitchellh/go-homedir"

	"github.com/packlab/packfs/log"
)

// VFS is a virtual filesystem assembled from an ordered list of mounted
// sources. Reads resolve against the search path in order; writes go to a
// single write dir configured separately. All methods are safe for
// concurrent use.
type VFS struct {
	mu sync.RWMutex

	log     *log.Logger
	opts    *Options
	mounts  []*mountEntry
	write   *mountEntry
	streams map[string]*File

	baseDir     string
	userDir     string
	initialized bool
}

// New creates an uninitialized VFS. Call Init before mounting or opening
// anything.
func New(opts ...Option) (*VFS, error) {
	options := newDefaultOptions()
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}

	return &VFS{
		log:     log.NewLogger("packfs", options.LogLevel, options.LogFile, options.NoTerminalLog),
		opts:    options,
		streams: make(map[string]*File),
	}, nil
}

// Init prepares the VFS for use. argv0 should be os.Args[0] and is used as a
// fallback to derive the base directory when the running executable cannot
// be located. Returns ErrAlreadyInitialized on repeated calls without an
// intervening Deinit.
func (v *VFS) Init(ctx context.Context, argv0 string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.initialized {
		return ErrAlreadyInitialized
	}

	baseDir := v.opts.BaseDir
	if baseDir == "" {
		dir, err := deriveBaseDir(argv0)
		if err != nil {
			return fmt.Errorf("failed to derive base dir: %w", err)
		}
		baseDir = dir
	}

	userDir := v.opts.UserDir
	if userDir == "" {
		home, err := homedir.Dir()
		if err != nil {
			return fmt.Errorf("failed to derive user dir: %w", err)
		}
		userDir = home
	}

	v.baseDir = baseDir
	v.userDir = userDir
	v.streams = make(map[string]*File)
	v.initialized = true

	v.log.Debug("initialized with base dir %s", baseDir)
	return nil
}

// Deinit closes all open files, detaches every mount and the write dir, and
// returns the VFS to its uninitialized state. Errors from individual
// teardown steps are joined; teardown always runs to completion.
func (v *VFS) Deinit(ctx context.Context) error {
	v.mu.Lock()
	if !v.initialized {
		v.mu.Unlock()
		return ErrNotInitialized
	}

	streams := make([]*File, 0, len(v.streams))
	for _, f := range v.streams {
		streams = append(streams, f)
	}
	mounts := v.mounts
	write := v.write

	v.mounts = nil
	v.write = nil
	v.streams = nil
	v.baseDir = ""
	v.userDir = ""
	v.initialized = false
	v.mu.Unlock()

	errs := Errors{}
	for _, f := range streams {
		if err := f.Close(); err != nil && !errors.Is(err, ErrClosed) {
			errs.Add(err)
		}
	}

	// Release mounts in reverse order, mirroring how they were attached
	for i := len(mounts) - 1; i >= 0; i-- {
		errs.Add(mounts[i].release(ctx))
	}
	if write != nil {
		errs.Add(write.release(ctx))
	}

	v.log.Info("deinitialized")
	return errs.Errors()
}

// Initialized reports whether Init has been called without a matching
// Deinit.
func (v *VFS) Initialized() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.initialized
}

// BaseDir returns the directory of the running executable, or the override
// configured with WithBaseDir. Empty before Init.
func (v *VFS) BaseDir() string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.baseDir
}

// UserDir returns the home directory of the current user, or the override
// configured with WithUserDir. Empty before Init.
func (v *VFS) UserDir() string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.userDir
}

// resolve walks the search path in order and returns the first mount whose
// backend serves path, together with the backend-local path and the stat
// result. The returned entry carries an extra reference the caller must
// release.
func (v *VFS) resolve(ctx context.Context, path string) (*mountEntry, string, *FileInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.initialized {
		return nil, "", nil, ErrNotInitialized
	}

	for _, entry := range v.mounts {
		if !underPoint(path, entry.point) {
			continue
		}

		rel := ToRelativePath(path, entry.point)
		fi, err := entry.backend.Stat(ctx, rel)
		if err != nil {
			continue
		}

		entry.acquire()
		return entry, rel, fi, nil
	}

	return nil, "", nil, fmt.Errorf("%w: %s", ErrNotFound, path)
}

// mountAncestor reports whether path is the root, a mount point, or an
// ancestor of one. Such paths are directories in the virtual tree even when
// no backend serves them.
func (v *VFS) mountAncestor(path string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.initialized {
		return false
	}
	if path == "/" {
		return true
	}

	for _, entry := range v.mounts {
		if underPoint(entry.point, path) {
			return true
		}
	}
	return false
}

func (v *VFS) registerStream(f *File) {
	v.mu.Lock()
	if v.streams == nil {
		v.streams = make(map[string]*File)
	}
	v.streams[f.id] = f
	v.mu.Unlock()
}

// acquireWrite returns the write dir entry with an extra reference the
// caller must release, or ErrNoWriteDir when none is configured.
func (v *VFS) acquireWrite() (*mountEntry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.initialized {
		return nil, ErrNotInitialized
	}
	if v.write == nil {
		return nil, ErrNoWriteDir
	}

	v.write.acquire()
	return v.write, nil
}

// Stat returns file information for the given virtual path, searching the
// mounts in order. Mount points and their ancestors stat as directories.
func (v *VFS) Stat(ctx context.Context, path string) (*FileInfo, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}

	entry, _, fi, err := v.resolve(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) && v.mountAncestor(path) {
			return syntheticDirInfo(path), nil
		}
		return nil, err
	}
	defer entry.release(ctx)

	_, base := SplitPath(path)
	if path == "/" {
		base = "/"
	}
	fi.Name = base
	fi.Path = path

	return fi, nil
}

// Exists checks if a file or directory exists at the given path.
func (v *VFS) Exists(ctx context.Context, path string) (bool, error) {
	_, err := v.Stat(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ReadDir merges the directory listings of every mount that can see path.
// Mounts contribute in search-path order and the first occurrence of a name
// wins; within one backend the native listing order is preserved. Mount
// points nested below path appear as directories.
func (v *VFS) ReadDir(ctx context.Context, path string) ([]*FileInfo, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.initialized {
		return nil, ErrNotInitialized
	}

	seen := make(map[string]struct{})
	merged := make([]*FileInfo, 0, 16)
	found := false
	sawFile := false

	for _, entry := range v.mounts {
		if underPoint(path, entry.point) {
			rel := ToRelativePath(path, entry.point)
			list, err := entry.backend.List(ctx, rel)
			if err != nil {
				if errors.Is(err, ErrNotDirectory) {
					sawFile = true
				}
				continue
			}
			found = true

			for _, fi := range list {
				if _, ok := seen[fi.Name]; ok {
					continue
				}
				seen[fi.Name] = struct{}{}
				fi.Path = joinPath(path, fi.Name)
				merged = append(merged, fi)
			}
		} else if underPoint(entry.point, path) {
			// The mount point sits below path; its first path segment
			// becomes a synthesized directory entry.
			rel := ToRelativePath(entry.point, path)
			name, _ := directChild(rel)
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			merged = append(merged, &FileInfo{
				Name: name,
				Path: joinPath(path, name),
				Type: FileTypeDirectory,
				Mode: ModeDir | 0755,
			})
			found = true
		}
	}

	if !found {
		if sawFile {
			return nil, fmt.Errorf("%w: %s", ErrNotDirectory, path)
		}
		if path != "/" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
	}

	return merged, nil
}

// Enumerate returns the merged entry names in the directory at path, in the
// same order ReadDir reports them.
func (v *VFS) Enumerate(ctx context.Context, path string) ([]string, error) {
	infos, err := v.ReadDir(ctx, path)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(infos))
	for i, fi := range infos {
		names[i] = fi.Name
	}
	return names, nil
}

// OpenRead opens the file at path for reading, searching the mounts in
// order. The returned File must be closed by the caller and remains readable
// after its mount is removed from the search path.
func (v *VFS) OpenRead(ctx context.Context, path string) (*File, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}

	entry, rel, fi, err := v.resolve(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) && v.mountAncestor(path) {
			return nil, fmt.Errorf("%w: %s", ErrIsDirectory, path)
		}
		return nil, err
	}

	if fi.IsDir() {
		entry.release(ctx)
		return nil, fmt.Errorf("%w: %s", ErrIsDirectory, path)
	}

	handle, err := entry.backend.OpenRead(ctx, rel)
	if err != nil {
		entry.release(ctx)
		return nil, err
	}

	f := newFile(ctx, v, entry, path, AccessModeRead, handle, nil)
	v.registerStream(f)

	v.log.Debug("opened %s for reading from %s", path, entry.source)
	return f, nil
}

// OpenWrite opens the file at path in the write dir for writing, truncating
// any existing content. Parent directories are created as needed.
func (v *VFS) OpenWrite(ctx context.Context, path string) (*File, error) {
	return v.openWrite(ctx, path, AccessModeWrite|AccessModeCreate|AccessModeTrunc)
}

// OpenAppend opens the file at path in the write dir for writing, keeping
// existing content and continuing at the end.
func (v *VFS) OpenAppend(ctx context.Context, path string) (*File, error) {
	return v.openWrite(ctx, path, AccessModeWrite|AccessModeCreate|AccessModeAppend)
}

func (v *VFS) openWrite(ctx context.Context, path string, flags AccessMode) (*File, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	if path == "/" {
		return nil, fmt.Errorf("%w: %s", ErrIsDirectory, path)
	}

	entry, err := v.acquireWrite()
	if err != nil {
		return nil, err
	}

	writer, err := entry.backend.OpenWrite(ctx, ToRelativePath(path, "/"), flags)
	if err != nil {
		entry.release(ctx)
		return nil, err
	}

	f := newFile(ctx, v, entry, path, flags, nil, writer)
	v.registerStream(f)

	v.log.Debug("opened %s for writing in %s", path, entry.source)
	return f, nil
}

// Mkdir creates a directory at path in the write dir, including missing
// parents. Returns ErrNoWriteDir when no write dir is configured.
func (v *VFS) Mkdir(ctx context.Context, path string) error {
	path, err := NormalizePath(path)
	if err != nil {
		return err
	}

	entry, err := v.acquireWrite()
	if err != nil {
		return err
	}
	defer entry.release(ctx)

	return entry.backend.Mkdir(ctx, ToRelativePath(path, "/"))
}

// Delete removes the file or empty directory at path from the write dir.
// Returns ErrNoWriteDir when no write dir is configured and ErrNotEmpty for
// directories that still have entries.
func (v *VFS) Delete(ctx context.Context, path string) error {
	path, err := NormalizePath(path)
	if err != nil {
		return err
	}
	if path == "/" {
		return fmt.Errorf("%w: cannot delete root", ErrInvalidPath)
	}

	entry, err := v.acquireWrite()
	if err != nil {
		return err
	}
	defer entry.release(ctx)

	return entry.backend.Remove(ctx, ToRelativePath(path, "/"))
}

func syntheticDirInfo(path string) *FileInfo {
	_, base := SplitPath(path)
	if path == "/" {
		base = "/"
	}

	return &FileInfo{
		Name: base,
		Path: path,
		Type: FileTypeDirectory,
		Mode: ModeDir | 0755,
	}
}

func deriveBaseDir(argv0 string) (string, error) {
	if exe, err := os.Executable(); err == nil {
		return filepath.Dir(exe), nil
	}

	if argv0 != "" {
		if abs, err := filepath.Abs(filepath.Dir(argv0)); err == nil {
			return abs, nil
		}
	}

	return os.Getwd()
}
