package packfs

import "github.com/packlab/packfs/log"

type Options struct {
	LogLevel      log.LogLevel
	LogFile       string
	NoTerminalLog bool
	BaseDir       string
	UserDir       string
}

type Option func(*Options) error

func newDefaultOptions() *Options {
	return &Options{
		LogLevel: log.Info,
	}
}

func WithLogLevel(logLevel log.LogLevel) Option {
	return func(opts *Options) error {
		opts.LogLevel = logLevel
		return nil
	}
}

func WithoutTerminalLog() Option {
	return func(opts *Options) error {
		opts.NoTerminalLog = true
		return nil
	}
}

func WithLogFile(logFile string) Option {
	return func(opts *Options) error {
		opts.LogFile = logFile
		return nil
	}
}

// WithBaseDir overrides the base directory derived from the running binary.
func WithBaseDir(dir string) Option {
	return func(opts *Options) error {
		opts.BaseDir = dir
		return nil
	}
}

// WithUserDir overrides the user directory derived from the home directory.
func WithUserDir(dir string) Option {
	return func(opts *Options) error {
		opts.UserDir = dir
		return nil
	}
}

type MountOptions struct {
	Prepend bool   // Whether the mount is searched before existing mounts.
	Format  string // Explicit format name, skips probing when set.
}

type MountOption func(*MountOptions) error

func newDefaultMountOptions() *MountOptions {
	return &MountOptions{}
}

// WithPrepend places the mount ahead of all existing mounts, so it is
// searched first during path resolution.
func WithPrepend() MountOption {
	return func(vmo *MountOptions) error {
		vmo.Prepend = true
		return nil
	}
}

// WithFormat forces the source to be opened with the named format instead of
// probing by extension and file header.
func WithFormat(name string) MountOption {
	return func(vmo *MountOptions) error {
		vmo.Format = name
		return nil
	}
}
