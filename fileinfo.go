package packfs

import "time"

// FileInfo describes a file or directory visible through the VFS.
// Backends fill Path with the backend-local path; the VFS rewrites it to the
// full virtual path before handing the info to callers.
type FileInfo struct {
	Name    string    // Base name of the entry
	Path    string    // Slash-separated path of the entry
	Type    FileType  // File or directory
	Size    int64     // Length in bytes for regular files
	Mode    FileMode  // Mode and permission bits
	ModTime time.Time // Last modification time (zero when the source has none)
}

// IsDir reports whether the entry is a directory.
func (fi *FileInfo) IsDir() bool {
	return fi.Type == FileTypeDirectory
}

// FileType identifies the kind of entry a backend serves.
type FileType int

const (
	FileTypeFile      FileType = iota // Regular file
	FileTypeDirectory                 // Directory
)

// FileMode represents file mode and permission bits.
// It follows Unix file mode conventions with type and permission bits.
type FileMode uint32

// File mode constants for type and permission bits.
const (
	ModeDir     FileMode = 1 << 31 // d: directory
	ModeSymlink FileMode = 1 << 30 // L: symbolic link

	ModePerm FileMode = 0777 // Unix permission bits
)

// IsDir reports whether m describes a directory.
func (m FileMode) IsDir() bool {
	return m&ModeDir != 0
}

// IsRegular reports whether m describes a regular file.
func (m FileMode) IsRegular() bool {
	return m&(ModeDir|ModeSymlink) == 0
}

// Perm returns the Unix permission bits in m (the lower 9 bits).
func (m FileMode) Perm() FileMode {
	return m & ModePerm
}

// String returns a textual representation of the mode in Unix ls -l format,
// for example "drwxr-xr-x" for a directory with 755 permissions.
func (m FileMode) String() string {
	var buf [10]byte
	switch {
	case m.IsDir():
		buf[0] = 'd'
	case m&ModeSymlink != 0:
		buf[0] = 'L'
	default:
		buf[0] = '-'
	}

	const rwx = "rwxrwxrwx"
	for i, c := range rwx {
		if m&(1<<uint(9-1-i)) != 0 {
			buf[i+1] = byte(c)
		} else {
			buf[i+1] = '-'
		}
	}

	return string(buf[:])
}

// AccessMode represents file access modes for opening files.
// These modes control how files are opened and can be combined with
// bitwise OR.
type AccessMode int

const (
	AccessModeRead   AccessMode = 1 << iota // open for reading
	AccessModeWrite                         // open for writing
	AccessModeAppend                        // append to file
	AccessModeCreate                        // create if not exists
	AccessModeTrunc                         // truncate on open
)

// IsReadOnly checks if the mode only allows reading.
func (m AccessMode) IsReadOnly() bool {
	return m&AccessModeRead != 0 && m&AccessModeWrite == 0
}

// HasWrite checks if the mode allows writing.
func (m AccessMode) HasWrite() bool {
	return m&AccessModeWrite != 0
}

// HasAppend checks if the mode includes append.
func (m AccessMode) HasAppend() bool {
	return m&AccessModeAppend != 0
}

// HasCreate checks if the mode includes create.
func (m AccessMode) HasCreate() bool {
	return m&AccessModeCreate != 0
}

// HasTrunc checks if the mode includes truncate.
func (m AccessMode) HasTrunc() bool {
	return m&AccessModeTrunc != 0
}
