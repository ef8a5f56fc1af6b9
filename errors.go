package packfs

import "errors"

// Standard errors returned by the VFS and its backends. Backends translate
// platform and protocol errors into this set so callers can branch on them
// with errors.Is regardless of which backend served the path.
var (
	// Lifecycle errors
	ErrNotInitialized     = errors.New("packfs: not initialized")
	ErrAlreadyInitialized = errors.New("packfs: already initialized")

	// Mount table errors
	ErrNotMounted     = errors.New("packfs: source not mounted")
	ErrAlreadyMounted = errors.New("packfs: source already mounted")
	ErrNoWriteDir     = errors.New("packfs: no write directory set")

	// Path resolution errors
	ErrNotFound    = errors.New("packfs: no such file or directory")
	ErrInvalidPath = errors.New("packfs: invalid path")

	// Backend selection errors
	ErrUnsupportedFormat = errors.New("packfs: unsupported container format")
	ErrCorruptArchive    = errors.New("packfs: corrupt archive")

	// File operation errors
	ErrExist        = errors.New("packfs: file already exists")
	ErrIsDirectory  = errors.New("packfs: is a directory")
	ErrNotDirectory = errors.New("packfs: not a directory")
	ErrNotEmpty     = errors.New("packfs: directory not empty")
	ErrPermission   = errors.New("packfs: permission denied")
	ErrReadOnly     = errors.New("packfs: read-only backend")

	// Handle errors
	ErrClosed = errors.New("packfs: file already closed")
)

// ErrorCode is a stable numeric identifier for an error kind. Codes exist for
// callers that carry error state across a boundary where Go error values are
// inconvenient (the simple package's last-error slot is one such caller).
type ErrorCode uint8

// Error codes, one per error kind. CodeOK is the zero value and means
// "no error". CodeOutOfMemory is reserved so the code space matches the
// full taxonomy; no packfs code path produces it.
const (
	CodeOK ErrorCode = iota
	CodeNotInitialized
	CodeAlreadyInitialized
	CodeNotMounted
	CodeAlreadyMounted
	CodeNoWriteDir
	CodeNotFound
	CodeInvalidPath
	CodeUnsupportedFormat
	CodeCorruptArchive
	CodeExists
	CodeIsDirectory
	CodeNotDirectory
	CodeNotEmpty
	CodePermission
	CodeReadOnly
	CodeClosed
	CodeIO
	CodeOutOfMemory
)

// codeStrings maps every defined code to its human-readable description.
var codeStrings = map[ErrorCode]string{
	CodeOK:                 "no error",
	CodeNotInitialized:     "not initialized",
	CodeAlreadyInitialized: "already initialized",
	CodeNotMounted:         "source not mounted",
	CodeAlreadyMounted:     "source already mounted",
	CodeNoWriteDir:         "no write directory set",
	CodeNotFound:           "no such file or directory",
	CodeInvalidPath:        "invalid path",
	CodeUnsupportedFormat:  "unsupported container format",
	CodeCorruptArchive:     "corrupt archive",
	CodeExists:             "file already exists",
	CodeIsDirectory:        "is a directory",
	CodeNotDirectory:       "not a directory",
	CodeNotEmpty:           "directory not empty",
	CodePermission:         "permission denied",
	CodeReadOnly:           "read-only backend",
	CodeClosed:             "file already closed",
	CodeIO:                 "i/o failure",
	CodeOutOfMemory:        "out of memory",
}

// ErrorString returns the human-readable description for a code. It is a
// pure function, total over all inputs: codes outside the defined range
// yield the stable string "unknown error".
func ErrorString(code ErrorCode) string {
	if s, ok := codeStrings[code]; ok {
		return s
	}
	return "unknown error"
}

// codeOrder fixes the classification order for Code. More specific kinds
// come first so that wrapped chains report the most precise cause.
var codeOrder = []struct {
	err  error
	code ErrorCode
}{
	{ErrNotInitialized, CodeNotInitialized},
	{ErrAlreadyInitialized, CodeAlreadyInitialized},
	{ErrNotMounted, CodeNotMounted},
	{ErrAlreadyMounted, CodeAlreadyMounted},
	{ErrNoWriteDir, CodeNoWriteDir},
	{ErrInvalidPath, CodeInvalidPath},
	{ErrUnsupportedFormat, CodeUnsupportedFormat},
	{ErrCorruptArchive, CodeCorruptArchive},
	{ErrExist, CodeExists},
	{ErrIsDirectory, CodeIsDirectory},
	{ErrNotDirectory, CodeNotDirectory},
	{ErrNotEmpty, CodeNotEmpty},
	{ErrPermission, CodePermission},
	{ErrReadOnly, CodeReadOnly},
	{ErrClosed, CodeClosed},
	{ErrNotFound, CodeNotFound},
}

// Code classifies an error into its ErrorCode. A nil error is CodeOK.
// Errors that match none of the packfs sentinels are reported as CodeIO,
// the catch-all for untranslated backend failures.
func Code(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	for _, entry := range codeOrder {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeIO
}

// Errors collects multiple errors during teardown paths where every step
// must run regardless of earlier failures.
type Errors struct {
	errs []error
}

// Add appends err when it is non-nil.
func (e *Errors) Add(err error) {
	if err != nil {
		e.errs = append(e.errs, err)
	}
}

// Errors returns the collected errors joined into one, or nil when none
// were added.
func (e *Errors) Errors() error {
	if len(e.errs) == 0 {
		return nil
	}
	return errors.Join(e.errs...)
}
