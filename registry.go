package packfs

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

// Format describes a mountable source format. Backend packages register
// their format in an init function; importing the package is what makes the
// format available for probing.
type Format struct {
	// Name is the unique format identifier, such as "dir", "zip" or "sqlar".
	Name string

	// Extensions lists the filename extensions (without dot, lower case)
	// commonly used by this format.
	Extensions []string

	// Detect reports whether the header bytes at the start of a file look
	// like this format. The header may be shorter than requested for small
	// files. Nil for formats that cannot be sniffed.
	Detect func(header []byte) bool

	// New creates an unopened backend for the given source location.
	New func(source string) (Backend, error)
}

var fmu sync.RWMutex
var formats map[string]Format

func init() {
	formats = make(map[string]Format)
}

// RegisterFormat registers a new source format in the format map.
// Registering a name twice replaces the earlier entry.
func RegisterFormat(f Format) {
	fmu.Lock()
	formats[f.Name] = f
	fmu.Unlock()
}

// UnregisterFormat unregisters a source format from the format map.
func UnregisterFormat(name string) {
	fmu.Lock()
	delete(formats, name)
	fmu.Unlock()
}

// GetFormat returns the registered format by name.
func GetFormat(name string) (Format, bool) {
	fmu.RLock()
	defer fmu.RUnlock()
	f, ok := formats[name]
	return f, ok
}

// RegisteredFormats returns the sorted names of all registered formats.
func RegisteredFormats() []string {
	var names []string
	fmu.RLock()
	for name := range formats {
		names = append(names, name)
	}
	fmu.RUnlock()
	sort.Strings(names)
	return names
}

// sniffLen is how many header bytes probeFormat reads for detection.
const sniffLen = 32

// probeFormat determines which registered format can serve the source path.
// Directories resolve to the "dir" format. Files are matched by extension
// first, then by header detection across all registered formats.
func probeFormat(source string) (Format, error) {
	fi, err := os.Stat(source)
	if err != nil {
		if os.IsNotExist(err) {
			return Format{}, fmt.Errorf("%w: %s", ErrNotFound, source)
		}
		return Format{}, err
	}

	if fi.IsDir() {
		f, ok := GetFormat("dir")
		if !ok {
			return Format{}, fmt.Errorf("%w: no format registered for directories, import the dir backend package", ErrUnsupportedFormat)
		}
		return f, nil
	}

	if ext := strings.TrimPrefix(strings.ToLower(extOf(source)), "."); ext != "" {
		if f, ok := formatByExtension(ext); ok {
			return f, nil
		}
	}

	header := make([]byte, sniffLen)
	n, err := readHeader(source, header)
	if err != nil {
		return Format{}, err
	}
	if f, ok := formatByHeader(header[:n]); ok {
		return f, nil
	}

	return Format{}, fmt.Errorf("%w: %s matches none of %v, import the backend package for its format",
		ErrUnsupportedFormat, source, RegisteredFormats())
}

func formatByExtension(ext string) (Format, bool) {
	fmu.RLock()
	defer fmu.RUnlock()

	for _, f := range formats {
		for _, fe := range f.Extensions {
			if fe == ext {
				return f, true
			}
		}
	}
	return Format{}, false
}

func formatByHeader(header []byte) (Format, bool) {
	fmu.RLock()
	names := make([]string, 0, len(formats))
	for name := range formats {
		names = append(names, name)
	}
	fmu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		f, ok := GetFormat(name)
		if !ok || f.Detect == nil {
			continue
		}
		if f.Detect(header) {
			return f, true
		}
	}
	return Format{}, false
}

func readHeader(source string, buf []byte) (int, error) {
	file, err := os.Open(source)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	n, err := io.ReadFull(file, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	return n, err
}

func extOf(source string) string {
	for i := len(source) - 1; i >= 0 && source[i] != '/' && source[i] != os.PathSeparator; i-- {
		if source[i] == '.' {
			return source[i:]
		}
	}
	return ""
}
