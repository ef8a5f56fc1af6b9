package packfs

import (
	"fmt"
	"strings"
)

// NormalizePath converts path into canonical virtual form: forward slashes
// only, a single leading slash, no trailing slash (except root), and no "."
// or ".." segments. ".." is resolved against the preceding segments; a path
// that would climb above the root is rejected with ErrInvalidPath, as is any
// path containing a backslash.
func NormalizePath(path string) (string, error) {
	if strings.Contains(path, "\\") {
		return "", fmt.Errorf("%w: backslash in %q", ErrInvalidPath, path)
	}

	segments := make([]string, 0, 8)
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".":
			// Skip empty and current-dir segments
		case "..":
			if len(segments) == 0 {
				return "", fmt.Errorf("%w: %q escapes root", ErrInvalidPath, path)
			}
			segments = segments[:len(segments)-1]
		default:
			segments = append(segments, seg)
		}
	}

	if len(segments) == 0 {
		return "/", nil
	}
	return "/" + strings.Join(segments, "/"), nil
}

// SplitPath splits a normalized path into its parent directory and base name.
// The root splits into ("/", "").
func SplitPath(path string) (dir, base string) {
	if path == "/" {
		return "/", ""
	}

	idx := strings.LastIndex(path, "/")
	if idx == 0 {
		return "/", path[1:]
	}
	return path[:idx], path[idx+1:]
}

// ToRelativePath removes the mount point prefix from a normalized path.
// Returns the backend-local path after the prefix, without a leading slash.
// The mount point itself maps to the empty string.
func ToRelativePath(path, point string) string {
	if point == "/" {
		return strings.TrimPrefix(path, "/")
	}

	if path == point {
		return ""
	}

	rel := strings.TrimPrefix(path, point)
	return strings.TrimPrefix(rel, "/")
}

// underPoint checks if a normalized path lies at or below a mount point.
// Both paths must be normalized before calling.
func underPoint(path, point string) bool {
	// Root matches everything
	if point == "/" {
		return true
	}

	// Exact match
	if path == point {
		return true
	}

	// Check if path starts with point followed by /
	return strings.HasPrefix(path, point+"/")
}

// directChild returns the first segment of a backend-local relative path and
// whether further segments follow it. Used when synthesizing intermediate
// directories during enumeration.
func directChild(rel string) (name string, nested bool) {
	if idx := strings.Index(rel, "/"); idx >= 0 {
		return rel[:idx], true
	}
	return rel, false
}

// joinPath appends a name to a normalized directory path.
func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
