package fs

import "strings"

// SplitPath splits a POSIX-style path on '/', discarding empty segments.
// "." and ".." are not resolved; callers canonicalize first.
func SplitPath(p string) []string {
	var parts []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

func joinPath(parts ...string) string {
	return strings.Join(parts, "/")
}

// validName reports whether name can be a folder entry: non-empty, no
// separator, no NUL.
func validName(name string) bool {
	if name == "" {
		return false
	}
	return !strings.ContainsAny(name, "/\x00")
}
