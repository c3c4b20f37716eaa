// Package pathutil normalizes and joins the virtual, root-relative paths used
// by every storage adapter. All functions are pure.
package pathutil

import "strings"

const sep = "/"

// NormalizeRoot returns root with exactly one leading slash and no trailing
// slash. The empty string and "/" both normalize to "/".
func NormalizeRoot(root string) string {
	if root == "" || root == sep {
		return sep
	}
	if !strings.HasPrefix(root, sep) {
		root = sep + root
	}
	root = StripTrailingSlash(root)
	if root == "" {
		return sep
	}
	return root
}

// JoinRoot joins a configured root and a sub-path into a single rooted path.
// The separator at the junction is never duplicated. An empty path or "/"
// yields the normalized root itself. A trailing slash on path is kept so
// directory keys survive the join.
func JoinRoot(root, path string) string {
	root = NormalizeRoot(root)
	if path == "" || path == sep {
		return root
	}
	rel := StripLeadingSlash(path)
	if rel == sep {
		return root
	}
	if root == sep {
		return sep + rel
	}
	return root + sep + rel
}

// StripLeadingSlash removes every leading "/". Inputs of length 0 or 1 are
// returned unchanged, so "/" stays "/".
func StripLeadingSlash(p string) string {
	for len(p) > 1 && strings.HasPrefix(p, sep) {
		p = p[1:]
	}
	return p
}

// StripTrailingSlash removes every trailing "/". Inputs of length 0 or 1 are
// returned unchanged.
func StripTrailingSlash(p string) string {
	for len(p) > 1 && strings.HasSuffix(p, sep) {
		p = p[:len(p)-1]
	}
	return p
}

// Trim removes all leading and trailing separators, returning "" for the root.
func Trim(p string) string {
	return strings.Trim(p, sep)
}

// EnsureTrailingSlash turns a non-empty key into a directory key.
func EnsureTrailingSlash(p string) string {
	if p == "" || strings.HasSuffix(p, sep) {
		return p
	}
	return p + sep
}

// IsDirKey reports whether key addresses a directory.
func IsDirKey(key string) bool {
	return key == "" || strings.HasSuffix(key, sep)
}

// Segments splits p into its non-empty components.
func Segments(p string) []string {
	parts := strings.Split(p, sep)
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Split returns the parent and the last component of p, ignoring a trailing
// slash. The parent carries no trailing slash; it is "" for top-level names.
func Split(p string) (parent, name string) {
	p = Trim(p)
	i := strings.LastIndex(p, sep)
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

// Base returns the last component of p.
func Base(p string) string {
	_, name := Split(p)
	return name
}

// Join concatenates relative segments with single separators.
func Join(elems ...string) string {
	var parts []string
	for _, e := range elems {
		parts = append(parts, Segments(e)...)
	}
	return strings.Join(parts, sep)
}

// Rel strips root from an absolute provider path, yielding a key relative to
// the root. Paths outside root are returned without their leading slash.
func Rel(root, abs string) string {
	root = NormalizeRoot(root)
	if root != sep {
		if abs == root {
			return ""
		}
		if strings.HasPrefix(abs, root+sep) {
			abs = abs[len(root):]
		}
	}
	return strings.TrimPrefix(abs, sep)
}
