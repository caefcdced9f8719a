// Package pathnorm normalizes archive member paths into the canonical
// form required by the files table: a leading slash, no
// trailing slash, and no "." or ".." or empty/duplicate components.
//
// This is deliberately not an import of google/safearchive/sanitizer:
// that package preserves trailing separators and is tuned for safe
// extraction-target joins, whereas the index schema wants one single
// canonical representation per logical path with the root as "/".
package pathnorm

import "strings"

// Split splits a raw archive member name into its normalized parent
// path and base name, following the rule: path never contains "." or
// ".." components, never ends in "/", and always starts with "/".
// Name is empty only for the implicit root.
func Split(raw string) (path, name string) {
	full := Normalize(raw)
	if full == "/" {
		return "/", ""
	}
	idx := strings.LastIndexByte(full, '/')
	if idx <= 0 {
		return "/", full[idx+1:]
	}
	return full[:idx], full[idx+1:]
}

// Normalize rewrites raw into "/"-rooted form with "." and ".."
// components resolved lexically (no filesystem access) and duplicate
// separators collapsed. It never returns a trailing slash except for
// the root itself.
func Normalize(raw string) string {
	parts := strings.Split(raw, "/")
	stack := make([]string, 0, len(parts))
	for _, p := range parts {
		switch p {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, p)
		}
	}
	if len(stack) == 0 {
		return "/"
	}
	return "/" + strings.Join(stack, "/")
}

// Join re-forms path and name into the full normalized path, keeping
// the round-trip invariant
// normalize(path + "/" + name) == path + "/" + name.
func Join(path, name string) string {
	if name == "" {
		return path
	}
	if path == "/" {
		return "/" + name
	}
	return path + "/" + name
}
