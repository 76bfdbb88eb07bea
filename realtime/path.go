package realtime

import "strings"

// normalizePath trims surrounding slashes and collapses empty segments so
// "users/x", "/users/x" and "users//x/" address the same node.
func normalizePath(path string) string {
	parts := splitPath(path)
	return strings.Join(parts, "/")
}

func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	parts := raw[:0]
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// relativePath reports the path of child relative to base, and whether child
// is at or under base. Both arguments must be normalized.
func relativePath(base, child string) (string, bool) {
	if base == "" {
		return child, true
	}
	if child == base {
		return "", true
	}
	if strings.HasPrefix(child, base+"/") {
		return child[len(base)+1:], true
	}
	return "", false
}
