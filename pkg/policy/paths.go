package policy

import (
	"fmt"
	"path/filepath"
	"strings"
)

// CheckPathAllowed reports an error unless path resolves, after following
// symlinks, to a location under one of allowedPaths. An empty list allows
// everything.
func CheckPathAllowed(path string, allowedPaths []string) error {
	if len(allowedPaths) == 0 {
		return nil
	}

	resolved := resolvePath(path)
	for _, allowed := range allowedPaths {
		if isSubPath(resolved, resolvePath(allowed)) {
			return nil
		}
	}

	return fmt.Errorf("policy: path %q is not under any allowed directory", path)
}

func resolvePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if evaled, err := filepath.EvalSymlinks(abs); err == nil {
		return evaled
	}

	// Resolve the deepest existing ancestor and re-append the missing tail.
	cur := abs
	var tail []string
	for {
		parent := filepath.Dir(cur)
		tail = append(tail, filepath.Base(cur))
		if parent == cur {
			return abs
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved
		}
		cur = parent
	}
}

func isSubPath(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}
