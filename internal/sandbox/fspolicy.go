package sandbox

import (
	"path"
	"strings"
)

// IsPathAllowed evaluates the fs policy for a path. Paths containing a ".."
// segment are always rejected, before and after normalization. When
// AllowedPaths is non-empty the normalized path must sit under one of the
// prefixes; otherwise WorkspaceOnly requires an absolute path.
func (p FSPolicy) IsPathAllowed(raw string) bool {
	if raw == "" {
		return false
	}
	if hasDotDotSegment(raw) {
		return false
	}

	clean := path.Clean(strings.ReplaceAll(raw, "\\", "/"))
	if hasDotDotSegment(clean) {
		return false
	}

	if len(p.AllowedPaths) > 0 {
		for _, prefix := range p.AllowedPaths {
			if underPrefix(clean, prefix) {
				return true
			}
		}
		return false
	}

	if p.WorkspaceOnly {
		return strings.HasPrefix(clean, "/")
	}
	return true
}

func hasDotDotSegment(p string) bool {
	for _, seg := range strings.Split(strings.ReplaceAll(p, "\\", "/"), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// underPrefix reports whether clean equals prefix or sits below it.
// "/tmp/app" does not admit "/tmp/application".
func underPrefix(clean, prefix string) bool {
	prefix = path.Clean(strings.ReplaceAll(prefix, "\\", "/"))
	if clean == prefix {
		return true
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return strings.HasPrefix(clean, prefix)
}
