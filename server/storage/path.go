package storage

import (
	"fmt"
	"path"
	"strings"
)

// Depth bounds a walk or a lock below its root path.
type Depth int

const (
	DepthZero     Depth = 0
	DepthOne      Depth = 1
	DepthInfinity Depth = -1
)

// String renders the depth the way the Depth header spells it.
func (d Depth) String() string {
	switch d {
	case DepthZero:
		return "0"
	case DepthOne:
		return "1"
	default:
		return "infinity"
	}
}

// ParseDepth parses a Depth header value. An empty value yields def.
func ParseDepth(s string, def Depth) (Depth, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return def, nil
	case "0":
		return DepthZero, nil
	case "1":
		return DepthOne, nil
	case "infinity":
		return DepthInfinity, nil
	default:
		return def, fmt.Errorf("invalid depth %q", s)
	}
}

// RootPath is the path of the repository root collection.
const RootPath = "/"

// CleanPath normalizes p to an absolute slash-separated path without a
// trailing slash.
func CleanPath(p string) string {
	return path.Clean("/" + p)
}

// SplitPath returns the parent path and the last segment of p.
func SplitPath(p string) (parent, name string) {
	p = CleanPath(p)
	if p == RootPath {
		return "", ""
	}
	parent, name = path.Split(p)
	return CleanPath(parent), name
}

// JoinPath appends name to parent.
func JoinPath(parent, name string) string {
	return CleanPath(path.Join(parent, name))
}

// IsAncestor reports whether a equals b or contains it.
func IsAncestor(a, b string) bool {
	a, b = CleanPath(a), CleanPath(b)
	if a == b || a == RootPath {
		return true
	}
	return strings.HasPrefix(b, a+"/")
}

// Segments splits p into its names. The root has none.
func Segments(p string) []string {
	p = strings.Trim(CleanPath(p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// PrincipalHome returns the home collection path of principal.
func PrincipalHome(principal string) string {
	return JoinPath(RootPath, principal)
}

// PrincipalOf returns the principal owning p, the first path segment.
func PrincipalOf(p string) string {
	segs := Segments(p)
	if len(segs) == 0 {
		return ""
	}
	return segs[0]
}

// ValidName reports whether name can be a single path segment.
func ValidName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return fmt.Errorf("invalid name %q", name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("name %q contains a reserved character", name)
	case len(name) > 255:
		return fmt.Errorf("name too long")
	}
	return nil
}

// rebase moves p from below oldRoot to below newRoot.
func rebase(p, oldRoot, newRoot string) string {
	if p == oldRoot {
		return newRoot
	}
	return JoinPath(newRoot, strings.TrimPrefix(p, oldRoot+"/"))
}
