package server

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/cyp0633/caldora/server/storage"
)

// URLConverter maps request URL paths to repository paths and back.
// Leave it unset when creating the handler to use DefaultURLConverter
// with the handler prefix.
//
// A repository path is rooted at "/" with one home collection per
// principal, /<principal>, holding calendar collections and their items.
type URLConverter interface {
	// ParsePath turns a URL path into a repository path.
	ParsePath(urlPath string) (string, error)
	// EncodePath turns a repository path into a URL path. Collections get
	// a trailing slash.
	EncodePath(repoPath string, collection bool) string
}

// DefaultURLConverter maps <Prefix><repository path> one to one.
type DefaultURLConverter struct {
	Prefix string
}

// ParsePath strips the prefix and normalizes the remainder.
func (c *DefaultURLConverter) ParsePath(urlPath string) (string, error) {
	prefix := strings.TrimSuffix(c.Prefix, "/")
	if !strings.HasPrefix(urlPath, prefix) {
		return "", fmt.Errorf("path %q is outside %q", urlPath, c.Prefix)
	}
	rest := strings.TrimPrefix(urlPath, prefix)
	if rest != "" && !strings.HasPrefix(rest, "/") {
		return "", fmt.Errorf("path %q is outside %q", urlPath, c.Prefix)
	}
	for _, seg := range strings.Split(rest, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q escapes the repository", urlPath)
		}
	}
	return storage.CleanPath(rest), nil
}

// EncodePath prefixes p and escapes its segments.
func (c *DefaultURLConverter) EncodePath(p string, collection bool) string {
	prefix := strings.TrimSuffix(c.Prefix, "/")
	segs := storage.Segments(p)
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	out := prefix + "/" + strings.Join(segs, "/")
	if collection && len(segs) > 0 {
		out += "/"
	}
	return out
}
