// Package imageref parses container image references of the form
// [registry/]owner/repo[:tag].
package imageref

import (
	"fmt"
	"strings"
)

// DefaultRegistry is assumed when a reference carries no registry host.
const DefaultRegistry = "ghcr.io"

// DefaultTag is assumed when a reference carries no tag.
const DefaultTag = "latest"

// Ref is a parsed image reference.
type Ref struct {
	Registry   string
	Repository string // owner/repo (or deeper path)
	Tag        string
}

// Parse splits an image reference. The first path segment is the registry
// only when it contains a '.' or ':' (a hostname or host:port); otherwise
// the registry defaults to ghcr.io. A missing tag defaults to latest.
func Parse(image string) (Ref, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return Ref{}, fmt.Errorf("empty image reference")
	}

	ref := Ref{Registry: DefaultRegistry, Tag: DefaultTag}

	rest := image
	if i := strings.Index(rest, "/"); i > 0 {
		first := rest[:i]
		if strings.ContainsAny(first, ".:") {
			ref.Registry = first
			rest = rest[i+1:]
		}
	}

	// Tag is the suffix after the last ':' as long as that ':' comes after
	// the final '/' (otherwise it is a registry port, handled above).
	if i := strings.LastIndex(rest, ":"); i != -1 && !strings.Contains(rest[i:], "/") {
		ref.Tag = rest[i+1:]
		rest = rest[:i]
	}

	if rest == "" || strings.HasPrefix(rest, "/") || strings.HasSuffix(rest, "/") {
		return Ref{}, fmt.Errorf("malformed image reference %q", image)
	}
	ref.Repository = rest

	if ref.Tag == "" {
		return Ref{}, fmt.Errorf("malformed image tag in %q", image)
	}

	return ref, nil
}

// String reassembles the reference with registry and tag made explicit.
func (r Ref) String() string {
	return fmt.Sprintf("%s/%s:%s", r.Registry, r.Repository, r.Tag)
}
