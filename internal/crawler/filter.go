package crawler

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/nao1215/sitemirror/internal/model"
	"github.com/nao1215/sitemirror/internal/urlpath"
)

// admission is the ordered set of policy checks applied to a discovered
// reference before the depth and visited checks.
type admission struct {
	seed           *url.URL
	allowed        map[model.ResourceKind]bool
	external       bool
	sameSite       bool
	ignorePatterns []string
	followPatterns []string
}

// allows reports whether kind passes the --only-resources allowlist.
// An empty allowlist allows every kind.
func (a *admission) allows(kind model.ResourceKind) bool {
	return len(a.allowed) == 0 || a.allowed[kind]
}

// sameDomain reports whether u belongs to the mirrored site.
func (a *admission) sameDomain(u *url.URL) bool {
	if urlpath.SameHost(u, a.seed) {
		return true
	}
	return a.sameSite && urlpath.SameSite(u, a.seed)
}

// check returns the skip reason for a reference, or "" when the reference
// passes the kind, domain and path policies.
func (a *admission) check(u *url.URL, kind model.ResourceKind) model.Reason {
	if !a.allows(kind) {
		return model.ReasonFiltered
	}
	if !a.sameDomain(u) {
		// Pages of other sites are never crawled, only their assets.
		if !a.external || kind == model.KindHTML {
			return model.ReasonExternal
		}
	}
	if !a.pathAllowed(u) {
		return model.ReasonExcluded
	}
	return ""
}

// pathAllowed checks the URL path against ignore/follow patterns.
//
// Logic:
//  1. If the path matches any ignore pattern, skip it
//  2. If follow patterns are set and the path matches none, skip it
//  3. Otherwise admit it
func (a *admission) pathAllowed(u *url.URL) bool {
	path := u.Path
	if path == "" {
		path = "/"
	}

	for _, pattern := range a.ignorePatterns {
		if matchPattern(pattern, path) {
			return false
		}
	}
	if len(a.followPatterns) == 0 {
		return true
	}
	for _, pattern := range a.followPatterns {
		if matchPattern(pattern, path) {
			return true
		}
	}
	return false
}

// matchPattern checks if a path matches a glob pattern.
//
// Examples:
//   - "/admin/*" matches "/admin" and everything below it
//   - "*.pdf" matches "/docs/file.pdf"
//   - "/api/v?" matches "/api/v1", "/api/v2"
func matchPattern(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		if strings.HasPrefix(path, prefix+"/") || path == prefix {
			return true
		}
	}

	if strings.HasPrefix(pattern, "*.") && strings.HasSuffix(path, strings.TrimPrefix(pattern, "*")) {
		return true
	}

	if matched, err := filepath.Match(pattern, path); err == nil && matched {
		return true
	}

	// Slash-free patterns also match the last segment.
	if strings.Contains(pattern, "*") && !strings.Contains(pattern, "/") {
		if matched, err := filepath.Match(pattern, filepath.Base(path)); err == nil && matched {
			return true
		}
	}
	return false
}
