package urlpath

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

var (
	// ErrInvalidReference is returned for empty, fragment-only or unparsable references.
	ErrInvalidReference = errors.New("invalid reference")

	// ErrUnsupportedScheme is returned for references that are not http or https
	// (javascript:, mailto:, data: and similar).
	ErrUnsupportedScheme = errors.New("unsupported scheme")
)

// Resolve resolves ref against base, the final URL of the referring document.
// Absolute, scheme-relative, root-relative and document-relative references
// are supported. The fragment of ref is kept so the rewriter can preserve it.
func Resolve(base *url.URL, ref string) (*url.URL, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	if base == nil {
		return nil, fmt.Errorf("%w: no base URL", ErrInvalidReference)
	}

	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if parsed.Scheme != "" && !isHTTP(parsed.Scheme) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, parsed.Scheme)
	}

	abs := base.ResolveReference(parsed)
	if !isHTTP(abs.Scheme) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, abs.Scheme)
	}
	if abs.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidReference, ref)
	}
	return abs, nil
}

// Canonicalize returns a normalized copy of u: lowercase scheme and host,
// default port removed, fragment dropped, empty path as "/", trailing slash
// removed from non-root paths and query parameters sorted.
func Canonicalize(u *url.URL) *url.URL {
	c := *u
	c.User = nil
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = hostKey(u)
	c.Fragment = ""
	c.RawFragment = ""
	c.ForceQuery = false

	if c.Path == "" {
		c.Path = "/"
		c.RawPath = ""
	}
	if len(c.Path) > 1 && strings.HasSuffix(c.Path, "/") {
		c.Path = strings.TrimRight(c.Path, "/")
		if c.Path == "" {
			c.Path = "/"
		}
		c.RawPath = ""
	}
	if c.RawQuery != "" {
		c.RawQuery = sortedQuery(c.RawQuery)
	}
	return &c
}

// Canonical returns the canonical string key of u.
// http and https share a key: they map to the same local file, so they must
// be the same download.
func Canonical(u *url.URL) string {
	c := Canonicalize(u)
	if c.Scheme == "http" {
		c.Scheme = "https"
	}
	return c.String()
}

// sortedQuery orders the query pairs without re-encoding them.
func sortedQuery(raw string) string {
	pairs := strings.Split(raw, "&")
	kept := pairs[:0]
	for _, p := range pairs {
		if p != "" {
			kept = append(kept, p)
		}
	}
	sort.Strings(kept)
	return strings.Join(kept, "&")
}

// SameHost reports whether a and b share host and effective port.
// The scheme is ignored, so http and https pages of one host are the same site.
func SameHost(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return hostKey(a) == hostKey(b)
}

// SameSite reports whether a and b belong to the same registrable domain
// (eTLD+1), so that cdn.example.com and www.example.com match.
// IP addresses and single-label hosts only match themselves.
func SameSite(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	ha, hb := strings.ToLower(a.Hostname()), strings.ToLower(b.Hostname())
	if ha == hb {
		return true
	}
	if net.ParseIP(ha) != nil || net.ParseIP(hb) != nil {
		return false
	}
	sa, errA := publicsuffix.EffectiveTLDPlusOne(ha)
	sb, errB := publicsuffix.EffectiveTLDPlusOne(hb)
	if errA != nil || errB != nil {
		return false
	}
	return sa == sb
}

// HostBucket returns the directory name used for resources of u's host.
// Internationalized names are converted to punycode; a non-default port is
// appended with an underscore.
func HostBucket(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	if ascii, err := idna.Lookup.ToASCII(host); err == nil && ascii != "" {
		host = ascii
	}
	if port := effectivePort(u); port != "" {
		host += "_" + port
	}
	return sanitizeSegment(host)
}

func hostKey(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := effectivePort(u)
	if port != "" {
		return net.JoinHostPort(host, port)
	}
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}

// effectivePort returns the explicit port unless it is the scheme default.
func effectivePort(u *url.URL) string {
	port := u.Port()
	switch {
	case port == "":
		return ""
	case port == "80" && strings.EqualFold(u.Scheme, "http"):
		return ""
	case port == "443" && strings.EqualFold(u.Scheme, "https"):
		return ""
	default:
		return port
	}
}

func isHTTP(scheme string) bool {
	return strings.EqualFold(scheme, "http") || strings.EqualFold(scheme, "https")
}
