package urlpath

import (
	"encoding/hex"
	"net/url"
	"path"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/nao1215/sitemirror/internal/model"
)

const (
	// ExternalDir is the top-level directory holding cross-domain resources.
	ExternalDir = "external"

	// IndexFile is the file name given to HTML documents served from a directory path.
	IndexFile = "index.html"

	// maxSegmentLen bounds a single path segment; longer ones are truncated and hashed.
	maxSegmentLen = 100

	hashLen = 8
)

// Mapper maps absolute URLs to local paths relative to the mirror root.
// URLs on the seed host keep their path; every other host is namespaced
// under external/<host bucket>/. A seed-host path that itself starts with
// external/ gets a hashed first segment instead.
type Mapper struct {
	seed *url.URL
}

// NewMapper creates a Mapper for a crawl rooted at seed.
func NewMapper(seed *url.URL) *Mapper {
	return &Mapper{seed: seed}
}

// Seed returns the crawl root.
func (m *Mapper) Seed() *url.URL {
	return m.seed
}

// LocalPath returns the slash-separated local path for u.
//
// HTML documents always end in .html: a directory path gets index.html and
// any other extension gets .html appended. A query string is folded into a
// short hash before the extension so ?page=1 and ?page=2 stay distinct.
func (m *Mapper) LocalPath(u *url.URL, kind model.ResourceKind) string {
	segments := pathSegments(u)
	name := segments[len(segments)-1]

	dirs := make([]string, 0, len(segments)+2)
	external := !SameHost(u, m.seed)
	if external {
		dirs = append(dirs, ExternalDir, HostBucket(u))
	}
	for _, seg := range segments[:len(segments)-1] {
		if seg == "" || seg == "." {
			continue
		}
		dirs = append(dirs, sanitizeSegment(seg))
	}

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	lowerExt := strings.ToLower(ext)

	if kind == model.KindHTML {
		switch {
		case name == "" || name == ".":
			stem, ext = "index", ".html"
		case lowerExt == ".html" || lowerExt == ".htm":
		case ext == "":
			dirs = append(dirs, sanitizeSegment(name))
			stem, ext = "index", ".html"
		default:
			stem, ext = name, ".html"
		}
	} else {
		switch {
		case name == "" || name == ".":
			stem, ext = "index", defaultExtension(kind)
		case ext == "":
			ext = defaultExtension(kind)
		case model.IsServerScript(ext) && defaultExtension(kind) != "":
			stem, ext = name, defaultExtension(kind)
		}
	}

	if u.RawQuery != "" {
		stem += "_" + shortHash(sortedQuery(u.RawQuery))
	}

	parts := append(dirs, sanitizeSegment(stem)+sanitizeExtension(ext))
	// The seed host must not write into the external/ namespace.
	if !external && strings.EqualFold(parts[0], ExternalDir) {
		parts[0] += "-" + shortHash("/"+parts[0])
	}
	return path.Join(parts...)
}

// pathSegments splits the escaped path of u and decodes each segment on its
// own, so an encoded slash (%2F) stays inside its segment.
func pathSegments(u *url.URL) []string {
	segments := strings.Split(strings.TrimPrefix(u.EscapedPath(), "/"), "/")
	for i, seg := range segments {
		if decoded, err := url.PathUnescape(seg); err == nil {
			segments[i] = decoded
		}
	}
	return segments
}

// defaultExtension returns the extension given to extension-less files so
// that a static file server sends the right Content-Type.
func defaultExtension(kind model.ResourceKind) string {
	switch kind {
	case model.KindCSS:
		return ".css"
	case model.KindJavaScript:
		return ".js"
	case model.KindPDF:
		return ".pdf"
	case model.KindHTML:
		return ".html"
	case model.KindImage, model.KindFont, model.KindVideo, model.KindOther:
		return ""
	default:
		return ""
	}
}

// ConvertedPath returns the local path of p re-encoded to the format with the
// extension ext. The source extension stays in the name, so logo.png and
// logo.jpg convert to different files and neither takes the place of a real
// logo.webp.
func ConvertedPath(p, ext string) string {
	return p + ext
}

// Relative returns the reference that leads from the document at local path
// from to the file at local path to. Both paths are relative to the mirror
// root. path.Join(path.Dir(from), Relative(from, to)) == to always holds.
func Relative(from, to string) string {
	fromDir := path.Dir(path.Clean(from))
	to = path.Clean(to)
	if fromDir == "." {
		return to
	}

	fromParts := strings.Split(fromDir, "/")
	toParts := strings.Split(to, "/")

	common := 0
	for common < len(fromParts) && common < len(toParts)-1 && fromParts[common] == toParts[common] {
		common++
	}

	return strings.Repeat("../", len(fromParts)-common) + strings.Join(toParts[common:], "/")
}

// sanitizeSegment keeps [A-Za-z0-9._-] and replaces everything else with '_'.
// A segment that had to change gets a hash of its original value so distinct
// inputs cannot collapse onto the same name. Leading dots are replaced so no
// segment is hidden or climbs the tree.
func sanitizeSegment(seg string) string {
	if seg == "" {
		return "_"
	}
	var b strings.Builder
	changed := false
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		case c == '.' && i > 0:
			b.WriteByte(c)
		default:
			b.WriteByte('_')
			changed = true
		}
	}

	out := b.String()
	if len(out) > maxSegmentLen {
		out = out[:maxSegmentLen]
		changed = true
	}
	if changed {
		out += "-" + shortHash(seg)
	}
	return out
}

func sanitizeExtension(ext string) string {
	if ext == "" {
		return ""
	}
	return "." + sanitizeSegment(strings.TrimPrefix(ext, "."))
}

// shortHash returns the first hex characters of the SHA3-256 digest of s.
func shortHash(s string) string {
	sum := sha3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:hashLen]
}
