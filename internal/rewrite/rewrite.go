// Package rewrite substitutes remote references in HTML and CSS documents
// with relative paths into the mirror.
//
// Rewriting works on the byte spans recorded by the extractor and always
// starts from the original document bytes, so running it twice with the same
// cache state yields the same output.
package rewrite

import (
	"bytes"
	"net/url"
	"path"
	"sort"

	"golang.org/x/net/html"

	"github.com/nao1215/sitemirror/internal/model"
	"github.com/nao1215/sitemirror/internal/urlpath"
)

// LookupFunc returns the local path of a materialized resource.
// ok is false when the resource is not (yet) complete.
type LookupFunc func(u *url.URL) (localPath string, ok bool)

// Rewrite returns a copy of doc where every reference found by lookup points
// at its local file, relative to docPath. References that are not
// materialized are replaced by their absolute URL so they keep working
// online. A <base href> is pointed at the document itself.
func Rewrite(doc []byte, refs []model.Reference, docPath string, lookup LookupFunc) []byte {
	sorted := make([]model.Reference, len(refs))
	copy(sorted, refs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var b bytes.Buffer
	b.Grow(len(doc) + len(doc)/8)

	pos := 0
	for _, r := range sorted {
		if r.Start < pos || r.Start > r.End || r.End > len(doc) {
			continue
		}
		if string(doc[r.Start:r.End]) != r.Raw {
			continue
		}

		replacement, ok := target(r, docPath, lookup)
		if !ok {
			continue
		}
		if r.Source.InAttribute() {
			replacement = html.EscapeString(replacement)
		}

		b.Write(doc[pos:r.Start])
		b.WriteString(replacement)
		pos = r.End
	}
	b.Write(doc[pos:])
	return b.Bytes()
}

func target(r model.Reference, docPath string, lookup LookupFunc) (string, bool) {
	if r.Source == model.SourceBase {
		return path.Base(docPath), true
	}
	if r.URL == nil {
		return "", false
	}

	local, ok := "", false
	if lookup != nil {
		local, ok = lookup(r.URL)
	}
	if !ok {
		return r.URL.String(), true
	}

	rel := urlpath.Relative(docPath, local)
	if r.URL.Fragment != "" {
		rel += "#" + r.URL.EscapedFragment()
	}
	return rel, true
}
