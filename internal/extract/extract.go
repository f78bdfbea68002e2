package extract

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/nao1215/sitemirror/internal/model"
	"github.com/nao1215/sitemirror/internal/urlpath"
)

// ErrMalformed reports a document that could only be partially scanned.
var ErrMalformed = errors.New("malformed document")

// Result is the outcome of scanning one document.
type Result struct {
	// References are the resolvable http(s) references in document order.
	References []model.Reference

	// Base is the URL the references were resolved against: the document URL,
	// or the <base href> of an HTML document when present.
	Base *url.URL

	// Problems lists references that could not be resolved and parts of the
	// document that could not be scanned. They are never fatal.
	Problems []error
}

// candidate is a reference before resolution.
type candidate struct {
	raw       string
	start     int
	end       int
	kind      model.ResourceKind
	inferKind bool
	element   string
	attribute string
	source    model.ReferenceSource
}

// Extract scans doc according to kind. base is the final URL of the document.
// Kinds other than HTML and CSS yield an empty result.
func Extract(doc []byte, kind model.ResourceKind, base *url.URL) *Result {
	result := &Result{Base: base}

	var cands []candidate
	switch kind {
	case model.KindHTML:
		var baseHref *candidate
		cands, baseHref, result.Problems = scanHTML(doc)
		if baseHref != nil {
			if u, err := urlpath.Resolve(base, html.UnescapeString(baseHref.raw)); err == nil {
				result.Base = u
			}
			// The base element is kept so the rewriter can neutralise it.
			cands = append(cands, *baseHref)
		}
	case model.KindCSS:
		cands = scanCSS(string(doc), 0, model.SourceStylesheet)
	case model.KindJavaScript, model.KindImage, model.KindFont, model.KindPDF, model.KindVideo, model.KindOther:
		return result
	default:
		return result
	}

	for _, c := range cands {
		ref, err := resolveCandidate(c, base, result.Base)
		if err != nil {
			if errors.Is(err, urlpath.ErrInvalidReference) {
				result.Problems = append(result.Problems, err)
			}
			continue
		}
		if ref != nil {
			result.References = append(result.References, *ref)
		}
	}
	sortByStart(result.References)
	return result
}

func resolveCandidate(c candidate, docURL, base *url.URL) (*model.Reference, error) {
	value := c.raw
	if c.source.InAttribute() {
		value = html.UnescapeString(value)
	}
	trimmed := strings.Trim(strings.TrimSpace(value), `"'`)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return nil, nil
	}

	resolveAgainst := base
	if c.source == model.SourceBase {
		resolveAgainst = docURL
	}
	u, err := urlpath.Resolve(resolveAgainst, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%s %s=%q: %w", c.element, c.attribute, c.raw, err)
	}

	kind := c.kind
	if c.inferKind {
		if k, ok := model.KindFromURL(u, c.kind); ok {
			kind = k
		}
	}

	return &model.Reference{
		Raw:       c.raw,
		Value:     value,
		URL:       u,
		Kind:      kind,
		Start:     c.start,
		End:       c.end,
		Element:   c.element,
		Attribute: c.attribute,
		Source:    c.source,
	}, nil
}

func sortByStart(refs []model.Reference) {
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Start < refs[j].Start })
}
