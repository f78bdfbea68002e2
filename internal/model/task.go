package model

import (
	"net/url"
	"time"
)

// Task is one unit of crawl work: a URL to fetch at a given depth.
// Tasks are values; a retry is a new Task built by Retry.
type Task struct {
	// URL is the absolute URL to fetch, without fragment.
	URL *url.URL

	// Key is the canonical form of URL used by the visited set and the cache.
	Key string

	// Depth is 0 for the seed and parent depth + 1 for every child.
	Depth int

	// Priority is the scheduling tier derived from KindHint.
	Priority Priority

	// Referrer is the URL of the document that referenced this one.
	// It is empty for the seed.
	Referrer string

	// KindHint is the kind inferred from the referring element.
	KindHint ResourceKind

	// Attempt counts previous failed fetches of this URL.
	Attempt int

	// NotBefore delays the fetch of a retried task.
	NotBefore time.Time
}

// IsSeed reports whether the task is the crawl root.
func (t Task) IsSeed() bool {
	return t.Depth == 0 && t.Referrer == ""
}

// Retry returns a copy of the task with the attempt counter incremented
// and NotBefore set to now + backoff.
func (t Task) Retry(backoff time.Duration, now time.Time) Task {
	next := t
	next.Attempt = t.Attempt + 1
	next.NotBefore = now.Add(backoff)
	return next
}

// ReferenceSource identifies where in a document a reference was found.
type ReferenceSource int

const (
	// SourceAttribute is a plain URL attribute such as href or src.
	SourceAttribute ReferenceSource = iota
	// SourceSrcset is one candidate of a srcset attribute.
	SourceSrcset
	// SourceStyleAttribute is a url() inside a style attribute.
	SourceStyleAttribute
	// SourceStyleBlock is a url() or @import inside a <style> element.
	SourceStyleBlock
	// SourceStylesheet is a url() or @import inside a CSS file.
	SourceStylesheet
	// SourceBase is the href of a <base> element.
	SourceBase
)

// String returns the source name.
func (s ReferenceSource) String() string {
	switch s {
	case SourceAttribute:
		return "attribute"
	case SourceSrcset:
		return "srcset"
	case SourceStyleAttribute:
		return "style-attribute"
	case SourceStyleBlock:
		return "style-block"
	case SourceStylesheet:
		return "stylesheet"
	case SourceBase:
		return "base"
	default:
		return "unknown"
	}
}

// InAttribute reports whether the reference text lives inside an HTML
// attribute value and therefore needs HTML escaping on substitution.
func (s ReferenceSource) InAttribute() bool {
	return s == SourceAttribute || s == SourceSrcset || s == SourceStyleAttribute || s == SourceBase
}

// Reference is a URL reference discovered inside an HTML or CSS document.
// Start and End delimit Raw inside the document bytes so the reference can
// be substituted without re-parsing.
type Reference struct {
	// Raw is the reference text exactly as it appears in the document.
	Raw string

	// Value is Raw with HTML character references decoded.
	Value string

	// URL is Value resolved against the document base, fragment included.
	URL *url.URL

	// Kind is the kind inferred from the element, attribute and extension.
	Kind ResourceKind

	// Start and End are byte offsets of Raw in the document.
	Start int
	End   int

	// Element and Attribute name the HTML location, when applicable.
	Element   string
	Attribute string

	// Source describes the syntactic context of the reference.
	Source ReferenceSource
}

// ConversionRecord describes an image that was transcoded.
type ConversionRecord struct {
	URL           string `json:"url"`
	OriginalPath  string `json:"originalPath"`
	ConvertedPath string `json:"convertedPath"`
	Format        string `json:"format"`
	Alpha         bool   `json:"alpha"`
	OriginalSize  int    `json:"originalSize"`
	ConvertedSize int    `json:"convertedSize"`
}
