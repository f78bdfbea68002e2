package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"

	"github.com/nao1215/sitemirror/internal/model"
)

// rawAttr is one attribute of a start tag with the absolute span of its value.
type rawAttr struct {
	name     string
	value    string
	start    int
	end      int
	hasValue bool
}

type tag struct {
	name  string
	attrs []rawAttr
}

func (t tag) attr(name string) (rawAttr, bool) {
	for _, a := range t.attrs {
		if a.name == name {
			return a, a.hasValue
		}
	}
	return rawAttr{}, false
}

func (t tag) attrValue(name string) string {
	a, _ := t.attr(name)
	return strings.ToLower(strings.TrimSpace(html.UnescapeString(a.value)))
}

// htmlScan accumulates the state of one document scan.
type htmlScan struct {
	doc      []byte
	cands    []candidate
	baseHref *candidate
	problems []error
}

// scanHTML walks the token stream keeping the absolute offset of every token.
// It returns the reference candidates, the first <base href> if any, and the
// problems met while scanning.
func scanHTML(doc []byte) ([]candidate, *candidate, []error) {
	s := &htmlScan{doc: doc}
	s.scan(0, len(doc))
	return s.cands, s.baseHref, s.problems
}

// scan tokenizes doc[from:to]. The tokenizer treats the content of
// <noscript>, <noembed> and <noframes> as raw text; that text is markup
// too and is scanned recursively.
func (s *htmlScan) scan(from, to int) {
	doc := s.doc
	offset := from
	lastTag := ""

	z := html.NewTokenizer(bytes.NewReader(doc[from:to]))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != nil && !errors.Is(err, io.EOF) {
				s.problems = append(s.problems, fmt.Errorf("%w: %v", ErrMalformed, err))
			}
			return
		}

		raw := z.Raw()
		start := offset
		offset += len(raw)
		if offset > to || !bytes.Equal(doc[start:offset], raw) {
			s.problems = append(s.problems, fmt.Errorf("%w: token stream lost sync at byte %d", ErrMalformed, start))
			return
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			t := parseTag(doc[start:offset], start)
			lastTag = t.name
			if t.name == "base" && s.baseHref == nil {
				if a, ok := t.attr("href"); ok {
					s.baseHref = &candidate{
						raw: a.value, start: a.start, end: a.end,
						kind: model.KindHTML, element: "base", attribute: "href",
						source: model.SourceBase,
					}
				}
				continue
			}
			s.cands = append(s.cands, tagCandidates(t)...)
		case html.TextToken:
			switch lastTag {
			case "style":
				s.cands = append(s.cands, styleBlock(doc[start:offset], start)...)
			case "noscript", "noembed", "noframes":
				s.scan(start, offset)
			}
			lastTag = ""
		case html.EndTagToken, html.CommentToken, html.DoctypeToken:
			lastTag = ""
		case html.ErrorToken:
		}
	}
}

func styleBlock(text []byte, offset int) []candidate {
	cands := scanCSS(string(text), offset, model.SourceStyleBlock)
	for i := range cands {
		cands[i].element = "style"
	}
	return cands
}

// parseTag reads the tag name and attributes from the raw bytes of a start
// tag, recording where each attribute value starts and ends. offset is the
// position of raw in the document.
func parseTag(raw []byte, offset int) tag {
	n := len(raw)
	i := 1 // skip '<'
	for i < n && !isSpace(raw[i]) && raw[i] != '/' && raw[i] != '>' {
		i++
	}
	t := tag{name: strings.ToLower(string(raw[1:i]))}

	for i < n {
		for i < n && (isSpace(raw[i]) || raw[i] == '/') {
			i++
		}
		if i >= n || raw[i] == '>' {
			break
		}

		nameStart := i
		i++ // the first character may be '='
		for i < n && !isSpace(raw[i]) && raw[i] != '=' && raw[i] != '>' && raw[i] != '/' {
			i++
		}
		a := rawAttr{name: strings.ToLower(string(raw[nameStart:i]))}

		j := i
		for j < n && isSpace(raw[j]) {
			j++
		}
		if j >= n || raw[j] != '=' {
			t.attrs = append(t.attrs, a)
			continue
		}
		i = j + 1
		for i < n && isSpace(raw[i]) {
			i++
		}
		if i >= n {
			t.attrs = append(t.attrs, a)
			break
		}

		a.hasValue = true
		if q := raw[i]; q == '"' || q == '\'' {
			i++
			vStart := i
			for i < n && raw[i] != q {
				i++
			}
			a.value, a.start, a.end = string(raw[vStart:i]), offset+vStart, offset+i
			i++
		} else {
			vStart := i
			for i < n && !isSpace(raw[i]) && raw[i] != '>' {
				i++
			}
			a.value, a.start, a.end = string(raw[vStart:i]), offset+vStart, offset+i
		}
		t.attrs = append(t.attrs, a)
	}
	return t
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

// tagCandidates returns the references carried by one start tag.
func tagCandidates(t tag) []candidate {
	var out []candidate

	add := func(attr string, kind model.ResourceKind, infer bool) {
		a, ok := t.attr(attr)
		if !ok {
			return
		}
		out = append(out, candidate{
			raw: a.value, start: a.start, end: a.end,
			kind: kind, inferKind: infer,
			element: t.name, attribute: attr,
			source: model.SourceAttribute,
		})
	}
	addSrcset := func(attr string) {
		a, ok := t.attr(attr)
		if !ok {
			return
		}
		for _, s := range parseSrcset(a.value) {
			out = append(out, candidate{
				raw: a.value[s.start:s.end], start: a.start + s.start, end: a.start + s.end,
				kind: model.KindImage, inferKind: true,
				element: t.name, attribute: attr,
				source: model.SourceSrcset,
			})
		}
	}

	switch t.name {
	case "a", "area":
		add("href", model.KindHTML, true)
	case "link":
		if kind, ok := linkKind(t); ok {
			add("href", kind, kind == model.KindOther)
		}
		addSrcset("imagesrcset")
	case "script":
		add("src", model.KindJavaScript, false)
	case "img":
		add("src", model.KindImage, true)
		add("data-src", model.KindImage, true)
		addSrcset("srcset")
		addSrcset("data-srcset")
	case "image":
		add("href", model.KindImage, true)
		add("xlink:href", model.KindImage, true)
	case "source":
		addSrcset("srcset")
		add("src", sourceKind(t.attrValue("type")), true)
	case "video":
		add("src", model.KindVideo, true)
		add("poster", model.KindImage, true)
	case "audio", "track":
		add("src", model.KindOther, true)
	case "embed":
		add("src", model.KindOther, true)
	case "object":
		add("data", model.KindOther, true)
	case "iframe", "frame":
		add("src", model.KindHTML, true)
	case "input":
		if t.attrValue("type") == "image" {
			add("src", model.KindImage, true)
		}
	case "body", "table", "td", "th":
		add("background", model.KindImage, true)
	}

	if a, ok := t.attr("style"); ok {
		for _, c := range scanCSS(a.value, a.start, model.SourceStyleAttribute) {
			c.element, c.attribute = t.name, "style"
			out = append(out, c)
		}
	}
	return out
}

// linkKind classifies a <link> element by its rel tokens.
// Navigational relations (canonical, alternate, next) are not fetched.
func linkKind(t tag) (model.ResourceKind, bool) {
	for _, rel := range strings.Fields(t.attrValue("rel")) {
		switch rel {
		case "stylesheet":
			return model.KindCSS, true
		case "icon", "apple-touch-icon", "apple-touch-icon-precomposed", "mask-icon":
			return model.KindImage, true
		case "modulepreload":
			return model.KindJavaScript, true
		case "manifest":
			return model.KindOther, true
		case "preload", "prefetch":
			return preloadKind(t.attrValue("as")), true
		}
	}
	return model.KindOther, false
}

func preloadKind(as string) model.ResourceKind {
	switch as {
	case "style":
		return model.KindCSS
	case "script":
		return model.KindJavaScript
	case "image":
		return model.KindImage
	case "font":
		return model.KindFont
	case "video":
		return model.KindVideo
	case "document":
		return model.KindHTML
	default:
		return model.KindOther
	}
}

func sourceKind(mimeType string) model.ResourceKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return model.KindImage
	case strings.HasPrefix(mimeType, "audio/"):
		return model.KindOther
	default:
		return model.KindVideo
	}
}
