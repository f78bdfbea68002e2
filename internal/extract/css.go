package extract

import (
	"regexp"
	"strings"

	"github.com/nao1215/sitemirror/internal/model"
)

var (
	// cssURLPattern matches url(...) with double, single or no quotes.
	cssURLPattern = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]*)"|'([^']*)'|([^)'"\s]*))\s*\)`)

	// cssImportPattern matches the string form of @import.
	cssImportPattern = regexp.MustCompile(`(?i)@import\s+(?:"([^"]*)"|'([^']*)')`)
)

// scanCSS returns the url() and @import references of a stylesheet fragment.
// offset is the position of text in the enclosing document.
func scanCSS(text string, offset int, source model.ReferenceSource) []candidate {
	var out []candidate

	for _, m := range cssURLPattern.FindAllStringSubmatchIndex(text, -1) {
		start, end, ok := firstGroup(m, 3)
		if !ok || start == end {
			continue
		}
		kind, infer := model.KindImage, true
		if isImport(text[:m[0]]) {
			kind, infer = model.KindCSS, false
		}
		out = append(out, candidate{
			raw: text[start:end], start: offset + start, end: offset + end,
			kind: kind, inferKind: infer,
			attribute: "url", source: source,
		})
	}

	for _, m := range cssImportPattern.FindAllStringSubmatchIndex(text, -1) {
		start, end, ok := firstGroup(m, 2)
		if !ok || start == end {
			continue
		}
		out = append(out, candidate{
			raw: text[start:end], start: offset + start, end: offset + end,
			kind:      model.KindCSS,
			attribute: "@import", source: source,
		})
	}
	return out
}

// firstGroup returns the span of the first participating capture group.
func firstGroup(m []int, groups int) (int, int, bool) {
	for g := 1; g <= groups; g++ {
		if 2*g+1 < len(m) && m[2*g] >= 0 {
			return m[2*g], m[2*g+1], true
		}
	}
	return 0, 0, false
}

func isImport(before string) bool {
	before = strings.TrimRight(before, " \t\r\n\f")
	const kw = "@import"
	return len(before) >= len(kw) && strings.EqualFold(before[len(before)-len(kw):], kw)
}
