package extract

type span struct {
	start, end int
}

// parseSrcset returns the spans of the candidate URLs of a srcset value,
// skipping width and density descriptors. Commas inside a URL are kept;
// trailing commas end the candidate.
func parseSrcset(s string) []span {
	var out []span
	i, n := 0, len(s)
	for i < n {
		for i < n && (isSpace(s[i]) || s[i] == ',') {
			i++
		}
		if i >= n {
			break
		}

		start := i
		for i < n && !isSpace(s[i]) {
			i++
		}
		end := i
		trailing := false
		for end > start && s[end-1] == ',' {
			end--
			trailing = true
		}
		if end > start {
			out = append(out, span{start, end})
		}
		if trailing {
			continue
		}

		depth := 0
		for i < n {
			c := s[i]
			i++
			if c == '(' {
				depth++
			} else if c == ')' && depth > 0 {
				depth--
			} else if c == ',' && depth == 0 {
				break
			}
		}
	}
	return out
}
