package crawler

import (
	"net/url"

	"github.com/nao1215/sitemirror/internal/cache"
	"github.com/nao1215/sitemirror/internal/extract"
	"github.com/nao1215/sitemirror/internal/pipeline"
	"github.com/nao1215/sitemirror/internal/rewrite"
)

// finalize rewrites every mirrored HTML and CSS document from its staged
// original against the final cache state, so references to resources that
// completed after the document was written become local too. Rewriting
// always starts from the original bytes, which keeps the pass idempotent.
func (s *Scheduler) finalize() {
	s.mu.Lock()
	docs := make(map[string]*url.URL, len(s.documents))
	for key, base := range s.documents {
		docs[key] = base
	}
	s.mu.Unlock()

	lookup := pipeline.CacheLookup(s.cache)
	rewritten := 0
	for key, base := range docs {
		entry, ok := s.cache.Lookup(key)
		if !ok || entry.State != cache.StateComplete || !s.storage.HasOriginal(entry.LocalPath) {
			continue
		}
		original, err := s.storage.ReadOriginal(entry.LocalPath)
		if err != nil {
			s.logger.Warn("finalize: cannot read original", "url", key, "error", err)
			continue
		}

		res := extract.Extract(original, entry.Kind, base)
		out := rewrite.Rewrite(original, res.References, entry.LocalPath, lookup)
		if err := s.storage.Write(entry.LocalPath, out); err != nil {
			s.logger.Warn("finalize: cannot write document", "url", key, "error", err)
			continue
		}
		rewritten++
	}
	s.logger.Debug("finalize complete", "documents", rewritten)
}
