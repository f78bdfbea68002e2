package pipeline

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/nao1215/sitemirror/internal/cache"
	"github.com/nao1215/sitemirror/internal/extract"
	"github.com/nao1215/sitemirror/internal/fetch"
	"github.com/nao1215/sitemirror/internal/model"
	"github.com/nao1215/sitemirror/internal/rewrite"
	"github.com/nao1215/sitemirror/internal/transcode"
	"github.com/nao1215/sitemirror/internal/urlpath"
)

// Fetcher retrieves a single URL.
type Fetcher interface {
	Fetch(ctx context.Context, u *url.URL) (*fetch.Response, error)
}

// Storage persists mirrored files and staged originals.
type Storage interface {
	Write(rel string, data []byte) error
	WriteOriginal(rel string, data []byte) error
	ReadOriginal(rel string) ([]byte, error)
	HasOriginal(rel string) bool
}

// Discoverer receives what a job learns about the link graph.
type Discoverer interface {
	// Admit offers the references found in the document of parent.
	Admit(parent model.Task, refs []model.Reference)

	// Redirected reports that task was served from final.
	Redirected(task model.Task, final *url.URL)
}

// Deps are the collaborators of the default pipeline.
type Deps struct {
	Fetcher    Fetcher
	Storage    Storage
	Cache      *cache.Cache
	Mapper     *urlpath.Mapper
	Discoverer Discoverer

	// Transcoder converts images to WebP when non-nil.
	Transcoder *transcode.Transcoder

	// Allowed reports whether a kind may be persisted. Nil allows everything.
	Allowed func(model.ResourceKind) bool

	Logger *slog.Logger
}

// DefaultPipeline builds the claim → fetch → classify → extract → convert →
// rewrite → persist chain.
func DefaultPipeline(d Deps) *Pipeline {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := New(WithLogger(logger))
	p.AddSteps(
		&ClaimStep{cache: d.Cache, storage: d.Storage, mapper: d.Mapper, webp: d.Transcoder != nil},
		&FetchStep{fetcher: d.Fetcher, discoverer: d.Discoverer},
		&ClassifyStep{mapper: d.Mapper, allowed: d.Allowed},
		&ExtractStep{discoverer: d.Discoverer, logger: logger},
		&ConvertStep{transcoder: d.Transcoder, logger: logger},
		&RewriteStep{storage: d.Storage, cache: d.Cache},
		&PersistStep{storage: d.Storage, cache: d.Cache},
	)
	return p
}

// CacheLookup returns a rewrite lookup that resolves URLs to the local path
// of their Complete cache entry.
func CacheLookup(c *cache.Cache) rewrite.LookupFunc {
	return func(u *url.URL) (string, bool) {
		e, ok := c.Lookup(urlpath.Canonical(u))
		if !ok || e.State != cache.StateComplete || e.LocalPath == "" {
			return "", false
		}
		return e.LocalPath, true
	}
}

// ClaimStep claims the cache entry of the task. A resource already on disk
// from an earlier run is completed without a download; resumed HTML and CSS
// documents continue with their staged original so discovery goes on below
// them.
type ClaimStep struct {
	cache   *cache.Cache
	storage Storage
	mapper  *urlpath.Mapper
	webp    bool
}

// Name returns the step name.
func (s *ClaimStep) Name() string { return "claim" }

// Do executes the claim step.
func (s *ClaimStep) Do(ctx context.Context, job *Job) error {
	// A retried task still owns the entry it claimed on the first attempt.
	if job.Task.Attempt > 0 {
		return nil
	}

	kind := job.Task.KindHint
	if k, ok := model.KindFromURL(job.Task.URL, kind); ok {
		kind = k
	}
	primary := s.mapper.LocalPath(job.Task.URL, kind)
	candidates := []string{primary}
	if s.webp && kind == model.KindImage {
		candidates = []string{urlpath.ConvertedPath(primary, ".webp"), primary}
	}

	claim := s.cache.Acquire(job.Task.Key, kind, candidates...)
	if claim.Owner {
		return nil
	}
	// Another task owns the download and reports its outcome.
	if !claim.Done() {
		return ErrHalt
	}
	entry, err := claim.Wait(ctx)
	if err != nil {
		return err
	}
	if !entry.Resumed {
		return ErrHalt
	}

	job.Resumed = true
	job.Kind = entry.Kind
	job.LocalPath = entry.LocalPath
	job.FinalURL = job.Task.URL
	if !entry.Kind.IsDocument() || !s.storage.HasOriginal(entry.LocalPath) {
		return ErrHalt
	}
	body, err := s.storage.ReadOriginal(entry.LocalPath)
	if err != nil {
		return ErrHalt
	}
	job.Body = body
	return nil
}

// FetchStep downloads the resource, waiting first for the retry backoff.
type FetchStep struct {
	fetcher    Fetcher
	discoverer Discoverer
}

// Name returns the step name.
func (s *FetchStep) Name() string { return "fetch" }

// Do executes the fetch step.
func (s *FetchStep) Do(ctx context.Context, job *Job) error {
	if job.Resumed {
		return nil
	}
	if wait := time.Until(job.Task.NotBefore); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	resp, err := s.fetcher.Fetch(ctx, job.Task.URL)
	if err != nil {
		return err
	}
	job.Body = resp.Body
	job.ContentType = resp.ContentType
	job.FinalURL = resp.FinalURL
	if job.FinalURL == nil {
		job.FinalURL = job.Task.URL
	}
	if s.discoverer != nil && urlpath.Canonical(job.FinalURL) != job.Task.Key {
		s.discoverer.Redirected(job.Task, job.FinalURL)
	}
	return nil
}

// ClassifyStep detects the resource kind and maps the local path.
type ClassifyStep struct {
	mapper  *urlpath.Mapper
	allowed func(model.ResourceKind) bool
}

// Name returns the step name.
func (s *ClassifyStep) Name() string { return "classify" }

// Do executes the classify step.
func (s *ClassifyStep) Do(_ context.Context, job *Job) error {
	if job.Resumed {
		return nil
	}
	job.Kind = model.DetectKind(job.FinalURL, job.ContentType, job.Task.KindHint)
	job.LocalPath = s.mapper.LocalPath(job.Task.URL, job.Kind)
	job.Persist = s.allowed == nil || s.allowed(job.Kind)

	// The seed document is always scanned, even when it is not kept.
	if !job.Persist && !(job.Task.IsSeed() && job.Kind.IsDocument()) {
		return ErrFiltered
	}
	return nil
}

// ExtractStep scans HTML and CSS documents and hands the references to the
// discoverer.
type ExtractStep struct {
	discoverer Discoverer
	logger     *slog.Logger
}

// Name returns the step name.
func (s *ExtractStep) Name() string { return "extract" }

// Do executes the extract step.
func (s *ExtractStep) Do(_ context.Context, job *Job) error {
	if !job.Kind.IsDocument() {
		return nil
	}
	res := extract.Extract(job.Body, job.Kind, job.FinalURL)
	for _, problem := range res.Problems {
		s.logger.Debug("reference dropped", "document", job.Task.Key, "error", problem)
	}
	job.References = res.References
	if s.discoverer != nil {
		s.discoverer.Admit(job.Task, res.References)
	}
	return nil
}

// ConvertStep transcodes JPEG and PNG images to WebP. A failed conversion
// keeps the original bytes and path.
type ConvertStep struct {
	transcoder *transcode.Transcoder
	logger     *slog.Logger
}

// Name returns the step name.
func (s *ConvertStep) Name() string { return "convert" }

// Do executes the convert step.
func (s *ConvertStep) Do(_ context.Context, job *Job) error {
	if s.transcoder == nil || job.Resumed || job.Kind != model.KindImage {
		return nil
	}
	format := transcode.DetectFormat(job.Body)
	if format != transcode.FormatJPEG && format != transcode.FormatPNG {
		return nil
	}

	res := s.transcoder.Convert(job.Body, format)
	if res.Err != nil {
		s.logger.Warn("image conversion failed, keeping original",
			"url", job.Task.Key,
			"error", res.Err,
		)
	}
	if !res.Converted {
		return nil
	}

	converted := urlpath.ConvertedPath(job.LocalPath, res.Format.Extension())
	job.Conversion = &model.ConversionRecord{
		URL:           job.Task.URL.String(),
		OriginalPath:  job.LocalPath,
		ConvertedPath: converted,
		Format:        res.Format.String(),
		Alpha:         res.Alpha,
		OriginalSize:  len(job.Body),
		ConvertedSize: len(res.Data),
	}
	job.LocalPath = converted
	job.Output = res.Data
	return nil
}

// RewriteStep stages the original document and rewrites its references
// against the current cache state.
type RewriteStep struct {
	storage Storage
	cache   *cache.Cache
}

// Name returns the step name.
func (s *RewriteStep) Name() string { return "rewrite" }

// Do executes the rewrite step.
func (s *RewriteStep) Do(_ context.Context, job *Job) error {
	// Resumed documents are rewritten by the finalize pass.
	if job.Resumed {
		return ErrHalt
	}
	if !job.Kind.IsDocument() || !job.Persist {
		return nil
	}
	if err := s.storage.WriteOriginal(job.LocalPath, job.Body); err != nil {
		return err
	}
	job.Output = rewrite.Rewrite(job.Body, job.References, job.LocalPath, CacheLookup(s.cache))
	return nil
}

// PersistStep writes the resource and completes its cache entry.
type PersistStep struct {
	storage Storage
	cache   *cache.Cache
}

// Name returns the step name.
func (s *PersistStep) Name() string { return "persist" }

// Do executes the persist step.
func (s *PersistStep) Do(_ context.Context, job *Job) error {
	if job.Resumed {
		return ErrHalt
	}
	if !job.Persist {
		return ErrFiltered
	}

	data := job.Bytes()
	if err := s.storage.Write(job.LocalPath, data); err != nil {
		return err
	}
	sum := sha3.Sum256(data)
	job.Digest = hex.EncodeToString(sum[:])

	return s.cache.Complete(job.Task.Key, job.Kind, job.LocalPath, job.FinalURL.String())
}
