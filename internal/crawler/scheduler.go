package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nao1215/sitemirror/internal/cache"
	"github.com/nao1215/sitemirror/internal/fetch"
	"github.com/nao1215/sitemirror/internal/metrics"
	"github.com/nao1215/sitemirror/internal/model"
	"github.com/nao1215/sitemirror/internal/pipeline"
	"github.com/nao1215/sitemirror/internal/store"
	"github.com/nao1215/sitemirror/internal/transcode"
	"github.com/nao1215/sitemirror/internal/urlpath"
)

// Defaults used when an option is not given.
const (
	DefaultMaxDepth     = 3
	DefaultConcurrency  = 10
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 500 * time.Millisecond
)

var (
	// ErrSeedFailed is returned by Run when the seed URL could not be mirrored.
	ErrSeedFailed = errors.New("seed could not be mirrored")

	// ErrFrontierClosed is the cause reported for references discovered
	// after the crawl stopped accepting work.
	ErrFrontierClosed = errors.New("frontier closed")
)

// Storage is the filesystem capability the scheduler needs.
type Storage interface {
	pipeline.Storage
	Exists(rel string) bool
}

// Scheduler runs one crawl. It is constructed per crawl and not reusable.
type Scheduler struct {
	seed    *url.URL
	fetcher pipeline.Fetcher
	storage Storage

	policy       admission
	maxDepth     int
	concurrency  int
	maxRetries   int
	retryBackoff time.Duration
	transcoder   *transcode.Transcoder
	logger       *slog.Logger
	metrics      *metrics.Collector

	mapper   *urlpath.Mapper
	cache    *cache.Cache
	frontier *Frontier
	pipeline *pipeline.Pipeline

	// mu guards everything below.
	mu        sync.Mutex
	visited   map[string]struct{}
	documents map[string]*url.URL
	resources map[string]*model.Resource
	summary   *model.Summary
	seedErr   error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxDepth sets the maximum crawl depth. Zero or less means unlimited.
func WithMaxDepth(depth int) Option {
	return func(s *Scheduler) {
		s.maxDepth = depth
	}
}

// WithConcurrency sets the number of workers.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithAllowedKinds restricts persisted resources to kinds. Empty allows all.
func WithAllowedKinds(kinds []model.ResourceKind) Option {
	return func(s *Scheduler) {
		if len(kinds) == 0 {
			s.policy.allowed = nil
			return
		}
		s.policy.allowed = make(map[model.ResourceKind]bool, len(kinds))
		for _, k := range kinds {
			s.policy.allowed[k] = true
		}
	}
}

// WithExternal enables downloading assets from other domains.
func WithExternal(enabled bool) Option {
	return func(s *Scheduler) {
		s.policy.external = enabled
	}
}

// WithSameSite treats hosts sharing the seed's registrable domain as
// part of the site.
func WithSameSite(enabled bool) Option {
	return func(s *Scheduler) {
		s.policy.sameSite = enabled
	}
}

// WithIgnorePatterns sets URL path patterns that are never admitted.
// Patterns use glob syntax (e.g., "/admin/*", "*.zip").
func WithIgnorePatterns(patterns []string) Option {
	return func(s *Scheduler) {
		s.policy.ignorePatterns = patterns
	}
}

// WithFollowPatterns restricts admission to URL paths matching at least one
// pattern. Empty means all paths.
func WithFollowPatterns(patterns []string) Option {
	return func(s *Scheduler) {
		s.policy.followPatterns = patterns
	}
}

// WithTranscoder enables WebP conversion of JPEG and PNG images.
func WithTranscoder(t *transcode.Transcoder) Option {
	return func(s *Scheduler) {
		s.transcoder = t
	}
}

// WithMaxRetries sets how often a transient fetch failure is retried.
func WithMaxRetries(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the delay before the first retry. It doubles on
// every further attempt.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.retryBackoff = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMetrics reports crawl progress to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) {
		s.metrics = c
	}
}

// New creates a scheduler for a crawl of seed. Fetched resources are written
// through storage.
func New(seed *url.URL, fetcher pipeline.Fetcher, storage Storage, opts ...Option) *Scheduler {
	s := &Scheduler{
		seed:         seed,
		fetcher:      fetcher,
		storage:      storage,
		policy:       admission{seed: seed},
		maxDepth:     DefaultMaxDepth,
		concurrency:  DefaultConcurrency,
		maxRetries:   DefaultMaxRetries,
		retryBackoff: DefaultRetryBackoff,
		frontier:     NewFrontier(),
		visited:      make(map[string]struct{}),
		documents:    make(map[string]*url.URL),
		resources:    make(map[string]*model.Resource),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	cacheOpts := []cache.Option{cache.WithDiskProbe(storage.Exists)}
	if s.metrics != nil {
		cacheOpts = append(cacheOpts, cache.WithObserver(func(_ string, from, to cache.State) {
			s.metrics.CacheTransition(from.String(), to.String())
		}))
	}
	s.cache = cache.New(cacheOpts...)
	s.mapper = urlpath.NewMapper(seed)

	var f pipeline.Fetcher = fetcher
	if s.metrics != nil {
		f = &instrumentedFetcher{next: fetcher, metrics: s.metrics}
	}
	s.pipeline = pipeline.DefaultPipeline(pipeline.Deps{
		Fetcher:    f,
		Storage:    storage,
		Cache:      s.cache,
		Mapper:     s.mapper,
		Discoverer: s,
		Transcoder: s.transcoder,
		Allowed:    s.policy.allows,
		Logger:     s.logger,
	})
	return s
}

// Cache returns the download cache of the crawl.
func (s *Scheduler) Cache() *cache.Cache {
	return s.cache
}

// Run crawls until the frontier drains or ctx is cancelled, then rewrites
// every mirrored document against the final cache state.
//
// Per-resource failures never abort the crawl; they are reported in the
// summary. The returned error is non-nil only when the seed failed or the
// crawl was cancelled, and the summary is returned in both cases.
func (s *Scheduler) Run(ctx context.Context) (*model.Summary, error) {
	s.summary = model.NewSummary(s.seed.String(), "")
	if r, ok := s.storage.(interface{ Root() string }); ok {
		s.summary.OutputDir = r.Root()
	}

	seedKey := urlpath.Canonical(s.seed)
	s.visited[seedKey] = struct{}{}
	s.cache.Register(seedKey, model.KindHTML)
	s.frontier.Push(model.Task{
		URL:      s.seed,
		Key:      seedKey,
		Priority: model.KindHTML.Priority(),
		KindHint: model.KindHTML,
	})

	s.logger.Info("crawl started",
		"seed", s.seed.String(),
		"max_depth", s.maxDepth,
		"concurrency", s.concurrency,
	)

	watchCtx, stopWatch := context.WithCancel(ctx)
	go func() {
		<-watchCtx.Done()
		s.frontier.Close()
	}()

	g := new(errgroup.Group)
	for range s.concurrency {
		g.Go(func() error {
			s.work(ctx)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors
	stopWatch()

	if err := ctx.Err(); err != nil {
		s.abandon(err)
	}
	s.finalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.Finish()
	s.logger.Info("crawl finished",
		"seed", s.seed.String(),
		"fetched", s.summary.TotalFetched(),
		"resumed", s.summary.TotalResumed(),
		"skipped", s.summary.TotalSkipped(),
		"failed", s.summary.TotalFailed(),
		"elapsed", s.summary.Duration(),
	)

	switch {
	case s.seedErr != nil:
		err := fmt.Errorf("%w: %w", ErrSeedFailed, s.seedErr)
		s.summary.Error = err.Error()
		return s.summary, err
	case ctx.Err() != nil:
		s.summary.Cancelled = true
		s.summary.Error = ctx.Err().Error()
		return s.summary, ctx.Err()
	}
	return s.summary, nil
}

// Resources returns one record per URL that reached an outcome, sorted by URL.
func (s *Scheduler) Resources() []model.Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		task, ok := s.frontier.Pop()
		if !ok {
			return
		}
		s.process(ctx, task)
		s.frontier.Done()
		s.metrics.SetFrontier(s.frontier.Len())
	}
}

// process runs one task through the pipeline and records its outcome.
func (s *Scheduler) process(ctx context.Context, task model.Task) {
	job := pipeline.NewJob(task)
	err := s.pipeline.Execute(ctx, job)

	switch {
	case err == nil:
		s.succeeded(job)
	case errors.Is(err, pipeline.ErrFiltered):
		s.failTask(job, model.ReasonFiltered, err)
	case ctx.Err() != nil:
		s.failTask(job, model.ReasonCancelled, err)
	case fetch.IsTransient(err) && task.Attempt < s.maxRetries:
		s.retry(task, err)
	default:
		s.failTask(job, reasonFor(err), err)
	}
}

func (s *Scheduler) succeeded(job *pipeline.Job) {
	switch {
	case job.Resumed:
		s.mu.Lock()
		s.summary.AddResumed(job.Kind)
		s.resources[job.Task.Key] = &model.Resource{
			URL:       job.Task.URL.String(),
			LocalPath: job.LocalPath,
			Kind:      job.Kind,
			Outcome:   model.OutcomeResumed,
		}
		if job.Kind.IsDocument() && job.Body != nil {
			s.documents[job.Task.Key] = job.FinalURL
		}
		s.mu.Unlock()
		s.metrics.Resource(job.Kind, model.OutcomeResumed)
		s.logger.Debug("resource resumed", "url", job.Task.Key, "path", job.LocalPath)

	case job.Digest != "":
		size := len(job.Bytes())
		s.mu.Lock()
		s.summary.AddFetched(job.Kind, size)
		if job.Conversion != nil {
			s.summary.AddConversion(*job.Conversion)
		}
		s.resources[job.Task.Key] = &model.Resource{
			URL:       job.Task.URL.String(),
			LocalPath: job.LocalPath,
			Kind:      job.Kind,
			Outcome:   model.OutcomeFetched,
			Bytes:     size,
			Digest:    job.Digest,
			Converted: job.Conversion != nil,
		}
		if job.Kind.IsDocument() {
			s.documents[job.Task.Key] = job.FinalURL
		}
		s.mu.Unlock()
		s.metrics.Resource(job.Kind, model.OutcomeFetched)
		s.metrics.AddBytes(size)
		if job.Conversion != nil {
			s.metrics.Conversion()
		}
		s.logger.Info("resource saved",
			"url", job.Task.Key,
			"kind", job.Kind.String(),
			"path", job.LocalPath,
			"bytes", size,
		)
	}
}

func (s *Scheduler) retry(task model.Task, cause error) {
	backoff := s.retryBackoff << task.Attempt
	next := task.Retry(backoff, time.Now())
	if !s.frontier.Push(next) {
		s.failTask(pipeline.NewJob(task), model.ReasonCancelled, cause)
		return
	}
	s.mu.Lock()
	s.summary.Retries++
	s.mu.Unlock()
	s.metrics.Retry()
	s.logger.Debug("fetch retry scheduled",
		"url", task.Key,
		"attempt", next.Attempt,
		"backoff", backoff,
		"error", cause,
	)
}

// failTask records a skip or failure for a popped task and fails its cache
// entry so nothing waits on it.
func (s *Scheduler) failTask(job *pipeline.Job, reason model.Reason, cause error) {
	if err := s.cache.Fail(job.Task.Key, cause); err != nil && !errors.Is(err, cache.ErrInvalidTransition) {
		s.logger.Debug("cache fail", "url", job.Task.Key, "error", err)
	}

	s.mu.Lock()
	if job.Task.IsSeed() && reason != model.ReasonFiltered && reason != model.ReasonCancelled {
		s.seedErr = cause
	}
	s.mu.Unlock()

	s.report(job.Task.URL, job.Kind, reason, cause)
}

// report adds a problem to the summary and logs it.
func (s *Scheduler) report(u *url.URL, kind model.ResourceKind, reason model.Reason, cause error) {
	p := model.Problem{URL: u.String(), Kind: kind, Reason: reason}
	if cause != nil {
		p.Detail = cause.Error()
	}

	s.mu.Lock()
	s.summary.AddProblem(p)
	s.resources[urlpath.Canonical(u)] = &model.Resource{
		URL:     p.URL,
		Kind:    kind,
		Outcome: reason.Outcome(),
		Reason:  reason,
	}
	s.mu.Unlock()
	s.metrics.Resource(kind, reason.Outcome())
	s.metrics.Problem(reason)

	attrs := []any{"url", p.URL, "kind", kind.String(), "reason", string(reason)}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	switch reason {
	case model.ReasonFiltered, model.ReasonExternal, model.ReasonExcluded:
		s.logger.Info("resource skipped", attrs...)
	default:
		s.logger.Warn("resource not mirrored", attrs...)
	}
}

// abandon reports the tasks left in the frontier after cancellation.
func (s *Scheduler) abandon(cause error) {
	for _, task := range s.frontier.Drain() {
		// A queued retry still holds its Downloading entry.
		if task.Attempt > 0 {
			_ = s.cache.Fail(task.Key, cause) //nolint:errcheck // best effort
		}
		s.report(task.URL, task.KindHint, model.ReasonCancelled, cause)
	}
}

// Admit applies the admission filters to the references of parent and
// enqueues the survivors.
func (s *Scheduler) Admit(parent model.Task, refs []model.Reference) {
	depth := parent.Depth + 1
	referrer := parent.URL.String()

	for _, ref := range refs {
		if ref.Source == model.SourceBase || ref.URL == nil {
			continue
		}
		u := *ref.URL
		u.Fragment = ""
		u.RawFragment = ""
		key := urlpath.Canonical(&u)

		s.mu.Lock()
		_, seen := s.visited[key]
		s.mu.Unlock()
		if seen {
			continue
		}

		if reason := s.policy.check(&u, ref.Kind); reason != "" {
			if s.markVisited(key) {
				s.report(&u, ref.Kind, reason, nil)
			}
			continue
		}

		if s.maxDepth > 0 && depth > s.maxDepth {
			s.logger.Debug("reference beyond max depth", "url", key, "depth", depth)
			continue
		}

		if !s.markVisited(key) {
			continue
		}
		s.cache.Register(key, ref.Kind)
		task := model.Task{
			URL:      &u,
			Key:      key,
			Depth:    depth,
			Priority: ref.Kind.Priority(),
			Referrer: referrer,
			KindHint: ref.Kind,
		}
		if !s.frontier.Push(task) {
			s.drop(task, ErrFrontierClosed)
			continue
		}
		s.logger.Debug("reference admitted", "url", key, "kind", ref.Kind.String(), "depth", depth)
	}
	s.metrics.SetFrontier(s.frontier.Len())
}

// drop reports an admitted task the frontier refused and fails its cache
// entry, so it never stays Pending.
func (s *Scheduler) drop(task model.Task, cause error) {
	if claim := s.cache.Acquire(task.Key, task.KindHint); claim.Owner {
		if err := s.cache.Fail(task.Key, cause); err != nil {
			s.logger.Debug("cache fail", "url", task.Key, "error", err)
		}
	}
	s.report(task.URL, task.KindHint, model.ReasonCancelled, cause)
}

// Redirected marks the final URL of a redirect as visited and makes it
// share the cache entry of the requested URL.
func (s *Scheduler) Redirected(task model.Task, final *url.URL) {
	key := urlpath.Canonical(final)
	s.markVisited(key)
	if s.cache.Alias(key, task.Key) {
		s.logger.Debug("redirect aliased", "from", task.Key, "to", key)
	}
}

// markVisited adds key to the visited set and reports whether it was new.
func (s *Scheduler) markVisited(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.visited[key]; ok {
		return false
	}
	s.visited[key] = struct{}{}
	return true
}

// reasonFor maps a pipeline error to a user-facing reason.
func reasonFor(err error) model.Reason {
	if errors.Is(err, store.ErrWrite) || errors.Is(err, store.ErrUnsafePath) {
		return model.ReasonWrite
	}
	return fetch.Reason(err)
}
