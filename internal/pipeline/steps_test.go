package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/nao1215/sitemirror/internal/cache"
	"github.com/nao1215/sitemirror/internal/fetch"
	"github.com/nao1215/sitemirror/internal/model"
	"github.com/nao1215/sitemirror/internal/transcode"
	"github.com/nao1215/sitemirror/internal/urlpath"
)

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]*fetch.Response
	errs      map[string]error
	calls     []string
}

func (f *fakeFetcher) Fetch(_ context.Context, u *url.URL) (*fetch.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, u.String())
	if err, ok := f.errs[u.String()]; ok {
		return nil, err
	}
	if resp, ok := f.responses[u.String()]; ok {
		return resp, nil
	}
	return nil, &fetch.StatusError{Code: 404, URL: u.String()}
}

type memStorage struct {
	mu        sync.Mutex
	files     map[string][]byte
	originals map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{files: make(map[string][]byte), originals: make(map[string][]byte)}
}

func (m *memStorage) Write(rel string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[rel] = append([]byte(nil), data...)
	return nil
}

func (m *memStorage) WriteOriginal(rel string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.originals[rel] = append([]byte(nil), data...)
	return nil
}

func (m *memStorage) ReadOriginal(rel string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.originals[rel]
	if !ok {
		return nil, errors.New("no original")
	}
	return data, nil
}

func (m *memStorage) HasOriginal(rel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.originals[rel]
	return ok
}

func (m *memStorage) Exists(rel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files[rel]) > 0
}

type recordingDiscoverer struct {
	mu         sync.Mutex
	admitted   []model.Reference
	parents    []model.Task
	redirected []string
}

func (d *recordingDiscoverer) Admit(parent model.Task, refs []model.Reference) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parents = append(d.parents, parent)
	d.admitted = append(d.admitted, refs...)
}

func (d *recordingDiscoverer) Redirected(_ model.Task, final *url.URL) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.redirected = append(d.redirected, final.String())
}

type harness struct {
	fetcher    *fakeFetcher
	storage    *memStorage
	cache      *cache.Cache
	discoverer *recordingDiscoverer
	deps       Deps
}

func newHarness(t *testing.T, seed string) *harness {
	t.Helper()
	h := &harness{
		fetcher:    &fakeFetcher{responses: make(map[string]*fetch.Response), errs: make(map[string]error)},
		storage:    newMemStorage(),
		discoverer: &recordingDiscoverer{},
	}
	h.cache = cache.New(cache.WithDiskProbe(h.storage.Exists))
	h.deps = Deps{
		Fetcher:    h.fetcher,
		Storage:    h.storage,
		Cache:      h.cache,
		Mapper:     urlpath.NewMapper(mustURL(t, seed)),
		Discoverer: h.discoverer,
	}
	return h
}

func (h *harness) serve(t *testing.T, raw, contentType, body string) {
	t.Helper()
	h.fetcher.responses[raw] = &fetch.Response{
		Body:        []byte(body),
		ContentType: contentType,
		FinalURL:    mustURL(t, raw),
		StatusCode:  200,
	}
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", raw, err)
	}
	return u
}

func taskFor(t *testing.T, raw string, depth int, hint model.ResourceKind) model.Task {
	t.Helper()
	u := mustURL(t, raw)
	task := model.Task{
		URL:      u,
		Key:      urlpath.Canonical(u),
		Depth:    depth,
		Priority: hint.Priority(),
		KindHint: hint,
	}
	if depth > 0 {
		task.Referrer = "https://example.com/"
	}
	return task
}

// TestDefaultPipelineSteps tests the step order of the default chain.
func TestDefaultPipelineSteps(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "https://example.com/")
	names := DefaultPipeline(h.deps).StepNames()
	expected := []string{"claim", "fetch", "classify", "extract", "convert", "rewrite", "persist"}
	if strings.Join(names, ",") != strings.Join(expected, ",") {
		t.Errorf("expected %v, got %v", expected, names)
	}
}

// TestDefaultPipelineHTML tests a full HTML job.
func TestDefaultPipelineHTML(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "https://example.com/")
	h.serve(t, "https://example.com/blog/post", "text/html; charset=utf-8",
		`<html><head><link rel="stylesheet" href="/css/style.css"></head>`+
			`<body><a href="../about/">About</a></body></html>`)

	// The stylesheet is already materialized, the about page is not.
	css := mustURL(t, "https://example.com/css/style.css")
	claim := h.cache.Acquire(urlpath.Canonical(css), model.KindCSS)
	if !claim.Owner {
		t.Fatal("setup: expected to own the stylesheet")
	}
	if err := h.cache.Complete(urlpath.Canonical(css), model.KindCSS, "css/style.css", css.String()); err != nil {
		t.Fatalf("setup: %v", err)
	}

	job := NewJob(taskFor(t, "https://example.com/blog/post", 1, model.KindHTML))
	if err := DefaultPipeline(h.deps).Execute(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if job.LocalPath != "blog/post/index.html" {
		t.Errorf("expected blog/post/index.html, got %s", job.LocalPath)
	}
	out := string(h.storage.files["blog/post/index.html"])
	if !strings.Contains(out, `href="../../css/style.css"`) {
		t.Errorf("expected relative stylesheet reference, got %s", out)
	}
	if !strings.Contains(out, `href="https://example.com/about/"`) {
		t.Errorf("expected unmaterialized page as absolute URL, got %s", out)
	}
	if !h.storage.HasOriginal("blog/post/index.html") {
		t.Error("expected staged original")
	}
	if len(h.discoverer.admitted) != 2 {
		t.Errorf("expected 2 admitted references, got %d", len(h.discoverer.admitted))
	}
	if job.Digest == "" || len(job.Digest) != 64 {
		t.Errorf("expected sha3-256 hex digest, got %q", job.Digest)
	}

	entry, ok := h.cache.Lookup(job.Task.Key)
	if !ok || entry.State != cache.StateComplete || entry.LocalPath != "blog/post/index.html" {
		t.Errorf("expected complete cache entry, got %+v", entry)
	}
}

// TestDefaultPipelineFetchError tests that fetch errors surface unchanged.
func TestDefaultPipelineFetchError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "https://example.com/")
	h.fetcher.errs["https://example.com/a.png"] = fetch.ErrRobotsDisallowed

	job := NewJob(taskFor(t, "https://example.com/a.png", 1, model.KindImage))
	err := DefaultPipeline(h.deps).Execute(context.Background(), job)
	if !errors.Is(err, fetch.ErrRobotsDisallowed) {
		t.Fatalf("expected ErrRobotsDisallowed, got %v", err)
	}
	entry, _ := h.cache.Lookup(job.Task.Key)
	if entry.State != cache.StateDownloading {
		t.Errorf("expected entry left to the caller in Downloading, got %v", entry.State)
	}
}

// TestDefaultPipelineFiltered tests the allowlist applied to detected kinds.
func TestDefaultPipelineFiltered(t *testing.T) {
	t.Parallel()

	imagesOnly := func(k model.ResourceKind) bool { return k == model.KindImage }

	t.Run("non-seed document is filtered", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, "https://example.com/")
		h.deps.Allowed = imagesOnly
		// The anchor hint says HTML but the server sends a PDF.
		h.serve(t, "https://example.com/download", "application/pdf", "%PDF-1.4")

		job := NewJob(taskFor(t, "https://example.com/download", 1, model.KindHTML))
		err := DefaultPipeline(h.deps).Execute(context.Background(), job)
		if !errors.Is(err, ErrFiltered) {
			t.Fatalf("expected ErrFiltered, got %v", err)
		}
		if job.Kind != model.KindPDF {
			t.Errorf("expected detected kind pdf, got %v", job.Kind)
		}
		if len(h.storage.files) != 0 {
			t.Errorf("expected nothing written, got %v", h.storage.files)
		}
	})

	t.Run("seed is scanned but not written", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, "https://example.com/")
		h.deps.Allowed = imagesOnly
		h.serve(t, "https://example.com/", "text/html", `<img src="logo.png">`)

		job := NewJob(taskFor(t, "https://example.com/", 0, model.KindHTML))
		err := DefaultPipeline(h.deps).Execute(context.Background(), job)
		if !errors.Is(err, ErrFiltered) {
			t.Fatalf("expected ErrFiltered, got %v", err)
		}
		if len(h.discoverer.admitted) != 1 {
			t.Errorf("expected the seed references to be admitted, got %d", len(h.discoverer.admitted))
		}
		if len(h.storage.files) != 0 || len(h.storage.originals) != 0 {
			t.Error("expected nothing written for the filtered seed")
		}
	})
}

// TestDefaultPipelineResume tests cold-cache resume from files on disk.
func TestDefaultPipelineResume(t *testing.T) {
	t.Parallel()

	t.Run("asset on disk is not fetched", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, "https://example.com/")
		_ = h.storage.Write("img/a.png", []byte("png"))

		job := NewJob(taskFor(t, "https://example.com/img/a.png", 1, model.KindImage))
		if err := DefaultPipeline(h.deps).Execute(context.Background(), job); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !job.Resumed {
			t.Error("expected resumed job")
		}
		if len(h.fetcher.calls) != 0 {
			t.Errorf("expected no fetch, got %v", h.fetcher.calls)
		}
		entry, _ := h.cache.Lookup(job.Task.Key)
		if entry.State != cache.StateComplete || !entry.Resumed {
			t.Errorf("expected resumed complete entry, got %+v", entry)
		}
	})

	t.Run("document is re-scanned from its staged original", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, "https://example.com/")
		_ = h.storage.Write("index.html", []byte("rewritten"))
		_ = h.storage.WriteOriginal("index.html", []byte(`<a href="/next.html">next</a>`))

		job := NewJob(taskFor(t, "https://example.com/", 0, model.KindHTML))
		if err := DefaultPipeline(h.deps).Execute(context.Background(), job); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !job.Resumed || len(h.fetcher.calls) != 0 {
			t.Fatalf("expected resumed job without fetch, got resumed=%v calls=%v", job.Resumed, h.fetcher.calls)
		}
		if len(h.discoverer.admitted) != 1 || h.discoverer.admitted[0].URL.String() != "https://example.com/next.html" {
			t.Errorf("expected next.html to be admitted, got %v", h.discoverer.admitted)
		}
		if string(h.storage.files["index.html"]) != "rewritten" {
			t.Error("expected resumed document to be left for the finalize pass")
		}
	})

	t.Run("converted image is found by its webp path", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, "https://example.com/")
		h.deps.Transcoder = transcode.New()
		_ = h.storage.Write("img/a.png.webp", []byte("webp"))

		job := NewJob(taskFor(t, "https://example.com/img/a.png", 1, model.KindImage))
		if err := DefaultPipeline(h.deps).Execute(context.Background(), job); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !job.Resumed || job.LocalPath != "img/a.png.webp" {
			t.Errorf("expected resume from img/a.png.webp, got resumed=%v path=%s", job.Resumed, job.LocalPath)
		}
	})
}

// TestDefaultPipelineConvert tests WebP conversion and the path change.
func TestDefaultPipelineConvert(t *testing.T) {
	t.Parallel()

	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.SetNRGBA(0, 0, color.NRGBA{A: 0})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("setup: %v", err)
	}

	h := newHarness(t, "https://example.com/")
	h.deps.Transcoder = transcode.New()
	h.serve(t, "https://example.com/img/logo.png", "image/png", buf.String())

	job := NewJob(taskFor(t, "https://example.com/img/logo.png", 1, model.KindImage))
	if err := DefaultPipeline(h.deps).Execute(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.LocalPath != "img/logo.png.webp" {
		t.Errorf("expected img/logo.png.webp, got %s", job.LocalPath)
	}
	if job.Conversion == nil || !job.Conversion.Alpha || job.Conversion.OriginalPath != "img/logo.png" {
		t.Errorf("unexpected conversion record %+v", job.Conversion)
	}
	if transcode.DetectFormat(h.storage.files["img/logo.png.webp"]) != transcode.FormatWebP {
		t.Error("expected webp bytes on disk")
	}
	entry, _ := h.cache.Lookup(job.Task.Key)
	if entry.LocalPath != "img/logo.png.webp" {
		t.Errorf("expected cache to point at the webp file, got %s", entry.LocalPath)
	}
}

// TestDefaultPipelineRedirect tests that redirects are reported and the
// final URL is the resolution base.
func TestDefaultPipelineRedirect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "https://example.com/")
	h.fetcher.responses["https://example.com/old"] = &fetch.Response{
		Body:        []byte(`<img src="pic.png">`),
		ContentType: "text/html",
		FinalURL:    mustURL(t, "https://example.com/new/"),
		StatusCode:  200,
	}

	job := NewJob(taskFor(t, "https://example.com/old", 1, model.KindHTML))
	if err := DefaultPipeline(h.deps).Execute(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.discoverer.redirected) != 1 || h.discoverer.redirected[0] != "https://example.com/new/" {
		t.Errorf("expected redirect to be reported, got %v", h.discoverer.redirected)
	}
	if got := h.discoverer.admitted[0].URL.String(); got != "https://example.com/new/pic.png" {
		t.Errorf("expected reference resolved against the final URL, got %s", got)
	}
	if job.LocalPath != "old/index.html" {
		t.Errorf("expected the requested URL to decide the path, got %s", job.LocalPath)
	}
}

// TestClaimStepRetry tests that a retried task keeps its claim.
func TestClaimStepRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "https://example.com/")
	h.serve(t, "https://example.com/app.js", "application/javascript", "x()")

	task := taskFor(t, "https://example.com/app.js", 1, model.KindJavaScript)
	if !h.cache.Acquire(task.Key, model.KindJavaScript).Owner {
		t.Fatal("setup: expected ownership")
	}

	retry := task.Retry(0, task.NotBefore)
	job := NewJob(retry)
	if err := DefaultPipeline(h.deps).Execute(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry, _ := h.cache.Lookup(task.Key)
	if entry.State != cache.StateComplete {
		t.Errorf("expected the retry to complete the entry, got %v", entry.State)
	}
}

// TestClaimStepDuplicate tests that a second claimant does not fetch.
func TestClaimStepDuplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "https://example.com/")
	task := taskFor(t, "https://example.com/app.js", 1, model.KindJavaScript)
	h.cache.Acquire(task.Key, model.KindJavaScript)

	job := NewJob(task)
	if err := DefaultPipeline(h.deps).Execute(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.fetcher.calls) != 0 {
		t.Errorf("expected no fetch, got %v", h.fetcher.calls)
	}
	if len(job.Steps) != 0 {
		t.Errorf("expected halt at claim, got %v", job.Steps)
	}
}
