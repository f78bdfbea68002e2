package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/sitemirror/internal/model"
)

func newTestClient(t *testing.T, opts ClientOptions) *http.Client {
	t.Helper()
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	client, err := NewHTTPClient(opts)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", raw, err)
	}
	return u
}

func newSiteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>ua=" + r.UserAgent() + "</html>"))
	})
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new/", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("new"))
	})
	mux.HandleFunc("/private/secret", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("secret"))
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})
	mux.HandleFunc("/unavailable", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte("slow"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// TestFetchSuccess tests a plain retrieval.
func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t)
	f := New(newTestClient(t, ClientOptions{FollowRedirects: true}), WithUserAgent("TestMirror/1.0"))

	resp, err := f.Fetch(context.Background(), mustParse(t, srv.URL+"/page"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != "<html>ua=TestMirror/1.0</html>" {
		t.Errorf("unexpected body %q", resp.Body)
	}
	if !strings.HasPrefix(resp.ContentType, "text/html") {
		t.Errorf("expected text/html, got %q", resp.ContentType)
	}
	if resp.FinalURL.Path != "/page" {
		t.Errorf("expected final path /page, got %s", resp.FinalURL.Path)
	}
}

// TestFetchRedirects tests both redirect policies.
func TestFetchRedirects(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t)

	t.Run("followed", func(t *testing.T) {
		t.Parallel()
		f := New(newTestClient(t, ClientOptions{FollowRedirects: true}))
		resp, err := f.Fetch(context.Background(), mustParse(t, srv.URL+"/old"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.FinalURL.Path != "/new/" {
			t.Errorf("expected final URL /new/, got %s", resp.FinalURL)
		}
	})

	t.Run("not followed", func(t *testing.T) {
		t.Parallel()
		f := New(newTestClient(t, ClientOptions{FollowRedirects: false}))
		_, err := f.Fetch(context.Background(), mustParse(t, srv.URL+"/old"))
		var se *StatusError
		if !errors.As(err, &se) || se.Code != http.StatusMovedPermanently {
			t.Errorf("expected 301 status error, got %v", err)
		}
	})
}

// TestFetchRobots tests robots.txt enforcement and bypass.
func TestFetchRobots(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t)
	secret := mustParse(t, srv.URL+"/private/secret")

	f := New(newTestClient(t, ClientOptions{}))
	if _, err := f.Fetch(context.Background(), secret); !errors.Is(err, ErrRobotsDisallowed) {
		t.Errorf("expected ErrRobotsDisallowed, got %v", err)
	}
	if Reason(ErrRobotsDisallowed) != model.ReasonRobots {
		t.Error("expected robots reason")
	}

	ignoring := New(newTestClient(t, ClientOptions{}), WithIgnoreRobots(true))
	if _, err := ignoring.Fetch(context.Background(), secret); err != nil {
		t.Errorf("expected robots to be ignored, got %v", err)
	}
}

// TestRobotsFetchedOnce tests that concurrent checks share one robots.txt request.
func TestRobotsFetchedOnce(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			time.Sleep(20 * time.Millisecond)
			_, _ = w.Write([]byte("User-agent: *\nCrawl-delay: 2\nDisallow: /no\n"))
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	rc := NewRobotsChecker(newTestClient(t, ClientOptions{}), "TestMirror", nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !rc.Allowed(context.Background(), mustParse(t, srv.URL+"/yes")) {
				t.Error("expected /yes to be allowed")
			}
		}()
	}
	wg.Wait()

	if hits.Load() != 1 {
		t.Errorf("expected 1 robots.txt request, got %d", hits.Load())
	}
	if rc.Allowed(context.Background(), mustParse(t, srv.URL+"/no")) {
		t.Error("expected /no to be disallowed")
	}
	if d := rc.CrawlDelay(mustParse(t, srv.URL+"/")); d != 2*time.Second {
		t.Errorf("expected crawl delay 2s, got %v", d)
	}
}

// TestRobotsFailOpen tests that a missing robots.txt allows everything.
func TestRobotsFailOpen(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	rc := NewRobotsChecker(newTestClient(t, ClientOptions{}), "TestMirror", nil)
	if !rc.Allowed(context.Background(), mustParse(t, srv.URL+"/anything")) {
		t.Error("expected allow-all when robots.txt is missing")
	}
	if rc.CrawlDelay(mustParse(t, srv.URL+"/")) != 0 {
		t.Error("expected no crawl delay")
	}
}

// TestFetchErrors tests error classification.
func TestFetchErrors(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t)
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	testCases := []struct {
		name      string
		fetcher   *Fetcher
		rawURL    string
		expected  error
		reason    model.Reason
		transient bool
	}{
		{"not found", New(newTestClient(t, ClientOptions{}), WithIgnoreRobots(true)), srv.URL + "/missing", ErrHTTPStatus, model.ReasonHTTPStatus, false},
		{"server error", New(newTestClient(t, ClientOptions{}), WithIgnoreRobots(true)), srv.URL + "/unavailable", ErrHTTPStatus, model.ReasonHTTPStatus, true},
		{"too large", New(newTestClient(t, ClientOptions{}), WithIgnoreRobots(true), WithMaxBodySize(1024)), srv.URL + "/big", ErrBodyTooLarge, model.ReasonTooLarge, false},
		{"timeout", New(newTestClient(t, ClientOptions{Timeout: 50 * time.Millisecond}), WithIgnoreRobots(true)), srv.URL + "/slow", ErrTimeout, model.ReasonTimeout, true},
		{"unreachable", New(newTestClient(t, ClientOptions{}), WithIgnoreRobots(true)), closedURL + "/", ErrUnreachable, model.ReasonUnreachable, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := tc.fetcher.Fetch(context.Background(), mustParse(t, tc.rawURL))
			if !errors.Is(err, tc.expected) {
				t.Fatalf("expected %v, got %v", tc.expected, err)
			}
			if got := Reason(err); got != tc.reason {
				t.Errorf("expected reason %s, got %s", tc.reason, got)
			}
			if got := IsTransient(err); got != tc.transient {
				t.Errorf("expected transient=%v, got %v", tc.transient, got)
			}
		})
	}
}

// TestFetchCancelled tests that a cancelled context is returned unchanged.
func TestFetchCancelled(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t)
	f := New(newTestClient(t, ClientOptions{}), WithIgnoreRobots(true))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Fetch(ctx, mustParse(t, srv.URL+"/page"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if IsTransient(err) {
		t.Error("expected cancellation not to be retried")
	}
}

// TestSiteHeaders tests that site credentials only reach the configured host.
func TestSiteHeaders(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := map[string]string{}
	handler := func(name string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			seen[name] = r.Header.Get("Cookie") + "|" + r.Header.Get("X-Token")
			mu.Unlock()
			_, _ = w.Write([]byte("ok"))
		}
	}
	seed := httptest.NewServer(handler("seed"))
	t.Cleanup(seed.Close)
	other := httptest.NewServer(handler("other"))
	t.Cleanup(other.Close)

	seedURL := mustParse(t, seed.URL)
	client := newTestClient(t, ClientOptions{Site: &SiteHeaders{
		Host:    seedURL.Host,
		Cookie:  "session=abc",
		Headers: map[string]string{"X-Token": "t1"},
	}})
	f := New(client, WithIgnoreRobots(true))

	if _, err := f.Fetch(context.Background(), mustParse(t, seed.URL+"/")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.Fetch(context.Background(), mustParse(t, other.URL+"/")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if seen["seed"] != "session=abc|t1" {
		t.Errorf("expected credentials on seed host, got %q", seen["seed"])
	}
	if seen["other"] != "|" {
		t.Errorf("expected no credentials on other host, got %q", seen["other"])
	}
}

// TestHostLimiter tests per-host spacing.
func TestHostLimiter(t *testing.T) {
	t.Parallel()

	l := NewHostLimiter(50 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx, "example.com", 0); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("expected at least two intervals, got %v", elapsed)
	}

	// Other hosts are not delayed by example.com.
	start = time.Now()
	if err := l.Wait(ctx, "other.example", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 40*time.Millisecond {
		t.Error("expected first request to another host to start immediately")
	}

	var nilLimiter *HostLimiter
	if err := nilLimiter.Wait(ctx, "example.com", time.Hour); err != nil {
		t.Errorf("expected nil limiter to be a no-op, got %v", err)
	}
}

// TestNewHTTPClientProxy tests proxy configuration.
func TestNewHTTPClientProxy(t *testing.T) {
	t.Parallel()

	valid := []string{"socks5://127.0.0.1:9050", "socks5h://127.0.0.1:9050", "http://proxy.local:3128"}
	for _, p := range valid {
		if _, err := NewHTTPClient(ClientOptions{Proxy: p}); err != nil {
			t.Errorf("%s: unexpected error: %v", p, err)
		}
	}

	invalid := []string{"ftp://proxy.local:21", "not a url", "socks5://"}
	for _, p := range invalid {
		if _, err := NewHTTPClient(ClientOptions{Proxy: p}); !errors.Is(err, ErrInvalidProxy) {
			t.Errorf("%s: expected ErrInvalidProxy, got %v", p, err)
		}
	}
}
