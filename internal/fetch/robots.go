package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

// robotsTxtPath is the well-known path for robots.txt files.
const robotsTxtPath = "/robots.txt"

// maxRobotsBodyBytes limits the size of robots.txt responses we will read.
const maxRobotsBodyBytes = 512 * 1024

// maxCrawlDelay caps the Crawl-delay honoured from robots.txt.
const maxCrawlDelay = 30 * time.Second

// RobotsChecker fetches, parses and caches robots.txt per origin.
// A missing, failing or unparsable robots.txt allows everything.
type RobotsChecker struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger

	mu    sync.RWMutex
	cache map[string]*robotsEntry
	group singleflight.Group
}

type robotsEntry struct {
	data     *robotstxt.RobotsData
	allowAll bool
}

// NewRobotsChecker creates a RobotsChecker using client for robots.txt requests.
func NewRobotsChecker(client *http.Client, userAgent string, logger *slog.Logger) *RobotsChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RobotsChecker{
		httpClient: client,
		userAgent:  userAgent,
		logger:     logger,
		cache:      make(map[string]*robotsEntry),
	}
}

// Allowed reports whether u may be fetched. Concurrent callers for the same
// origin share a single robots.txt request.
func (r *RobotsChecker) Allowed(ctx context.Context, u *url.URL) bool {
	entry := r.entry(ctx, u)
	if entry.allowAll {
		return true
	}
	return entry.data.TestAgent(u.RequestURI(), r.userAgent)
}

// CrawlDelay returns the Crawl-delay for u's origin, capped, or 0 when
// robots.txt has not been loaded or sets none.
func (r *RobotsChecker) CrawlDelay(u *url.URL) time.Duration {
	r.mu.RLock()
	entry, ok := r.cache[originKey(u)]
	r.mu.RUnlock()
	if !ok || entry.allowAll || entry.data == nil {
		return 0
	}
	group := entry.data.FindGroup(r.userAgent)
	if group == nil {
		return 0
	}
	return min(group.CrawlDelay, maxCrawlDelay)
}

func (r *RobotsChecker) entry(ctx context.Context, u *url.URL) *robotsEntry {
	key := originKey(u)

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return entry
	}

	v, _, _ := r.group.Do(key, func() (any, error) {
		e := r.fetch(ctx, key)
		if ctx.Err() == nil {
			r.mu.Lock()
			r.cache[key] = e
			r.mu.Unlock()
		}
		return e, nil
	})
	return v.(*robotsEntry)
}

func (r *RobotsChecker) fetch(ctx context.Context, origin string) *robotsEntry {
	allowAll := &robotsEntry{allowAll: true}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+robotsTxtPath, http.NoBody)
	if err != nil {
		return allowAll
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Debug("robots.txt unavailable", "origin", origin, "error", err)
		return allowAll
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return allowAll
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBodyBytes))
	if err != nil {
		return allowAll
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		r.logger.Debug("robots.txt unparsable", "origin", origin, "error", err)
		return allowAll
	}
	return &robotsEntry{data: data}
}

func originKey(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
