package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	// DefaultUserAgent is sent when no user agent is configured.
	DefaultUserAgent = "WebsiteMirror/1.0"

	acceptHeader = "text/html,application/xhtml+xml,text/css,*/*;q=0.8"
)

// Response is a successfully retrieved resource.
type Response struct {
	// Body is the full response body.
	Body []byte

	// ContentType is the Content-Type header value.
	ContentType string

	// FinalURL is the URL after redirects. Relative references inside the
	// document resolve against it.
	FinalURL *url.URL

	// StatusCode is the HTTP status of the final response.
	StatusCode int
}

// Fetcher retrieves one URL per call. It is safe for concurrent use.
type Fetcher struct {
	client       *http.Client
	userAgent    string
	ignoreRobots bool
	maxBodySize  int64
	hostDelay    time.Duration
	logger       *slog.Logger

	robots  *RobotsChecker
	limiter *HostLimiter
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithUserAgent sets the User-Agent header and the robots.txt agent name.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// WithIgnoreRobots disables robots.txt checks and Crawl-delay.
func WithIgnoreRobots(ignore bool) Option {
	return func(f *Fetcher) {
		f.ignoreRobots = ignore
	}
}

// WithMaxBodySize limits response bodies. Zero means unlimited.
func WithMaxBodySize(size int64) Option {
	return func(f *Fetcher) {
		f.maxBodySize = size
	}
}

// WithHostDelay sets the minimum interval between requests to one host.
func WithHostDelay(d time.Duration) Option {
	return func(f *Fetcher) {
		f.hostDelay = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New creates a Fetcher using client, typically built by NewHTTPClient.
func New(client *http.Client, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:    client,
		userAgent: DefaultUserAgent,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.robots = NewRobotsChecker(client, f.userAgent, f.logger)
	f.limiter = NewHostLimiter(f.hostDelay)
	return f
}

// Fetch retrieves u. The error, if any, wraps one of the package sentinels
// or is the context error when ctx was cancelled.
func (f *Fetcher) Fetch(ctx context.Context, u *url.URL) (*Response, error) {
	var crawlDelay time.Duration
	if !f.ignoreRobots {
		if !f.robots.Allowed(ctx, u) {
			return nil, fmt.Errorf("%w: %s", ErrRobotsDisallowed, u)
		}
		crawlDelay = f.robots.CrawlDelay(u)
	}
	if err := f.limiter.Wait(ctx, u.Host, crawlDelay); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", acceptHeader)

	f.logger.Debug("fetching", "url", u.String())
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil, &StatusError{Code: resp.StatusCode, URL: u.String()}
	}
	if f.maxBodySize > 0 && resp.ContentLength > f.maxBodySize {
		return nil, fmt.Errorf("%w: %s declares %d bytes", ErrBodyTooLarge, u, resp.ContentLength)
	}

	body, err := f.readBody(resp.Body)
	if err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			return nil, fmt.Errorf("%w: %s", err, u)
		}
		return nil, classify(ctx, err)
	}

	final := u
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	return &Response{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    final,
		StatusCode:  resp.StatusCode,
	}, nil
}

func (f *Fetcher) readBody(r io.Reader) ([]byte, error) {
	if f.maxBodySize <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, f.maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > f.maxBodySize {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}
