package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// DefaultMaxRedirects bounds redirect chains when redirects are followed.
const DefaultMaxRedirects = 10

// ClientOptions configures the HTTP client shared by all workers of a crawl.
type ClientOptions struct {
	// Timeout is the per-request timeout, body read included.
	Timeout time.Duration

	// FollowRedirects enables following 3xx responses.
	FollowRedirects bool

	// MaxRedirects bounds a redirect chain. Zero means DefaultMaxRedirects.
	MaxRedirects int

	// Proxy is an optional proxy URL: socks5://, socks5h://, http:// or https://.
	Proxy string

	// MaxConnsPerHost bounds idle connections kept per host.
	MaxConnsPerHost int

	// Site carries credentials sent only to one host.
	Site *SiteHeaders
}

// SiteHeaders are extra request headers and a cookie for a single host,
// typically the seed host configured in the site file.
type SiteHeaders struct {
	Host    string
	Cookie  string
	Headers map[string]string
}

// NewHTTPClient creates the HTTP client used for pages, assets and robots.txt.
// TLS uses the system roots.
func NewHTTPClient(opts ClientOptions) (*http.Client, error) {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, fmt.Errorf("unexpected default transport %T", http.DefaultTransport)
	}
	transport := base.Clone()
	if opts.MaxConnsPerHost > 0 {
		transport.MaxIdleConnsPerHost = opts.MaxConnsPerHost
	}

	if opts.Proxy != "" {
		if err := configureProxy(transport, opts.Proxy); err != nil {
			return nil, err
		}
	}

	var rt http.RoundTripper = transport
	if opts.Site != nil && opts.Site.Host != "" && (opts.Site.Cookie != "" || len(opts.Site.Headers) > 0) {
		rt = &headerInjectingTransport{
			base:    transport,
			host:    strings.ToLower(opts.Site.Host),
			cookie:  opts.Site.Cookie,
			headers: opts.Site.Headers,
		}
	}

	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}

	return &http.Client{
		Transport: rt,
		Timeout:   opts.Timeout,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if !opts.FollowRedirects {
				return http.ErrUseLastResponse
			}
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}, nil
}

func configureProxy(transport *http.Transport, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidProxy, raw)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProxy, err)
		}
		transport.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidProxy, u.Scheme)
	}
	return nil
}

// headerInjectingTransport adds the site cookie and headers to requests for
// one host. Requests to any other host are passed through untouched.
type headerInjectingTransport struct {
	base    http.RoundTripper
	host    string
	cookie  string
	headers map[string]string
}

// RoundTrip implements http.RoundTripper.
func (t *headerInjectingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !strings.EqualFold(req.URL.Host, t.host) && !strings.EqualFold(req.URL.Hostname(), t.host) {
		return t.base.RoundTrip(req)
	}

	clone := req.Clone(req.Context())
	if t.cookie != "" {
		if existing := clone.Header.Get("Cookie"); existing != "" {
			clone.Header.Set("Cookie", existing+"; "+t.cookie)
		} else {
			clone.Header.Set("Cookie", t.cookie)
		}
	}
	for key, value := range t.headers {
		clone.Header.Set(key, value)
	}
	return t.base.RoundTrip(clone)
}
