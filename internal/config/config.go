package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"

	"github.com/nao1215/sitemirror/internal/model"
)

// Default configuration values.
const (
	// AppName is the application name used for XDG directory paths.
	AppName = "sitemirror"

	// DefaultOutputDir is where mirrors are written when -o is not given.
	DefaultOutputDir = "./mirrored_site"

	// DefaultMaxDepth follows links three hops from the seed. 0 means unlimited.
	DefaultMaxDepth = 3

	// DefaultConcurrency is the number of crawl workers per seed.
	DefaultConcurrency = 10

	// DefaultTimeout bounds one request, body read included.
	DefaultTimeout = 30 * time.Second

	// DefaultUserAgent identifies the crawler in HTTP requests.
	DefaultUserAgent = "WebsiteMirror/1.0"

	// DefaultMaxRetries is how often a transient failure is retried.
	DefaultMaxRetries = 3

	// DefaultRetryBackoff is the first retry delay. It doubles per attempt.
	DefaultRetryBackoff = 500 * time.Millisecond

	// DefaultCrawlDelay is the minimum interval between requests to one host.
	DefaultCrawlDelay = time.Duration(0)

	// DefaultMaxBodySize caps a single response body.
	DefaultMaxBodySize = 256 * 1024 * 1024 // 256MiB

	// DefaultWebPQuality is the lossy WebP quality for JPEG sources.
	DefaultWebPQuality = 80

	// DefaultBatchSize mirrors one seed at a time.
	DefaultBatchSize = 1

	// FullMirrorConcurrency is the worker count of the full-mirror preset.
	FullMirrorConcurrency = 100
)

// Config holds all options of one sitemirror invocation.
// It is populated from CLI flags and the optional site file, then passed
// down explicitly; nothing reads it from global state.
type Config struct {
	// Seeds are the URLs to mirror. Each seed is an independent crawl.
	Seeds []string

	// OutputDir is the mirror root. With several seeds every mirror goes to
	// a per-host subdirectory.
	OutputDir string

	// MaxDepth bounds the link distance from the seed. 0 means unlimited.
	MaxDepth int

	// Concurrency is the number of workers of one crawl.
	Concurrency int

	// IgnoreRobots disables robots.txt checks and Crawl-delay.
	IgnoreRobots bool

	// DownloadExternal allows assets from other domains. HTML pages on
	// other domains are never crawled.
	DownloadExternal bool

	// SameSite treats every host of the seed's registrable domain as the
	// seed's own domain.
	SameSite bool

	// OnlyResources restricts persisted kinds. Empty means all kinds.
	OnlyResources []model.ResourceKind

	// ConvertToWebP transcodes JPEG and PNG images to WebP.
	ConvertToWebP bool

	// WebPQuality is the lossy quality used for JPEG sources.
	WebPQuality int

	// UserAgent is the User-Agent header sent with every request.
	UserAgent string

	// FollowRedirects follows HTTP 3xx responses.
	FollowRedirects bool

	// Timeout bounds one request.
	Timeout time.Duration

	// MaxRetries is how often a transient failure is retried.
	MaxRetries int

	// RetryBackoff is the first retry delay.
	RetryBackoff time.Duration

	// CrawlDelay is the minimum interval between requests to one host.
	CrawlDelay time.Duration

	// MaxBodySize caps a response body. 0 means no limit.
	MaxBodySize int64

	// Proxy is an optional proxy URL (socks5://, http://).
	Proxy string

	// BatchSize is the number of seeds mirrored concurrently.
	BatchSize int

	// Verbose enables debug logging.
	Verbose bool

	// LogJSON switches logs to JSON lines.
	LogJSON bool

	// JSONReport and MarkdownReport select the report format.
	// Both false means plain text. They are mutually exclusive.
	JSONReport     bool
	MarkdownReport bool

	// ReportFile receives the report instead of stdout when set.
	ReportFile string

	// ConfigFilePath is an explicit site file path from --config.
	ConfigFilePath string

	// SiteConfigs holds the parsed site file, if any.
	SiteConfigs *File

	// DBDir is the directory of the manifest database.
	DBDir string

	// SaveManifest records every run in the manifest database.
	SaveManifest bool

	// MetricsAddr serves Prometheus metrics when set (for example ":9090").
	MetricsAddr string
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		OutputDir:       DefaultOutputDir,
		MaxDepth:        DefaultMaxDepth,
		Concurrency:     DefaultConcurrency,
		WebPQuality:     DefaultWebPQuality,
		UserAgent:       DefaultUserAgent,
		FollowRedirects: true,
		Timeout:         DefaultTimeout,
		MaxRetries:      DefaultMaxRetries,
		RetryBackoff:    DefaultRetryBackoff,
		CrawlDelay:      DefaultCrawlDelay,
		MaxBodySize:     DefaultMaxBodySize,
		BatchSize:       DefaultBatchSize,
		DBDir:           XDGDataDir(),
		SaveManifest:    true,
	}
}

// ApplyFullMirror switches to the full-mirror preset: unlimited depth,
// FullMirrorConcurrency workers, robots.txt ignored and external assets
// downloaded.
func (c *Config) ApplyFullMirror() {
	c.MaxDepth = 0
	c.Concurrency = FullMirrorConcurrency
	c.IgnoreRobots = true
	c.DownloadExternal = true
}

// SiteFor returns the site file settings for the seed's host.
// The zero SiteConfig is returned when no site file was loaded.
func (c *Config) SiteFor(seed *url.URL) SiteConfig {
	if c.SiteConfigs == nil || seed == nil {
		return SiteConfig{}
	}
	return c.SiteConfigs.GetSiteConfig(seed.Hostname())
}

// EffectiveDepth returns the site depth override when set, MaxDepth otherwise.
func (c *Config) EffectiveDepth(site SiteConfig) int {
	if site.Depth > 0 {
		return site.Depth
	}
	return c.MaxDepth
}

// ParseResourceKinds parses a comma-separated kind list as given to
// --only-resources. Duplicates are dropped.
func ParseResourceKinds(values []string) ([]model.ResourceKind, error) {
	seen := make(map[model.ResourceKind]bool)
	var kinds []model.ResourceKind
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			k, err := model.ParseResourceKind(part)
			if err != nil {
				return nil, err
			}
			if !seen[k] {
				seen[k] = true
				kinds = append(kinds, k)
			}
		}
	}
	if len(kinds) == 0 {
		return nil, ErrNoResourceKinds
	}
	return kinds, nil
}

// XDGDataDir returns the XDG data directory for sitemirror.
// On Linux: ~/.local/share/sitemirror
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGConfigDir returns the XDG config directory for sitemirror.
// On Linux: ~/.config/sitemirror
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// Validate checks if the configuration is valid.
// It returns the first problem found.
func (c *Config) Validate() error {
	if len(c.Seeds) == 0 {
		return ErrNoSeed
	}
	for _, s := range c.Seeds {
		if _, err := ParseSeed(s); err != nil {
			return err
		}
	}

	if strings.TrimSpace(c.OutputDir) == "" {
		return ErrNoOutputDir
	}
	if c.MaxDepth < 0 {
		return ErrInvalidDepth
	}
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}
	if c.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.MaxRetries < 0 {
		return ErrInvalidRetries
	}
	if c.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if c.CrawlDelay < 0 {
		return ErrInvalidCrawlDelay
	}
	if c.MaxBodySize < 0 {
		return ErrInvalidMaxBodySize
	}
	if c.WebPQuality < 1 || c.WebPQuality > 100 {
		return ErrInvalidWebPQuality
	}
	if c.JSONReport && c.MarkdownReport {
		return ErrConflictingReportFormats
	}
	return nil
}

// ParseSeed parses a seed URL. Only absolute http and https URLs are accepted.
// The fragment is dropped.
func ParseSeed(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidSeed, raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSeed, raw)
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}
