package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/sitemirror/internal/config"
	"github.com/nao1215/sitemirror/internal/crawler"
	"github.com/nao1215/sitemirror/internal/database"
	"github.com/nao1215/sitemirror/internal/fetch"
	"github.com/nao1215/sitemirror/internal/log"
	"github.com/nao1215/sitemirror/internal/metrics"
	"github.com/nao1215/sitemirror/internal/model"
	"github.com/nao1215/sitemirror/internal/pipeline"
	"github.com/nao1215/sitemirror/internal/report"
	"github.com/nao1215/sitemirror/internal/store"
	"github.com/nao1215/sitemirror/internal/transcode"
	"github.com/nao1215/sitemirror/internal/urlpath"
)

// errCancelled is returned when the mirror was interrupted.
var errCancelled = errors.New("mirror cancelled; run the same command again to resume")

// NewMirrorCmd creates the mirror command.
func NewMirrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror <url>...",
		Short: "Mirror one or more websites into a local directory",
		Long: `Mirror downloads a website starting from each seed URL and rewrites every
link so the copy can be browsed offline.

Pages on the seed's domain are followed up to --max-depth. Assets on other
domains are only fetched with --download-external; pages on other domains are
never crawled. robots.txt is honored unless --ignore-robots is given.

Running the same command again resumes an interrupted mirror: resources
already on disk are not downloaded again.

Examples:
  # Mirror a site three links deep
  sitemirror mirror https://example.com

  # Everything, regardless of depth, robots.txt or domain
  sitemirror mirror --full-mirror https://example.com

  # Images only, converted to WebP
  sitemirror mirror --only-resources images --convert-to-webp https://example.com

  # Two sites at once, each under ./mirrors/<host>
  sitemirror mirror -o mirrors --batch 2 https://a.example https://b.example

  # Markdown report to a file, Prometheus metrics on :9090
  sitemirror mirror --markdown --report report.md --metrics-addr :9090 https://example.com`,
		Args: cobra.ArbitraryArgs,
		RunE: runMirrorCmd,
	}

	// Output
	cmd.Flags().StringP("output-dir", "o", config.DefaultOutputDir,
		"Directory the mirror is written to")

	// Crawl scope
	cmd.Flags().IntP("max-depth", "d", config.DefaultMaxDepth,
		"Maximum link depth from the seed (0 = unlimited)")
	cmd.Flags().IntP("max-concurrent", "c", config.DefaultConcurrency,
		"Number of concurrent downloads per site")
	cmd.Flags().BoolP("ignore-robots", "r", false,
		"Ignore robots.txt rules and Crawl-delay")
	cmd.Flags().BoolP("download-external", "e", false,
		"Download assets hosted on other domains")
	cmd.Flags().Bool("same-site", false,
		"Treat every subdomain of the seed's registrable domain as the same domain")
	cmd.Flags().StringSlice("only-resources", nil,
		"Only save these kinds: html, css, js, images, fonts, pdf, video, other")
	cmd.Flags().Bool("full-mirror", false,
		"Unlimited depth, 100 workers, robots.txt ignored, external assets downloaded")

	// Images
	cmd.Flags().Bool("convert-to-webp", false,
		"Convert JPEG and PNG images to WebP")
	cmd.Flags().Int("webp-quality", config.DefaultWebPQuality,
		"WebP quality for JPEG sources (1-100)")

	// Requests
	cmd.Flags().String("user-agent", config.DefaultUserAgent,
		"User-Agent header")
	cmd.Flags().Bool("follow-redirects", true,
		"Follow HTTP redirects")
	cmd.Flags().DurationP("timeout", "t", config.DefaultTimeout,
		"Timeout for each request")
	cmd.Flags().Int("retries", config.DefaultMaxRetries,
		"Retries for timeouts, connection errors and 5xx responses")
	cmd.Flags().Duration("delay", config.DefaultCrawlDelay,
		"Minimum interval between requests to one host")
	cmd.Flags().Int64("max-body-size", config.DefaultMaxBodySize,
		"Maximum response size in bytes (0 = unlimited)")
	cmd.Flags().String("proxy", "",
		"Proxy URL (socks5://host:port or http://host:port)")

	// Site file and batch
	cmd.Flags().String("config", "",
		"Site configuration file (default: .sitemirror in current or home directory)")
	cmd.Flags().IntP("batch", "b", config.DefaultBatchSize,
		"Number of seeds mirrored concurrently")

	// Reporting
	cmd.Flags().BoolP("json", "j", false,
		"Output JSON report (mutually exclusive with --markdown)")
	cmd.Flags().BoolP("markdown", "m", false,
		"Output Markdown report (mutually exclusive with --json)")
	cmd.Flags().String("report", "",
		"Write the report to this file instead of stdout")
	cmd.Flags().Bool("no-manifest", false,
		"Do not record the run in the manifest database")
	cmd.Flags().String("db-dir", config.XDGDataDir(),
		"Directory of the manifest database")
	cmd.Flags().String("metrics-addr", "",
		"Serve Prometheus metrics on this address while mirroring (e.g. :9090)")
	cmd.Flags().Bool("log-json", false,
		"Write logs as JSON lines")

	return cmd
}

func runMirrorCmd(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd, args)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if err := cfg.Load(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := setupLogger(cmd.ErrOrStderr(), cfg)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Warn("received shutdown signal, cancelling...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return runMirror(ctx, cfg, logger, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// getVerboseFlag retrieves the verbose flag from the command or its parent.
func getVerboseFlag(cmd *cobra.Command) bool {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		verbose, err = cmd.Root().PersistentFlags().GetBool("verbose")
		if err != nil {
			return false
		}
	}
	return verbose
}

// buildConfig creates a Config from cobra command flags.
// --full-mirror sets the preset first; flags given explicitly still win.
func buildConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.NewConfig()
	flags := cmd.Flags()

	fullMirror, err := flags.GetBool("full-mirror")
	if err != nil {
		return nil, err
	}
	if fullMirror {
		cfg.ApplyFullMirror()
	}
	explicit := func(name string) bool { return !fullMirror || flags.Changed(name) }

	if explicit("max-depth") {
		if cfg.MaxDepth, err = flags.GetInt("max-depth"); err != nil {
			return nil, err
		}
	}
	if explicit("max-concurrent") {
		if cfg.Concurrency, err = flags.GetInt("max-concurrent"); err != nil {
			return nil, err
		}
	}
	if explicit("ignore-robots") {
		if cfg.IgnoreRobots, err = flags.GetBool("ignore-robots"); err != nil {
			return nil, err
		}
	}
	if explicit("download-external") {
		if cfg.DownloadExternal, err = flags.GetBool("download-external"); err != nil {
			return nil, err
		}
	}

	if cfg.OutputDir, err = flags.GetString("output-dir"); err != nil {
		return nil, err
	}
	if cfg.SameSite, err = flags.GetBool("same-site"); err != nil {
		return nil, err
	}
	only, err := flags.GetStringSlice("only-resources")
	if err != nil {
		return nil, err
	}
	if flags.Changed("only-resources") {
		if cfg.OnlyResources, err = config.ParseResourceKinds(only); err != nil {
			return nil, err
		}
	}

	if cfg.ConvertToWebP, err = flags.GetBool("convert-to-webp"); err != nil {
		return nil, err
	}
	if cfg.WebPQuality, err = flags.GetInt("webp-quality"); err != nil {
		return nil, err
	}

	if cfg.UserAgent, err = flags.GetString("user-agent"); err != nil {
		return nil, err
	}
	if cfg.FollowRedirects, err = flags.GetBool("follow-redirects"); err != nil {
		return nil, err
	}
	if cfg.Timeout, err = flags.GetDuration("timeout"); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = flags.GetInt("retries"); err != nil {
		return nil, err
	}
	if cfg.CrawlDelay, err = flags.GetDuration("delay"); err != nil {
		return nil, err
	}
	if cfg.MaxBodySize, err = flags.GetInt64("max-body-size"); err != nil {
		return nil, err
	}
	if cfg.Proxy, err = flags.GetString("proxy"); err != nil {
		return nil, err
	}

	if cfg.ConfigFilePath, err = flags.GetString("config"); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = flags.GetInt("batch"); err != nil {
		return nil, err
	}

	if cfg.JSONReport, err = flags.GetBool("json"); err != nil {
		return nil, err
	}
	if cfg.MarkdownReport, err = flags.GetBool("markdown"); err != nil {
		return nil, err
	}
	if cfg.ReportFile, err = flags.GetString("report"); err != nil {
		return nil, err
	}
	noManifest, err := flags.GetBool("no-manifest")
	if err != nil {
		return nil, err
	}
	cfg.SaveManifest = !noManifest
	if cfg.DBDir, err = flags.GetString("db-dir"); err != nil {
		return nil, err
	}
	if cfg.MetricsAddr, err = flags.GetString("metrics-addr"); err != nil {
		return nil, err
	}
	if cfg.LogJSON, err = flags.GetBool("log-json"); err != nil {
		return nil, err
	}

	cfg.Verbose = getVerboseFlag(cmd)
	cfg.Seeds = args
	return cfg, nil
}

// setupLogger creates the secure logger selected by cfg.
func setupLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	if cfg.LogJSON {
		return log.NewSecureJSONLogger(w, cfg.Verbose)
	}
	return log.NewSecureLogger(w, cfg.Verbose)
}

// runMirror mirrors every seed, prints the report and records the runs.
func runMirror(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout, stderr io.Writer) error {
	collector := metrics.New()
	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cfg.MetricsAddr, collector, logger)
		defer stop()
	}

	var db *database.Manifest
	if cfg.SaveManifest {
		var err error
		db, err = database.Open(cfg.DBDir, database.DefaultOptions())
		if err != nil {
			return fmt.Errorf("failed to open manifest: %w", err)
		}
		defer db.Close()
		logger.Debug("manifest opened", "path", db.Path())
	}

	m := &mirrorer{cfg: cfg, logger: logger, metrics: collector, db: db, progress: stderr}
	bp := pipeline.NewBatchProcessor(m.mirror,
		pipeline.WithConcurrency(cfg.BatchSize),
		pipeline.WithBatchLogger(logger),
	)

	start := time.Now()
	summaries, batchErr := bp.ProcessBatch(ctx, cfg.Seeds)
	if len(cfg.Seeds) > 1 {
		fmt.Fprintf(stderr, "Mirrored %d sites in %s\n", len(cfg.Seeds), time.Since(start).Round(time.Millisecond))
	}

	if err := outputReport(cfg, summaries, stdout); err != nil {
		logger.Error("report failed", "error", err)
	}

	if ctx.Err() != nil {
		return errCancelled
	}
	return batchErr
}

// mirrorer builds and runs one crawl per seed.
type mirrorer struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Collector
	db       *database.Manifest
	progress io.Writer
}

// mirror implements pipeline.MirrorFunc.
func (m *mirrorer) mirror(ctx context.Context, seed string) (*model.Summary, error) {
	seedURL, err := config.ParseSeed(seed)
	if err != nil {
		return nil, err
	}
	logger := m.logger.With("seed", seedURL.String())

	outDir := m.cfg.OutputDir
	if len(m.cfg.Seeds) > 1 {
		outDir = filepath.Join(outDir, urlpath.HostBucket(seedURL))
	}
	st, err := store.New(outDir)
	if err != nil {
		return nil, err
	}

	site := m.cfg.SiteFor(seedURL)
	client, err := fetch.NewHTTPClient(fetch.ClientOptions{
		Timeout:         m.cfg.Timeout,
		FollowRedirects: m.cfg.FollowRedirects,
		Proxy:           m.cfg.Proxy,
		MaxConnsPerHost: m.cfg.Concurrency,
		Site: &fetch.SiteHeaders{
			Host:    seedURL.Hostname(),
			Cookie:  site.Cookie,
			Headers: site.Headers,
		},
	})
	if err != nil {
		return nil, err
	}
	fetcher := fetch.New(client,
		fetch.WithUserAgent(m.cfg.UserAgent),
		fetch.WithIgnoreRobots(m.cfg.IgnoreRobots),
		fetch.WithMaxBodySize(m.cfg.MaxBodySize),
		fetch.WithHostDelay(m.cfg.CrawlDelay),
		fetch.WithLogger(logger),
	)

	opts := []crawler.Option{
		crawler.WithMaxDepth(m.cfg.EffectiveDepth(site)),
		crawler.WithConcurrency(m.cfg.Concurrency),
		crawler.WithExternal(m.cfg.DownloadExternal),
		crawler.WithSameSite(m.cfg.SameSite),
		crawler.WithIgnorePatterns(site.IgnorePatterns),
		crawler.WithFollowPatterns(site.FollowPatterns),
		crawler.WithMaxRetries(m.cfg.MaxRetries),
		crawler.WithRetryBackoff(m.cfg.RetryBackoff),
		crawler.WithLogger(logger),
		crawler.WithMetrics(m.metrics),
	}
	if len(m.cfg.OnlyResources) > 0 {
		opts = append(opts, crawler.WithAllowedKinds(m.cfg.OnlyResources))
	}
	if m.cfg.ConvertToWebP {
		opts = append(opts, crawler.WithTranscoder(transcode.New(
			transcode.WithQuality(m.cfg.WebPQuality),
			transcode.WithLogger(logger),
		)))
	}

	fmt.Fprintf(m.progress, "Mirroring %s into %s...\n", seedURL, st.Root())
	sched := crawler.New(seedURL, fetcher, st, opts...)
	summary, runErr := sched.Run(ctx)

	if m.db != nil && summary != nil {
		// The run is recorded even when it was cancelled.
		id, err := m.db.SaveRun(context.WithoutCancel(ctx), summary, sched.Resources())
		if err != nil {
			logger.Error("failed to record run", "error", err)
		} else {
			logger.Debug("run recorded", "run", id)
		}
	}
	return summary, runErr
}

// serveMetrics starts the Prometheus endpoint and returns its shutdown func.
func serveMetrics(addr string, c *metrics.Collector, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx) //nolint:errcheck // best effort on exit
	}
}

// outputReport writes the report in the requested format to the report file
// or to stdout.
func outputReport(cfg *config.Config, summaries []*model.Summary, stdout io.Writer) error {
	output := stdout
	if cfg.ReportFile != "" {
		if dir := filepath.Dir(cfg.ReportFile); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("failed to create report directory: %w", err)
			}
		}
		f, err := os.OpenFile(cfg.ReportFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("failed to create report file: %w", err)
		}
		defer f.Close()
		output = f
	}

	var w report.Writer
	switch {
	case cfg.JSONReport:
		w = report.NewJSONWriter(output, report.WithPrettyPrint(), report.WithVersion(getVersion()))
	case cfg.MarkdownReport:
		w = report.NewMarkdownWriter(output)
	default:
		w = report.NewSimpleWriter(output, report.WithVerbose(cfg.Verbose))
	}

	var err error
	if len(summaries) == 1 {
		_, err = w.Write(summaries[0])
	} else {
		_, err = w.WriteAll(summaries)
	}
	return err
}
