package crawler

import (
	"context"
	"net/url"
	"time"

	"github.com/nao1215/sitemirror/internal/fetch"
	"github.com/nao1215/sitemirror/internal/metrics"
	"github.com/nao1215/sitemirror/internal/pipeline"
)

// instrumentedFetcher reports in-flight fetches and their durations.
type instrumentedFetcher struct {
	next    pipeline.Fetcher
	metrics *metrics.Collector
}

func (f *instrumentedFetcher) Fetch(ctx context.Context, u *url.URL) (*fetch.Response, error) {
	f.metrics.FetchStarted()
	start := time.Now()
	resp, err := f.next.Fetch(ctx, u)
	f.metrics.FetchFinished(time.Since(start), err)
	return resp, err
}
