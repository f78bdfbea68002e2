// Package crawler drives a site mirror from one seed URL.
//
// A Scheduler owns all mutable state of a crawl: the priority frontier, the
// visited set, the download cache and the summary. Workers pop tasks from
// the frontier and run each through the per-resource pipeline; references
// discovered in HTML and CSS come back through Admit, which applies the
// admission filters in order (kind allowlist, domain policy, path patterns,
// depth, visited set) before enqueueing a child task.
//
// Nothing is global. Two schedulers can run in the same process.
//
// # Usage
//
//	s := crawler.New(seed, fetcher, store, crawler.WithMaxDepth(3))
//	summary, err := s.Run(ctx)
package crawler
