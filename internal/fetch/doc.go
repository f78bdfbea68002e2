// Package fetch performs single HTTP retrievals for the mirror.
//
// A Fetcher checks the host's robots.txt (cached per host), waits for the
// per-host politeness delay, issues one GET and reads the body under a size
// limit. Failures are classified into sentinel errors so the scheduler can
// decide between retry, skip and failure. Retrying is not done here; the
// scheduler re-queues the task with an incremented attempt counter.
package fetch
