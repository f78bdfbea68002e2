// Package cache implements the download cache: a concurrency-safe map from
// canonical URL to local path and lifecycle state.
//
// Every key moves Pending -> Downloading -> Complete|Failed exactly once.
// Acquire is the single check-and-claim point: one caller becomes the owner
// of the download, every other caller gets a Claim whose Wait returns the
// owner's published result. A pending key whose local file already exists
// on disk is completed without a download (cold-cache resume).
package cache
