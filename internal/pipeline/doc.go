// Package pipeline runs the per-resource processing chain of a crawl.
//
// Every crawl task is carried through the same ordered steps by one worker:
// claim, fetch, classify, extract, convert, rewrite and persist. Each step
// receives the Job built by the previous ones and may end the chain early
// with ErrHalt. Errors returned by a step abort the job and are classified
// by the caller.
//
// BatchProcessor mirrors several seeds concurrently, one crawl per seed.
package pipeline
