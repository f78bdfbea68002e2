// Package model defines the data structures shared by the mirror components.
//
// The main types are:
//   - ResourceKind: the closed classification of mirrored resources
//   - Task: one unit of crawl work (URL, depth, priority, retry count)
//   - Reference: a URL found inside an HTML or CSS document, with its byte span
//   - ConversionRecord: an image that was transcoded to WebP
//   - Summary: the per-crawl tally of fetched, skipped and failed resources
//
// Models live in their own package so the crawler, pipeline, report and
// database packages can share them without import cycles.
package model
