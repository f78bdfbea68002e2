// Package urlpath translates between remote URLs and mirror-local paths.
//
// Resolve turns a reference found in a document into an absolute URL using
// the document's own final URL as base. Canonical produces the identity key
// used by the visited set and the download cache. Mapper.LocalPath maps an
// absolute URL to a sanitized slash-separated path relative to the mirror
// root, and Relative computes the reference from one local file to another.
//
// All functions are pure; nothing here touches the network or the disk.
package urlpath
