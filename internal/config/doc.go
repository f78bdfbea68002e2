// Package config provides the configuration of a sitemirror run: crawl
// limits, domain policy, request settings, report format and the optional
// per-site YAML file.
package config
