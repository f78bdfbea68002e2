// Package main provides the entry point for the sitemirror CLI.
//
// sitemirror downloads a website into a local directory that can be browsed
// offline: pages, stylesheets, scripts, images, fonts and media, with every
// reference rewritten to a relative local path.
//
// Usage:
//
//	sitemirror mirror <url>...
//	sitemirror history [seed]
//
// See --help for all available options.
package main

func main() {
	Execute()
}
