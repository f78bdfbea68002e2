// Package report renders crawl summaries.
//
// Three writers share the Writer interface:
//   - SimpleWriter: plain text for the terminal
//   - MarkdownWriter: GitHub-flavored Markdown with a mermaid chart
//   - JSONWriter: structured JSON for scripts
//
// Writers can be combined with MultiWriter.
package report
