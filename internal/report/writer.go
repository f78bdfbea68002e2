package report

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/nao1215/sitemirror/internal/model"
)

// Writer defines the interface for report output.
type Writer interface {
	// Write outputs the report of one crawl.
	// Returns the number of bytes written and any error encountered.
	Write(summary *model.Summary) (int, error)

	// WriteAll outputs the reports of a batch of crawls as one document.
	WriteAll(summaries []*model.Summary) (int, error)
}

// MultiWriter writes to multiple Writers simultaneously.
// This is useful for outputting to both terminal and file.
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter creates a Writer that writes to all provided Writers.
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

// Write outputs the report to all configured Writers.
// Stops on first error encountered.
func (m *MultiWriter) Write(summary *model.Summary) (int, error) {
	var total int
	for _, w := range m.writers {
		n, err := w.Write(summary)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WriteAll outputs the batch to all configured Writers.
func (m *MultiWriter) WriteAll(summaries []*model.Summary) (int, error) {
	var total int
	for _, w := range m.writers {
		n, err := w.WriteAll(summaries)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// baseWriter provides common functionality for report writers.
type baseWriter struct {
	output io.Writer
}

// newBaseWriter creates a baseWriter with the given output destination.
func newBaseWriter(output io.Writer) baseWriter {
	return baseWriter{output: output}
}

// kindLabel returns the display name of a resource kind.
func kindLabel(k model.ResourceKind) string {
	switch k {
	case model.KindHTML, model.KindCSS, model.KindJavaScript, model.KindPDF:
		return cases.Upper(language.English).String(k.String())
	default:
		return cases.Title(language.English).String(k.String())
	}
}

// reasonLabel turns "robots-disallowed" into "Robots Disallowed".
func reasonLabel(r model.Reason) string {
	return cases.Title(language.English).String(strings.ReplaceAll(string(r), "-", " "))
}

// statusText describes how a crawl ended.
func statusText(s *model.Summary) string {
	switch {
	case s.Error != "":
		return "Failed: " + s.Error
	case s.Cancelled:
		return "Cancelled (partial mirror)"
	case s.HasProblems():
		return "Complete with problems"
	default:
		return "Complete"
	}
}

// formatBytes renders a byte count with a binary unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// conversionSavings returns the original and converted byte totals.
func conversionSavings(s *model.Summary) (before, after int) {
	for _, c := range s.Conversions {
		before += c.OriginalSize
		after += c.ConvertedSize
	}
	return before, after
}

// reasonsInOrder returns the reasons present in the summary in a stable order.
func reasonsInOrder(s *model.Summary) []model.Reason {
	order := []model.Reason{
		model.ReasonRobots, model.ReasonFiltered, model.ReasonExternal, model.ReasonExcluded,
		model.ReasonUnreachable, model.ReasonTimeout, model.ReasonHTTPStatus, model.ReasonTooLarge,
		model.ReasonWrite, model.ReasonCancelled,
	}
	out := make([]model.Reason, 0, len(s.Reasons))
	for _, r := range order {
		if s.Reasons[r] > 0 {
			out = append(out, r)
		}
	}
	return out
}
