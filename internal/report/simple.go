package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nao1215/sitemirror/internal/model"
)

// SimpleWriter outputs human-readable text reports for terminal display.
type SimpleWriter struct {
	baseWriter

	// showEmpty controls whether kinds with no resources are listed.
	showEmpty bool

	// verbose lists each converted image.
	verbose bool
}

// SimpleWriterOption configures a SimpleWriter.
type SimpleWriterOption func(*SimpleWriter)

// WithShowEmpty configures the writer to show empty rows.
func WithShowEmpty(show bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.showEmpty = show
	}
}

// WithVerbose enables verbose output with additional details.
func WithVerbose(verbose bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.verbose = verbose
	}
}

// NewSimpleWriter creates a SimpleWriter that outputs to the given writer.
func NewSimpleWriter(output io.Writer, opts ...SimpleWriterOption) *SimpleWriter {
	w := &SimpleWriter{
		baseWriter: newBaseWriter(output),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write outputs one summary in human-readable format.
func (w *SimpleWriter) Write(summary *model.Summary) (int, error) {
	var sb strings.Builder
	w.writeSummary(&sb, summary)
	w.writeFooter(&sb)
	return w.output.Write([]byte(sb.String()))
}

// WriteAll outputs every summary followed by a single footer.
func (w *SimpleWriter) WriteAll(summaries []*model.Summary) (int, error) {
	var sb strings.Builder
	for _, s := range summaries {
		w.writeSummary(&sb, s)
	}
	w.writeFooter(&sb)
	return w.output.Write([]byte(sb.String()))
}

func (w *SimpleWriter) writeSummary(sb *strings.Builder, s *model.Summary) {
	w.writeHeader(sb, s)
	w.writeKinds(sb, s)
	w.writeReasons(sb, s)
	w.writeConversions(sb, s)
	w.writeProblems(sb, s)
}

// writeHeader writes the crawl identity and status.
func (w *SimpleWriter) writeHeader(sb *strings.Builder, s *model.Summary) {
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")
	sb.WriteString("                        SITEMIRROR REPORT\n")
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n\n")

	fmt.Fprintf(sb, "Seed:      %s\n", s.Seed)
	fmt.Fprintf(sb, "Output:    %s\n", s.OutputDir)
	fmt.Fprintf(sb, "Started:   %s\n", s.StartedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(sb, "Duration:  %s\n", s.Duration().Round(time.Millisecond))
	fmt.Fprintf(sb, "Written:   %s\n", formatBytes(s.Bytes))
	if s.Retries > 0 {
		fmt.Fprintf(sb, "Retries:   %d\n", s.Retries)
	}
	fmt.Fprintf(sb, "Status:    %s\n", statusText(s))
	sb.WriteString("\n")
}

func section(sb *strings.Builder, title string) {
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString(title)
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n\n")
}

// writeKinds writes the per-kind counters table.
func (w *SimpleWriter) writeKinds(sb *strings.Builder, s *model.Summary) {
	section(sb, "RESOURCES BY KIND")

	fmt.Fprintf(sb, "  %-8s %8s %8s %8s %8s\n", "KIND", "FETCHED", "RESUMED", "SKIPPED", "FAILED")
	for _, k := range model.AllResourceKinds() {
		f, r, sk, fl := s.Fetched[k], s.Resumed[k], s.Skipped[k], s.Failed[k]
		if f+r+sk+fl == 0 && !w.showEmpty {
			continue
		}
		fmt.Fprintf(sb, "  %-8s %8d %8d %8d %8d\n", k.String(), f, r, sk, fl)
	}
	fmt.Fprintf(sb, "  %-8s %8d %8d %8d %8d\n", "TOTAL",
		s.TotalFetched(), s.TotalResumed(), s.TotalSkipped(), s.TotalFailed())
	sb.WriteString("\n")
}

// writeReasons writes how many resources were skipped or failed per reason.
func (w *SimpleWriter) writeReasons(sb *strings.Builder, s *model.Summary) {
	reasons := reasonsInOrder(s)
	if len(reasons) == 0 && !w.showEmpty {
		return
	}
	section(sb, "SKIP AND FAILURE REASONS")
	if len(reasons) == 0 {
		sb.WriteString("  None\n\n")
		return
	}
	for _, r := range reasons {
		fmt.Fprintf(sb, "  %-20s %6d  (%s)\n", string(r), s.Reasons[r], r.Outcome())
	}
	sb.WriteString("\n")
}

// writeConversions writes the image transcoding totals.
func (w *SimpleWriter) writeConversions(sb *strings.Builder, s *model.Summary) {
	if len(s.Conversions) == 0 {
		return
	}
	section(sb, "IMAGE CONVERSIONS")
	before, after := conversionSavings(s)
	fmt.Fprintf(sb, "  Converted: %d image(s), %s -> %s\n", len(s.Conversions),
		formatBytes(int64(before)), formatBytes(int64(after)))
	if w.verbose {
		for _, c := range s.Conversions {
			fmt.Fprintf(sb, "  [~] %s -> %s\n", c.OriginalPath, c.ConvertedPath)
		}
	}
	sb.WriteString("\n")
}

// writeProblems lists every failure and every skip with its reason.
func (w *SimpleWriter) writeProblems(sb *strings.Builder, s *model.Summary) {
	if !s.HasProblems() {
		return
	}
	section(sb, "PROBLEMS")
	for _, p := range s.ProblemsByOutcome(model.OutcomeFailed) {
		w.writeProblem(sb, "!", p)
	}
	for _, p := range s.ProblemsByOutcome(model.OutcomeSkipped) {
		w.writeProblem(sb, "-", p)
	}
	sb.WriteString("\n")
}

func (w *SimpleWriter) writeProblem(sb *strings.Builder, indicator string, p model.Problem) {
	fmt.Fprintf(sb, "  [%s] %s\n", indicator, p.URL)
	fmt.Fprintf(sb, "      %s, %s", p.Kind, p.Reason)
	if p.Detail != "" {
		fmt.Fprintf(sb, ": %s", p.Detail)
	}
	sb.WriteString("\n")
}

// writeFooter writes the report footer.
func (w *SimpleWriter) writeFooter(sb *strings.Builder) {
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")
	sb.WriteString("Report generated by sitemirror\n")
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")
}
