package report

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/nao1215/sitemirror/internal/model"
)

// MarkdownWriter outputs reports in GitHub-flavored Markdown.
type MarkdownWriter struct {
	baseWriter
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given writer.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{
		baseWriter: newBaseWriter(output),
	}
}

// Write outputs one summary in Markdown format.
func (w *MarkdownWriter) Write(summary *model.Summary) (int, error) {
	return w.WriteAll([]*model.Summary{summary})
}

// WriteAll outputs a batch of summaries as one Markdown document.
func (w *MarkdownWriter) WriteAll(summaries []*model.Summary) (int, error) {
	md := markdown.NewMarkdown(w.output)
	md.H1("Sitemirror Report")
	md.PlainText("")

	if len(summaries) > 1 {
		w.writeOverview(md, summaries)
	}
	for _, s := range summaries {
		w.writeSummary(md, s, len(summaries) > 1)
	}
	w.writeFooter(md)

	return len(md.String()), md.Build()
}

// writeOverview writes one row per crawl of a batch.
func (w *MarkdownWriter) writeOverview(md *markdown.Markdown, summaries []*model.Summary) {
	md.H2("Overview")
	md.PlainText("")

	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, []string{
			"`" + s.Seed + "`",
			strconv.Itoa(s.TotalFetched()),
			strconv.Itoa(s.TotalSkipped()),
			strconv.Itoa(s.TotalFailed()),
			statusText(s),
		})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Seed", "Fetched", "Skipped", "Failed", "Status"},
		Rows:   rows,
	})
	md.PlainText("")
}

func (w *MarkdownWriter) writeSummary(md *markdown.Markdown, s *model.Summary, batch bool) {
	if batch {
		md.H2(s.Seed)
		md.PlainText("")
	}
	w.writeHeader(md, s)
	w.writeKinds(md, s)
	w.writeAlert(md, s)
	w.writeReasons(md, s)
	w.writeConversions(md, s)
	w.writeProblems(md, s)
}

// writeHeader writes the crawl information table.
func (w *MarkdownWriter) writeHeader(md *markdown.Markdown, s *model.Summary) {
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Seed", "`" + s.Seed + "`"},
			{"Output", "`" + s.OutputDir + "`"},
			{"Started", s.StartedAt.Format("2006-01-02 15:04:05 MST")},
			{"Duration", s.Duration().Round(time.Millisecond).String()},
			{"Written", formatBytes(s.Bytes)},
			{"Status", w.statusBadge(s)},
		},
	})
	md.PlainText("")
}

func (w *MarkdownWriter) statusBadge(s *model.Summary) string {
	switch {
	case s.Error != "":
		return "❌ " + statusText(s)
	case s.Cancelled || s.HasProblems():
		return "⚠️ " + statusText(s)
	default:
		return "✅ " + statusText(s)
	}
}

// writeKinds writes the per-kind table and a chart of fetched kinds.
func (w *MarkdownWriter) writeKinds(md *markdown.Markdown, s *model.Summary) {
	md.H2("Resources by Kind")
	md.PlainText("")

	rows := make([][]string, 0, len(model.AllResourceKinds())+1)
	for _, k := range model.AllResourceKinds() {
		f, r, sk, fl := s.Fetched[k], s.Resumed[k], s.Skipped[k], s.Failed[k]
		if f+r+sk+fl == 0 {
			continue
		}
		rows = append(rows, []string{
			kindLabel(k), strconv.Itoa(f), strconv.Itoa(r), strconv.Itoa(sk), strconv.Itoa(fl),
		})
	}
	rows = append(rows, []string{
		"**Total**",
		"**" + strconv.Itoa(s.TotalFetched()) + "**",
		"**" + strconv.Itoa(s.TotalResumed()) + "**",
		"**" + strconv.Itoa(s.TotalSkipped()) + "**",
		"**" + strconv.Itoa(s.TotalFailed()) + "**",
	})
	md.Table(markdown.TableSet{
		Header: []string{"Kind", "Fetched", "Resumed", "Skipped", "Failed"},
		Rows:   rows,
	})
	md.PlainText("")

	if s.TotalFetched() > 0 {
		w.writePieChart(md, s)
	}
}

// writePieChart writes a mermaid pie chart of fetched resources by kind.
func (w *MarkdownWriter) writePieChart(md *markdown.Markdown, s *model.Summary) {
	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Fetched Resources"),
		piechart.WithShowData(true),
	)
	for _, k := range model.AllResourceKinds() {
		if n := s.Fetched[k]; n > 0 {
			chart.LabelAndIntValue(kindLabel(k), uint64(n))
		}
	}

	md.PlainText("")
	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

// writeAlert writes an alert that matches how the crawl ended.
func (w *MarkdownWriter) writeAlert(md *markdown.Markdown, s *model.Summary) {
	switch {
	case s.Error != "":
		md.Cautionf("The crawl failed: %s", s.Error)
	case s.Cancelled:
		md.Warningf("The crawl was cancelled. The mirror is partial; rerun to resume.")
	case s.TotalFailed() > 0:
		md.Importantf("%d resource(s) could not be mirrored.", s.TotalFailed())
	case s.TotalSkipped() > 0:
		md.Note(fmt.Sprintf("%d resource(s) were skipped by policy.", s.TotalSkipped()))
	default:
		md.Tip("Every discovered resource was mirrored.")
	}
	md.PlainText("")
}

// writeReasons writes the skip and failure counts per reason.
func (w *MarkdownWriter) writeReasons(md *markdown.Markdown, s *model.Summary) {
	reasons := reasonsInOrder(s)
	if len(reasons) == 0 {
		return
	}
	md.H2("Skip and Failure Reasons")
	md.PlainText("")

	rows := make([][]string, 0, len(reasons))
	for _, r := range reasons {
		rows = append(rows, []string{reasonLabel(r), r.Outcome().String(), strconv.Itoa(s.Reasons[r])})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Reason", "Outcome", "Count"},
		Rows:   rows,
	})
	md.PlainText("")
}

// writeConversions writes the transcoded images.
func (w *MarkdownWriter) writeConversions(md *markdown.Markdown, s *model.Summary) {
	if len(s.Conversions) == 0 {
		return
	}
	md.H2("Image Conversions")
	md.PlainText("")

	before, after := conversionSavings(s)
	md.PlainTextf("%d image(s) converted, %s to %s.", len(s.Conversions),
		formatBytes(int64(before)), formatBytes(int64(after)))
	md.PlainText("")

	rows := make([][]string, 0, len(s.Conversions))
	for _, c := range s.Conversions {
		rows = append(rows, []string{
			truncateString(c.URL, 60),
			c.ConvertedPath,
			strconv.Itoa(c.OriginalSize),
			strconv.Itoa(c.ConvertedSize),
		})
	}
	md.Table(markdown.TableSet{
		Header: []string{"URL", "Local Path", "Original", "Converted"},
		Rows:   rows,
	})
	md.PlainText("")
}

// writeProblems writes every skipped or failed resource.
func (w *MarkdownWriter) writeProblems(md *markdown.Markdown, s *model.Summary) {
	if !s.HasProblems() {
		return
	}
	md.H2("Problems")
	md.PlainText("")

	rows := make([][]string, 0, len(s.Problems))
	for _, p := range s.Problems {
		detail := p.Detail
		if detail == "" {
			detail = "-"
		}
		rows = append(rows, []string{
			truncateString(p.URL, 60),
			kindLabel(p.Kind),
			p.Outcome.String(),
			string(p.Reason),
			truncateString(detail, 50),
		})
	}
	md.Table(markdown.TableSet{
		Header: []string{"URL", "Kind", "Outcome", "Reason", "Detail"},
		Rows:   rows,
	})
	md.PlainText("")

	for _, p := range s.Problems {
		if len(p.Detail) > 50 {
			md.Details(p.URL, p.Detail)
		}
	}
}

// writeFooter writes the report footer.
func (w *MarkdownWriter) writeFooter(md *markdown.Markdown) {
	md.HorizontalRule()
	md.PlainText("")
	md.PlainTextf("*Report generated by sitemirror*")
}

// truncateString truncates a string to maxLen characters with ellipsis.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
