package report

import (
	"encoding/json"
	"io"

	"github.com/nao1215/sitemirror/internal/model"
)

// JSONWriter outputs reports in JSON format for tool integration.
type JSONWriter struct {
	baseWriter

	// indent enables pretty-printed JSON output.
	indent bool

	// indentPrefix is the prefix for each line in indented output.
	indentPrefix string

	// indentString is the indentation string (typically "  " or "\t").
	indentString string

	// version is stamped into batch documents when set.
	version string
}

// JSONWriterOption configures a JSONWriter.
type JSONWriterOption func(*JSONWriter)

// WithIndent enables pretty-printed JSON output.
// The prefix is prepended to each line, and indent is used for each level.
func WithIndent(prefix, indent string) JSONWriterOption {
	return func(w *JSONWriter) {
		w.indent = true
		w.indentPrefix = prefix
		w.indentString = indent
	}
}

// WithPrettyPrint enables pretty-printed JSON with default indentation.
func WithPrettyPrint() JSONWriterOption {
	return WithIndent("", "  ")
}

// WithVersion records the tool version in batch documents.
func WithVersion(version string) JSONWriterOption {
	return func(w *JSONWriter) {
		w.version = version
	}
}

// NewJSONWriter creates a JSONWriter that outputs to the given writer.
func NewJSONWriter(output io.Writer, opts ...JSONWriterOption) *JSONWriter {
	w := &JSONWriter{
		baseWriter: newBaseWriter(output),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write outputs one summary as a JSON object.
func (w *JSONWriter) Write(summary *model.Summary) (int, error) {
	return w.writeJSON(summary)
}

// WriteAll outputs a batch wrapped in a JSONReport.
func (w *JSONWriter) WriteAll(summaries []*model.Summary) (int, error) {
	return w.writeJSON(NewJSONReport(summaries, w.version))
}

// writeJSON marshals the given value to JSON and writes it to the output.
func (w *JSONWriter) writeJSON(v any) (int, error) {
	var (
		data []byte
		err  error
	)
	if w.indent {
		data, err = json.MarshalIndent(v, w.indentPrefix, w.indentString)
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return 0, err
	}

	// Add trailing newline for better terminal output
	data = append(data, '\n')
	return w.output.Write(data)
}

// JSONReport wraps the summaries of a batch with aggregate metadata.
type JSONReport struct {
	// Version is the sitemirror version that generated this report.
	Version string `json:"version,omitempty"`

	// Fetched, Skipped and Failed total the batch.
	Fetched int `json:"fetched"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`

	// Runs holds one summary per seed in input order.
	Runs []*model.Summary `json:"runs"`
}

// NewJSONReport creates a JSONReport for summaries.
func NewJSONReport(summaries []*model.Summary, version string) *JSONReport {
	r := &JSONReport{Version: version, Runs: summaries}
	if r.Runs == nil {
		r.Runs = []*model.Summary{}
	}
	for _, s := range summaries {
		r.Fetched += s.TotalFetched()
		r.Skipped += s.TotalSkipped()
		r.Failed += s.TotalFailed()
	}
	return r
}
