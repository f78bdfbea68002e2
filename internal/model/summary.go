package model

import (
	"sort"
	"time"
)

// Outcome is the terminal result of one resource.
type Outcome int

const (
	// OutcomeFetched means the resource was downloaded and persisted.
	OutcomeFetched Outcome = iota
	// OutcomeResumed means a previous run had already materialized it.
	OutcomeResumed
	// OutcomeSkipped means policy prevented the download.
	OutcomeSkipped
	// OutcomeFailed means the download or the write failed.
	OutcomeFailed
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeFetched:
		return "fetched"
	case OutcomeResumed:
		return "resumed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Reason explains a skip or a failure. The values are stable and shown to users.
type Reason string

const (
	// ReasonRobots is a skip caused by robots.txt.
	ReasonRobots Reason = "robots-disallowed"
	// ReasonFiltered is a skip caused by the resource-kind allowlist.
	ReasonFiltered Reason = "filtered"
	// ReasonExternal is a skip caused by the domain policy.
	ReasonExternal Reason = "external"
	// ReasonExcluded is a skip caused by ignore/follow path patterns.
	ReasonExcluded Reason = "excluded"
	// ReasonUnreachable is a network failure after all retries.
	ReasonUnreachable Reason = "unreachable"
	// ReasonTimeout is a request timeout after all retries.
	ReasonTimeout Reason = "timeout"
	// ReasonHTTPStatus is a non-success HTTP status.
	ReasonHTTPStatus Reason = "http-status"
	// ReasonTooLarge is a body exceeding the size limit.
	ReasonTooLarge Reason = "too-large"
	// ReasonWrite is a filesystem failure while persisting.
	ReasonWrite Reason = "write-failure"
	// ReasonCancelled is a task abandoned because the crawl was cancelled.
	ReasonCancelled Reason = "cancelled"
)

// Outcome returns whether the reason counts as a skip or a failure.
func (r Reason) Outcome() Outcome {
	switch r {
	case ReasonRobots, ReasonFiltered, ReasonExternal, ReasonExcluded:
		return OutcomeSkipped
	default:
		return OutcomeFailed
	}
}

// Problem is one skipped or failed resource, reported to the user.
type Problem struct {
	URL     string       `json:"url"`
	Kind    ResourceKind `json:"kind"`
	Outcome Outcome      `json:"outcome"`
	Reason  Reason       `json:"reason"`
	Detail  string       `json:"detail,omitempty"`
}

// Summary aggregates the results of one crawl.
// It is not safe for concurrent use; the scheduler serialises updates.
type Summary struct {
	Seed       string    `json:"seed"`
	OutputDir  string    `json:"outputDir"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Cancelled  bool      `json:"cancelled"`
	Error      string    `json:"error,omitempty"`

	Fetched map[ResourceKind]int `json:"fetched"`
	Resumed map[ResourceKind]int `json:"resumed"`
	Skipped map[ResourceKind]int `json:"skipped"`
	Failed  map[ResourceKind]int `json:"failed"`
	Reasons map[Reason]int       `json:"reasons"`

	Bytes       int64              `json:"bytes"`
	Retries     int                `json:"retries"`
	Conversions []ConversionRecord `json:"conversions,omitempty"`
	Problems    []Problem          `json:"problems,omitempty"`
}

// NewSummary creates an empty summary for a crawl of seed into outputDir.
func NewSummary(seed, outputDir string) *Summary {
	return &Summary{
		Seed:      seed,
		OutputDir: outputDir,
		StartedAt: time.Now(),
		Fetched:   make(map[ResourceKind]int),
		Resumed:   make(map[ResourceKind]int),
		Skipped:   make(map[ResourceKind]int),
		Failed:    make(map[ResourceKind]int),
		Reasons:   make(map[Reason]int),
	}
}

// AddFetched counts a persisted resource of size bytes.
func (s *Summary) AddFetched(kind ResourceKind, size int) {
	s.Fetched[kind]++
	s.Bytes += int64(size)
}

// AddResumed counts a resource materialized by an earlier run.
func (s *Summary) AddResumed(kind ResourceKind) {
	s.Resumed[kind]++
}

// AddProblem counts a skip or failure and keeps it for the report.
func (s *Summary) AddProblem(p Problem) {
	p.Outcome = p.Reason.Outcome()
	if p.Outcome == OutcomeSkipped {
		s.Skipped[p.Kind]++
	} else {
		s.Failed[p.Kind]++
	}
	s.Reasons[p.Reason]++
	s.Problems = append(s.Problems, p)
}

// AddConversion records a transcoded image.
func (s *Summary) AddConversion(rec ConversionRecord) {
	s.Conversions = append(s.Conversions, rec)
}

// Finish stamps the end time and sorts problems for stable output.
func (s *Summary) Finish() {
	s.FinishedAt = time.Now()
	sort.SliceStable(s.Problems, func(i, j int) bool {
		if s.Problems[i].Outcome != s.Problems[j].Outcome {
			return s.Problems[i].Outcome > s.Problems[j].Outcome
		}
		return s.Problems[i].URL < s.Problems[j].URL
	})
	sort.Slice(s.Conversions, func(i, j int) bool {
		return s.Conversions[i].URL < s.Conversions[j].URL
	})
}

// Duration returns the wall-clock time of the crawl.
func (s *Summary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// TotalFetched returns the number of persisted resources.
func (s *Summary) TotalFetched() int { return total(s.Fetched) }

// TotalResumed returns the number of resources kept from an earlier run.
func (s *Summary) TotalResumed() int { return total(s.Resumed) }

// TotalSkipped returns the number of skipped resources.
func (s *Summary) TotalSkipped() int { return total(s.Skipped) }

// TotalFailed returns the number of failed resources.
func (s *Summary) TotalFailed() int { return total(s.Failed) }

// HasProblems reports whether anything was skipped or failed.
func (s *Summary) HasProblems() bool {
	return len(s.Problems) > 0
}

// ProblemsByOutcome returns the problems with the given outcome.
func (s *Summary) ProblemsByOutcome(o Outcome) []Problem {
	out := make([]Problem, 0)
	for _, p := range s.Problems {
		if p.Outcome == o {
			out = append(out, p)
		}
	}
	return out
}

func total(m map[ResourceKind]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
