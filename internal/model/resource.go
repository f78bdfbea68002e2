package model

import "fmt"

// Resource is the final record of one URL of a crawl, as stored in the manifest.
type Resource struct {
	URL       string       `json:"url"`
	LocalPath string       `json:"localPath,omitempty"`
	Kind      ResourceKind `json:"kind"`
	Outcome   Outcome      `json:"outcome"`
	Reason    Reason       `json:"reason,omitempty"`
	Bytes     int          `json:"bytes"`
	Digest    string       `json:"digest,omitempty"`
	Converted bool         `json:"converted"`
}

// ParseOutcome parses an outcome name as produced by Outcome.String.
func ParseOutcome(s string) (Outcome, bool) {
	for _, o := range []Outcome{OutcomeFetched, OutcomeResumed, OutcomeSkipped, OutcomeFailed} {
		if o.String() == s {
			return o, true
		}
	}
	return OutcomeFailed, false
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(text []byte) error {
	parsed, ok := ParseOutcome(string(text))
	if !ok {
		return fmt.Errorf("unknown outcome %q", text)
	}
	*o = parsed
	return nil
}
