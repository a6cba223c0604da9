package montage

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"

	// Summary only, no successful descriptions to summarize.
	StatusSkipped Status = "skipped"
)

// Outcome is the terminal result of processing one image.
type Outcome struct {
	ID          string
	Status      Status
	Description string // set on success
	Error       string // set on failure
	Attempts    int
	Duration    time.Duration
}

// Result is the output of one ProcessImages run. Outcomes is in input order
// and always has one entry per input image.
type Result struct {
	ID        string
	Provider  string
	StartedAt time.Time

	Outcomes []Outcome

	Summary       string
	SummaryStatus Status
	SummaryError  string

	Succeeded int
	Failed    int
	Duration  time.Duration
	TimedOut  bool
}

// Descriptions returns the successful descriptions in input order.
func (r *Result) Descriptions() []string {
	var descs []string
	for _, o := range r.Outcomes {
		if o.Status == StatusSuccess {
			descs = append(descs, o.Description)
		}
	}
	return descs
}

// FailedOutcomes returns the failed outcomes in input order.
func (r *Result) FailedOutcomes() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			failed = append(failed, o)
		}
	}
	return failed
}

type outcomeJSON struct {
	ID          string  `json:"id"`
	Status      Status  `json:"status"`
	Description *string `json:"description"`
	Error       *string `json:"error"`
	Attempts    int     `json:"attempts"`
	Duration    float64 `json:"duration_seconds"`
}

type resultJSON struct {
	ID            string        `json:"id"`
	Provider      string        `json:"provider"`
	StartedAt     time.Time     `json:"started_at"`
	Outcomes      []outcomeJSON `json:"outcomes"`
	Summary       *string       `json:"summary"`
	SummaryStatus Status        `json:"summary_status"`
	SummaryError  *string       `json:"summary_error"`
	Succeeded     int           `json:"succeeded_count"`
	Failed        int           `json:"failed_count"`
	Duration      float64       `json:"duration_seconds"`
	TimedOut      bool          `json:"timed_out"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.toJSON())
}

func (o Outcome) toJSON() outcomeJSON {
	oj := outcomeJSON{
		ID:       o.ID,
		Status:   o.Status,
		Attempts: o.Attempts,
		Duration: o.Duration.Seconds(),
	}
	if o.Status == StatusSuccess {
		oj.Description = &o.Description
	} else {
		oj.Error = optional(o.Error)
	}
	return oj
}

func (r *Result) MarshalJSON() ([]byte, error) {
	rj := resultJSON{
		ID:            r.ID,
		Provider:      r.Provider,
		StartedAt:     r.StartedAt,
		Outcomes:      make([]outcomeJSON, len(r.Outcomes)),
		SummaryStatus: r.SummaryStatus,
		SummaryError:  optional(r.SummaryError),
		Succeeded:     r.Succeeded,
		Failed:        r.Failed,
		Duration:      r.Duration.Seconds(),
		TimedOut:      r.TimedOut,
	}
	for i, o := range r.Outcomes {
		rj.Outcomes[i] = o.toJSON()
	}
	if r.SummaryStatus == StatusSuccess {
		rj.Summary = &r.Summary
	}
	return json.Marshal(rj)
}
