package reconcile

import (
	"errors"
	"time"
)

// Outcome summarises a sync cycle for the journal and status endpoints.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeTimeout Outcome = "timeout"
	OutcomeBusy    Outcome = "busy"
)

// Report describes one sync cycle.
type Report struct {
	ID          string        `json:"id"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Outcome     Outcome       `json:"outcome"`
	Corrections int           `json:"corrections"`
	Pushed      int           `json:"pushed"`
	Rejected    int           `json:"rejected"`
	Parked      int           `json:"parked"`
	Remaining   int           `json:"remaining"`
	Pull        PullReport    `json:"pull"`
	Err         error         `json:"-"`
	Error       string        `json:"error,omitempty"`
}

func (r *Report) fail(err error) {
	r.Outcome = OutcomeFailed
	r.Err = errors.Join(r.Err, err)
	r.Error = r.Err.Error()
}
