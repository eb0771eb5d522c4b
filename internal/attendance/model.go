package attendance

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the wire and ledger value of a record's status.
type Status string

const (
	StatusCheckIn  Status = "Check-in"
	StatusCheckOut Status = "Check-out"
	StatusAbsent   Status = "Absent"
)

// ParseStatus accepts the canonical values plus the spellings seen on older ledgers.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "-")) {
	case "check-in", "checkin", "checked-in", "checkedin", "present":
		return StatusCheckIn, nil
	case "check-out", "checkout", "checked-out", "checkedout":
		return StatusCheckOut, nil
	case "absent":
		return StatusAbsent, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// DateLayout is the calendar-day key used for per-day queries.
const DateLayout = "2006-01-02"

// Record is one attendance row. Optional times are nil when unknown, never zero.
type Record struct {
	SubjectID     string         `json:"subject_id"`
	Name          string         `json:"name"`
	Timestamp     time.Time      `json:"timestamp"`
	Status        Status         `json:"status"`
	Shift         string         `json:"shift,omitempty"`
	Program       string         `json:"program,omitempty"`
	CurrentYear   int            `json:"current_year,omitempty"`
	AdmissionYear int            `json:"admission_year,omitempty"`
	CheckInTime   *time.Time     `json:"check_in_time,omitempty"`
	CheckOutTime  *time.Time     `json:"check_out_time,omitempty"`
	Duration      *time.Duration `json:"duration,omitempty"`
}

// Key identifies a record across the local ledger and the authority.
type Key struct {
	SubjectID string
	Unix      int64
}

func (k Key) String() string { return fmt.Sprintf("%s@%d", k.SubjectID, k.Unix) }

// KeyOf builds the merge key for a subject and instant, truncated to the second.
func KeyOf(subjectID string, ts time.Time) Key {
	return Key{SubjectID: subjectID, Unix: ts.Unix()}
}

func (r Record) Key() Key { return KeyOf(r.SubjectID, r.Timestamp) }

// Date returns the calendar day the record counts towards, in loc. A
// check-out written apart from its check-in counts towards the check-in's
// day, so a session past midnight folds as one.
func (r Record) Date(loc *time.Location) string {
	if r.Status == StatusCheckOut && r.CheckInTime != nil && r.CheckInTime.Before(r.Timestamp) {
		return r.CheckInTime.In(loc).Format(DateLayout)
	}
	return r.Timestamp.In(loc).Format(DateLayout)
}

// Validate checks the fields every stored record must carry.
func (r Record) Validate() error {
	if strings.TrimSpace(r.SubjectID) == "" {
		return errors.New("subject id required")
	}
	if r.Timestamp.IsZero() {
		return errors.New("timestamp required")
	}
	switch r.Status {
	case StatusCheckIn, StatusCheckOut, StatusAbsent:
	default:
		return fmt.Errorf("unknown status %q", r.Status)
	}
	return nil
}

// Clone returns a deep copy, so optional fields can be edited independently.
func (r Record) Clone() Record {
	out := r
	if r.CheckInTime != nil {
		t := *r.CheckInTime
		out.CheckInTime = &t
	}
	if r.CheckOutTime != nil {
		t := *r.CheckOutTime
		out.CheckOutTime = &t
	}
	if r.Duration != nil {
		d := *r.Duration
		out.Duration = &d
	}
	return out
}

// SessionDuration computes out - in, clamped to zero. It returns nil when
// either end is unknown.
func SessionDuration(in, out *time.Time) *time.Duration {
	if in == nil || out == nil || in.IsZero() || out.IsZero() {
		return nil
	}
	d := out.Sub(*in)
	if d < 0 {
		d = 0
	}
	return &d
}

// Patch is a partial update applied by Amend. Nil fields are left untouched.
type Patch struct {
	Status       *Status
	CheckInTime  *time.Time
	CheckOutTime *time.Time
	Duration     *time.Duration
}

// Apply returns a copy of r with the patch applied.
func (p Patch) Apply(r Record) Record {
	out := r.Clone()
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.CheckInTime != nil {
		t := *p.CheckInTime
		out.CheckInTime = &t
	}
	if p.CheckOutTime != nil {
		t := *p.CheckOutTime
		out.CheckOutTime = &t
	}
	if p.Duration != nil {
		d := *p.Duration
		out.Duration = &d
	}
	return out
}
