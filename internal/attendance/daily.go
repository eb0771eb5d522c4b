package attendance

import (
	"sort"
	"time"
)

// State is the derived status of one subject on one day.
type State string

const (
	NotCheckedIn State = "NotCheckedIn"
	CheckedIn    State = "CheckedIn"
	CheckedOut   State = "CheckedOut"
	Absent       State = "Absent"
	Invalid      State = "Invalid"
)

// DailyStatus is folded from a subject's records for one day. It is never stored.
type DailyStatus struct {
	SubjectID string `json:"subject_id"`
	Date      string `json:"date"`
	State     State  `json:"state"`
	// Problem explains an Invalid state.
	Problem    string         `json:"problem,omitempty"`
	CheckInAt  *time.Time     `json:"check_in_at,omitempty"`
	CheckOutAt *time.Time     `json:"check_out_at,omitempty"`
	Duration   *time.Duration `json:"duration,omitempty"`
	// Open is the record holding the open check-in, when State is CheckedIn.
	Open    *Record  `json:"-"`
	Records []Record `json:"records"`
}

type session struct {
	in     Record
	closer *Record
}

// Fold derives the daily status from records, which must all belong to
// subjectID on date. It does not modify records.
func Fold(subjectID, date string, records []Record) DailyStatus {
	st := DailyStatus{SubjectID: subjectID, Date: date, State: NotCheckedIn}
	if len(records) == 0 {
		return st
	}
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	st.Records = sorted

	var (
		open   []Record
		closed []session
		absent int
	)
	invalid := func(problem string) DailyStatus {
		st.State = Invalid
		st.Problem = problem
		return st
	}

	for _, rec := range sorted {
		switch rec.Status {
		case StatusAbsent:
			absent++
		case StatusCheckIn:
			if rec.CheckOutTime != nil {
				closed = append(closed, session{in: rec, closer: &rec})
				continue
			}
			open = append(open, rec)
		case StatusCheckOut:
			if !appended(rec) {
				// Amended in place: the record carries the whole session.
				closed = append(closed, session{in: rec, closer: &rec})
				continue
			}
			idx := matchOpen(open, *rec.CheckInTime)
			if idx < 0 {
				return invalid("check-out without a prior check-in")
			}
			in := open[idx]
			open = append(open[:idx], open[idx+1:]...)
			closer := rec
			closed = append(closed, session{in: in, closer: &closer})
		default:
			return invalid("unrecognised status " + string(rec.Status))
		}
	}

	switch {
	case absent > 0 && (len(open) > 0 || len(closed) > 0):
		return invalid("absent alongside attendance records")
	case absent > 0:
		st.State = Absent
	case len(open) > 1:
		return invalid("multiple open check-ins")
	case len(closed) > 1:
		return invalid("multiple completed sessions")
	case len(closed) == 1 && len(open) == 1:
		return invalid("open check-in after a completed session")
	case len(closed) == 1:
		s := closed[0]
		st.State = CheckedOut
		st.CheckInAt = checkInOf(s.in)
		st.CheckOutAt = s.closer.CheckOutTime
		if st.CheckOutAt == nil && !s.closer.Timestamp.Equal(s.in.Timestamp) {
			t := s.closer.Timestamp
			st.CheckOutAt = &t
		}
		st.Duration = s.closer.Duration
		if st.Duration == nil {
			st.Duration = SessionDuration(st.CheckInAt, st.CheckOutAt)
		}
	case len(open) == 1:
		o := open[0]
		st.State = CheckedIn
		st.Open = &o
		st.CheckInAt = checkInOf(o)
	}
	return st
}

// appended reports whether a check-out record was written separately from its
// check-in: stamped at the check-out instant and pointing back at an earlier
// check-in.
func appended(rec Record) bool {
	return rec.CheckInTime != nil && rec.CheckInTime.Before(rec.Timestamp) &&
		(rec.CheckOutTime == nil || rec.CheckOutTime.Equal(rec.Timestamp))
}

// matchOpen finds the open check-in a check-out refers to: an exact timestamp
// match, else the latest one not after the referenced check-in time.
func matchOpen(open []Record, checkIn time.Time) int {
	best := -1
	for i, rec := range open {
		if rec.Timestamp.Equal(checkIn) {
			return i
		}
		if !rec.Timestamp.After(checkIn) {
			best = i
		}
	}
	if best < 0 && len(open) > 0 {
		best = len(open) - 1
	}
	return best
}

func checkInOf(rec Record) *time.Time {
	if rec.CheckInTime != nil {
		t := *rec.CheckInTime
		return &t
	}
	t := rec.Timestamp
	return &t
}
