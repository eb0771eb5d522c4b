package attendance

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"qrattend/internal/registry"
	"qrattend/internal/shift"
)

// Lister enumerates the roster.
type Lister interface {
	List(ctx context.Context) ([]registry.Student, error)
}

// AbsenceMarker writes Absent records for students who never checked in.
type AbsenceMarker struct {
	store  Store
	roster Lister
	policy *shift.Policy
	outbox Outbox
	lock   sync.Locker
	grace  time.Duration
	loc    *time.Location
}

// NewAbsenceMarker builds a marker. lock is the same mutex the scheduler holds.
func NewAbsenceMarker(store Store, roster Lister, policy *shift.Policy, outbox Outbox, lock sync.Locker, grace time.Duration, loc *time.Location) *AbsenceMarker {
	if lock == nil {
		lock = &sync.Mutex{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &AbsenceMarker{store: store, roster: roster, policy: policy, outbox: outbox, lock: lock, grace: grace, loc: loc}
}

// Deadline is the instant after which a shift's missing students are absent:
// the later of check-in start plus grace and the end of the check-in window.
func (m *AbsenceMarker) Deadline(def shift.Definition, now time.Time) time.Time {
	now = now.In(m.loc)
	start, end := def.Checkin.Start.On(now), def.Checkin.End.On(now)
	if def.Checkin.Wraps() {
		end = end.AddDate(0, 0, 1)
	}
	deadline := start.Add(m.grace)
	if end.After(deadline) {
		deadline = end
	}
	return deadline
}

// Mark records absences for every shift whose deadline has passed today and
// returns how many were written. Running it again the same day writes nothing.
func (m *AbsenceMarker) Mark(ctx context.Context, now time.Time) (int, error) {
	now = now.In(m.loc)
	day := now.Format(DateLayout)

	students, err := m.roster.List(ctx)
	if err != nil {
		return 0, Wrap(KindStorage, "list students", err)
	}

	due := map[string]bool{}
	for _, def := range m.policy.Shifts() {
		d := m.Deadline(def, now)
		if d.Format(DateLayout) == day && !now.Before(d) {
			due[def.Name] = true
		}
	}
	if len(due) == 0 {
		return 0, nil
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	marked := 0
	for _, st := range students {
		if err := ctx.Err(); err != nil {
			return marked, err
		}
		if !st.Active {
			continue
		}
		def := m.policy.Resolve(st.Shift)
		if !due[def.Name] {
			continue
		}
		status, err := m.store.StatusFor(st.ID, day)
		if err != nil {
			return marked, Wrap(KindStorage, "read status", err)
		}
		if status.State != NotCheckedIn {
			continue
		}
		rec := Record{
			SubjectID:     st.ID,
			Name:          st.Name,
			Timestamp:     now,
			Status:        StatusAbsent,
			Shift:         shiftLabel(&st, def),
			Program:       st.Program,
			CurrentYear:   st.CurrentYear,
			AdmissionYear: st.AdmissionYear,
		}
		if err := m.store.Append(rec); err != nil {
			return marked, Wrap(KindStorage, fmt.Sprintf("write absence for %s", st.ID), err)
		}
		if err := m.outbox.Enqueue(ctx, rec); err != nil {
			log.Printf("outbox enqueue failed for %s: %v", rec.Key(), err)
		}
		marked++
	}
	if marked > 0 {
		log.Printf("marked %d students absent for %s", marked, day)
	}
	return marked, nil
}
