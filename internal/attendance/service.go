package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"qrattend/internal/registry"
	"qrattend/internal/shift"
)

// Store is the local durable record set.
type Store interface {
	Append(rec Record) error
	// Amend patches the subject's open check-in on date and returns the result.
	Amend(subjectID, date string, patch Patch) (Record, error)
	StatusFor(subjectID, date string) (DailyStatus, error)
	AllForDate(date string) ([]Record, error)
}

// Outbox receives every record written locally, for delivery to the authority.
type Outbox interface {
	Enqueue(ctx context.Context, rec Record) error
}

// Roster resolves scanned identifiers to registered students.
type Roster interface {
	Lookup(ctx context.Context, id string) (*registry.Student, error)
}

// CheckoutMode selects how a check-out is stored.
type CheckoutMode string

const (
	// CheckoutAmend rewrites the day's check-in record in place.
	CheckoutAmend CheckoutMode = "amend"
	// CheckoutAppend writes a separate check-out record referencing the check-in.
	CheckoutAppend CheckoutMode = "append"
)

// Action is what a scan did.
type Action string

const (
	ActionCheckIn  Action = "check-in"
	ActionCheckOut Action = "check-out"
	ActionRejected Action = "rejected"
)

// Outcome describes the result of one scan.
type Outcome struct {
	SubjectID string         `json:"subject_id"`
	Name      string         `json:"name,omitempty"`
	Shift     string         `json:"shift,omitempty"`
	Action    Action         `json:"action"`
	Accepted  bool           `json:"accepted"`
	State     State          `json:"state,omitempty"`
	Kind      Kind           `json:"kind,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	At        time.Time      `json:"at"`
	Duration  *time.Duration `json:"duration,omitempty"`
	Record    *Record        `json:"-"`
}

// Options tune a Service. Zero values pick the defaults.
type Options struct {
	Cooldown     time.Duration
	CheckoutMode CheckoutMode
	Location     *time.Location
	Now          func() time.Time
	// Lock is the process-wide sync mutex; it is held only around the write.
	Lock      sync.Locker
	Debouncer Debouncer
	// Nudge asks the scheduler for an early cycle. It must not block.
	Nudge     func()
	OnOutcome func(Outcome)
}

// Service is the attendance state machine for scans.
type Service struct {
	store     Store
	roster    Roster
	policy    *shift.Policy
	outbox    Outbox
	mode      CheckoutMode
	loc       *time.Location
	now       func() time.Time
	lock      sync.Locker
	debouncer Debouncer
	nudge     func()
	observe   func(Outcome)
}

// NewService wires the state machine to its collaborators.
func NewService(store Store, roster Roster, policy *shift.Policy, outbox Outbox, opts Options) *Service {
	s := &Service{
		store:     store,
		roster:    roster,
		policy:    policy,
		outbox:    outbox,
		mode:      opts.CheckoutMode,
		loc:       opts.Location,
		now:       opts.Now,
		lock:      opts.Lock,
		debouncer: opts.Debouncer,
		nudge:     opts.Nudge,
		observe:   opts.OnOutcome,
	}
	if s.mode != CheckoutAppend {
		s.mode = CheckoutAmend
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.lock == nil {
		s.lock = &sync.Mutex{}
	}
	if s.debouncer == nil {
		cooldown := opts.Cooldown
		if cooldown == 0 {
			cooldown = 5 * time.Second
		}
		s.debouncer = NewMemoryDebouncer(cooldown)
	}
	return s
}

// Location is the zone calendar days are computed in.
func (s *Service) Location() *time.Location { return s.loc }

// StatusFor returns the subject's derived status on date without side effects.
func (s *Service) StatusFor(subjectID, date string) (DailyStatus, error) {
	st, err := s.store.StatusFor(strings.TrimSpace(subjectID), date)
	if err != nil {
		return DailyStatus{}, Wrap(KindStorage, "read status", err)
	}
	return st, nil
}

// Records lists every record stored for date.
func (s *Service) Records(date string) ([]Record, error) {
	recs, err := s.store.AllForDate(date)
	if err != nil {
		return nil, Wrap(KindStorage, "read records", err)
	}
	return recs, nil
}

// CurrentDate is today's calendar day in the service's zone.
func (s *Service) CurrentDate() string { return s.now().In(s.loc).Format(DateLayout) }

// Today is StatusFor on the current calendar day.
func (s *Service) Today(subjectID string) (DailyStatus, error) {
	return s.StatusFor(subjectID, s.CurrentDate())
}

// Scan processes one scanned identifier. Rejections return an Outcome with
// Accepted false and a classified *Error carrying the same reason.
func (s *Service) Scan(ctx context.Context, rawID string) (Outcome, error) {
	now := s.now().In(s.loc)
	id := strings.TrimSpace(rawID)
	out := Outcome{SubjectID: id, At: now, Action: ActionRejected}

	if id == "" {
		return s.reject(out, ErrIdentifierRequired.clone())
	}
	student, err := s.roster.Lookup(ctx, id)
	if err != nil {
		return s.fail(out, Wrap(KindStorage, "student registry unavailable", err))
	}
	if student == nil || !student.Active {
		return s.reject(out, ErrSubjectNotFound.clone())
	}
	def := s.policy.Resolve(student.Shift)
	out.Name = student.Name
	out.Shift = def.Name

	allowed, err := s.debouncer.Allow(ctx, id, now)
	if err != nil {
		log.Printf("scan debounce unavailable for %s: %v", id, err)
		allowed = true
	}
	if !allowed {
		return s.reject(out, Errorf(KindPolicy, "duplicate scan ignored"))
	}

	// Cheap rejection before taking the lock.
	st, _, err := s.current(id, def, now)
	if err != nil {
		return s.fail(out, err)
	}
	if _, rej := s.decide(st, def, now); rej != nil {
		out.State = st.State
		return s.reject(out, rej)
	}

	s.lock.Lock()
	rec, action, st, werr := s.write(ctx, student, def, now, id)
	s.lock.Unlock()

	if werr != nil {
		out.State = st.State
		var rej *Error
		if errors.As(werr, &rej) && rej.Kind != KindStorage {
			return s.reject(out, rej)
		}
		return s.fail(out, werr)
	}

	out.Accepted = true
	out.Action = action
	out.Record = &rec
	out.Duration = rec.Duration
	if action == ActionCheckIn {
		out.State = CheckedIn
	} else {
		out.State = CheckedOut
	}
	log.Printf("scan %s %s (%s)", id, action, def.Name)

	if s.nudge != nil {
		s.nudge()
	}
	s.emit(out)
	return out, nil
}

// write re-reads the status under the lock, applies the transition, and
// hands the written record to the outbox.
func (s *Service) write(ctx context.Context, student *registry.Student, def shift.Definition, now time.Time, id string) (Record, Action, DailyStatus, error) {
	st, day, err := s.current(id, def, now)
	if err != nil {
		return Record{}, "", st, err
	}
	action, rej := s.decide(st, def, now)
	if rej != nil {
		return Record{}, "", st, rej
	}

	var rec Record
	switch action {
	case ActionCheckIn:
		at := now
		rec = Record{
			SubjectID:     id,
			Name:          student.Name,
			Timestamp:     now,
			Status:        StatusCheckIn,
			Shift:         shiftLabel(student, def),
			Program:       student.Program,
			CurrentYear:   student.CurrentYear,
			AdmissionYear: student.AdmissionYear,
			CheckInTime:   &at,
		}
		if err := s.store.Append(rec); err != nil {
			return Record{}, "", st, Wrap(KindStorage, "write check-in", err)
		}
	case ActionCheckOut:
		rec, err = s.checkout(st, day, now)
		if err != nil {
			return Record{}, "", st, err
		}
	}

	if err := s.outbox.Enqueue(ctx, rec); err != nil {
		log.Printf("outbox enqueue failed for %s: %v", rec.Key(), err)
	}
	return rec, action, st, nil
}

func (s *Service) checkout(st DailyStatus, day string, now time.Time) (Record, error) {
	out := now
	duration := SessionDuration(st.CheckInAt, &out)
	if duration == nil {
		log.Printf("check-out for %s on %s: check-in time unknown, duration not recorded", st.SubjectID, day)
	}

	if s.mode == CheckoutAmend {
		status := StatusCheckOut
		patch := Patch{Status: &status, CheckOutTime: &out, Duration: duration}
		if st.Open != nil && st.Open.CheckInTime == nil {
			in := st.Open.Timestamp
			patch.CheckInTime = &in
		}
		rec, err := s.store.Amend(st.SubjectID, day, patch)
		if err != nil {
			return Record{}, Wrap(KindStorage, "amend check-in", err)
		}
		return rec, nil
	}

	open := st.Open
	rec := Record{
		SubjectID:     st.SubjectID,
		Name:          open.Name,
		Timestamp:     now,
		Status:        StatusCheckOut,
		Shift:         open.Shift,
		Program:       open.Program,
		CurrentYear:   open.CurrentYear,
		AdmissionYear: open.AdmissionYear,
		CheckInTime:   st.CheckInAt,
		CheckOutTime:  &out,
		Duration:      duration,
	}
	if err := s.store.Append(rec); err != nil {
		return Record{}, Wrap(KindStorage, "write check-out", err)
	}
	return rec, nil
}

// current returns the status that governs a scan at now and the day it
// belongs to. An overnight shift with no record today continues yesterday's
// open session.
func (s *Service) current(id string, def shift.Definition, now time.Time) (DailyStatus, string, error) {
	day := now.Format(DateLayout)
	st, err := s.store.StatusFor(id, day)
	if err != nil {
		return DailyStatus{}, day, Wrap(KindStorage, "read status", err)
	}
	if st.State != NotCheckedIn || !def.Overnight() {
		return st, day, nil
	}
	prev := now.AddDate(0, 0, -1).Format(DateLayout)
	pst, err := s.store.StatusFor(id, prev)
	if err != nil {
		return DailyStatus{}, day, Wrap(KindStorage, "read status", err)
	}
	if pst.State == CheckedIn {
		return pst, prev, nil
	}
	return st, day, nil
}

func (s *Service) decide(st DailyStatus, def shift.Definition, now time.Time) (Action, *Error) {
	switch st.State {
	case Invalid:
		log.Printf("inconsistent records for %s on %s: %s", st.SubjectID, st.Date, st.Problem)
		return "", Errorf(KindConflict, "inconsistent state, manual review required")
	case Absent:
		return "", Errorf(KindPolicy, "already marked absent today")
	case CheckedOut:
		return "", Errorf(KindPolicy, "already completed today")
	case CheckedIn:
		if s.policy.IsCheckoutAllowed(def.Name, now) {
			return ActionCheckOut, nil
		}
		return "", Errorf(KindPolicy, "already checked in at %s; outside checkout window %s (%s)",
			clock(st.CheckInAt, s.loc), def.Checkout, def.Name)
	default:
		if s.policy.IsCheckinAllowed(def.Name, now) {
			return ActionCheckIn, nil
		}
		return "", Errorf(KindPolicy, "outside check-in window %s (%s); current time %s",
			def.Checkin, def.Name, now.Format("15:04"))
	}
}

func (s *Service) reject(out Outcome, e *Error) (Outcome, error) {
	e.SubjectID = out.SubjectID
	out.Accepted = false
	out.Action = ActionRejected
	out.Kind = e.Kind
	out.Reason = e.Reason
	s.emit(out)
	return out, e
}

func (s *Service) fail(out Outcome, err error) (Outcome, error) {
	out.Accepted = false
	out.Action = ActionRejected
	out.Kind = KindOf(err)
	out.Reason = ReasonOf(err)
	log.Printf("scan %s failed: %v", out.SubjectID, err)
	s.emit(out)
	return out, err
}

func (s *Service) emit(out Outcome) {
	if s.observe != nil {
		s.observe(out)
	}
}

func shiftLabel(st *registry.Student, def shift.Definition) string {
	if st.Shift != "" {
		return st.Shift
	}
	return def.Name
}

func clock(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "unknown time"
	}
	return t.In(loc).Format("15:04")
}

// String renders an outcome for operator output.
func (o Outcome) String() string {
	if !o.Accepted {
		return fmt.Sprintf("%s: rejected: %s", o.SubjectID, o.Reason)
	}
	msg := fmt.Sprintf("%s (%s): %s at %s", o.SubjectID, o.Name, o.Action, o.At.Format("15:04:05"))
	if o.Duration != nil {
		msg += fmt.Sprintf(", session %s", o.Duration.Round(time.Minute))
	}
	return msg
}
