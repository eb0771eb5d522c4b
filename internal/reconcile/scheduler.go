package reconcile

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrTimedOut is returned by SyncNow when the caller stops waiting. The
// cycle itself keeps running and reports when it finishes.
var ErrTimedOut = errors.New("sync timed out")

// Ticker is the part of time.Ticker the scheduler uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock lets tests drive the scheduler without sleeping.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Prober is satisfied by connectivity.Probe.
type Prober interface {
	HasNetwork(ctx context.Context) bool
	HasAuthority(ctx context.Context) bool
}

// Cycler runs one reconciliation cycle.
type Cycler interface {
	Cycle(ctx context.Context) Report
}

// Journal records every cycle, including skipped ones.
type Journal interface {
	Record(ctx context.Context, rep Report) error
}

// AbsenceJob is satisfied by attendance.AbsenceMarker.
type AbsenceJob interface {
	Mark(ctx context.Context, now time.Time) (int, error)
}

type SchedulerOptions struct {
	SyncInterval    time.Duration
	AbsenceInterval time.Duration
	Clock           Clock
	Journal         Journal
	Absence         AbsenceJob
	// Observe sees every report after it is journaled.
	Observe func(Report)
}

// Scheduler owns the background sync and absence loops. Every cycle holds
// the shared lock; overlapping requests are answered with OutcomeBusy.
type Scheduler struct {
	cycler  Cycler
	probe   Prober
	lock    sync.Locker
	opts    SchedulerOptions
	nudge   chan struct{}
	running atomic.Bool
	online  atomic.Bool

	mu       sync.Mutex
	last     Report
	hasLast  bool
	failures int
}

func NewScheduler(cycler Cycler, probe Prober, lock sync.Locker, opts SchedulerOptions) *Scheduler {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 30 * time.Second
	}
	if opts.AbsenceInterval <= 0 {
		opts.AbsenceInterval = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &Scheduler{
		cycler: cycler,
		probe:  probe,
		lock:   lock,
		opts:   opts,
		nudge:  make(chan struct{}, 1),
	}
}

// Nudge asks for a cycle soon. It never blocks; repeated nudges coalesce.
func (s *Scheduler) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Start runs an initial cycle, then cycles on every tick or nudge until ctx
// is done. Absence marking runs on its own ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	if s.opts.Absence != nil {
		absence := s.opts.Clock.NewTicker(s.opts.AbsenceInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer absence.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-absence.C():
					s.MarkAbsent(ctx)
				}
			}
		}()
	}

	ticker := s.opts.Clock.NewTicker(s.opts.SyncInterval)
	defer ticker.Stop()
	defer wg.Wait()

	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.RunCycle(ctx)
		case <-s.nudge:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle runs one cycle now, unless another is in flight or the station
// is offline.
func (s *Scheduler) RunCycle(ctx context.Context) Report {
	start := s.opts.Clock.Now()
	if !s.running.CompareAndSwap(false, true) {
		rep := Report{ID: uuid.NewString(), StartedAt: start, Outcome: OutcomeBusy}
		s.observe(rep)
		return rep
	}
	defer s.running.Store(false)

	var rep Report
	if s.reachable(ctx) {
		s.lock.Lock()
		rep = s.cycler.Cycle(ctx)
		s.lock.Unlock()
	} else {
		rep = Report{Outcome: OutcomeSkipped}
	}
	rep.ID = uuid.NewString()
	rep.StartedAt = start
	rep.Duration = s.opts.Clock.Now().Sub(start)

	s.record(ctx, rep)
	return rep
}

// SyncNow runs a cycle for an interactive caller, who waits at most timeout.
func (s *Scheduler) SyncNow(ctx context.Context, timeout time.Duration) (Report, error) {
	done := make(chan Report, 1)
	go func() {
		done <- s.RunCycle(context.WithoutCancel(ctx))
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case rep := <-done:
		return rep, nil
	case <-timer.C:
		rep := Report{
			ID:        uuid.NewString(),
			StartedAt: s.opts.Clock.Now().Add(-timeout),
			Duration:  timeout,
			Outcome:   OutcomeTimeout,
			Err:       ErrTimedOut,
			Error:     ErrTimedOut.Error(),
		}
		s.journal(ctx, rep)
		s.observe(rep)
		return rep, ErrTimedOut
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

// MarkAbsent runs the absence job once and nudges a push when it wrote.
func (s *Scheduler) MarkAbsent(ctx context.Context) int {
	if s.opts.Absence == nil {
		return 0
	}
	n, err := s.opts.Absence.Mark(ctx, s.opts.Clock.Now())
	if err != nil {
		log.Printf("absence marking failed: %v", err)
	}
	if n > 0 {
		s.Nudge()
	}
	return n
}

// Last returns the most recent finished cycle.
func (s *Scheduler) Last() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

func (s *Scheduler) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

func (s *Scheduler) reachable(ctx context.Context) bool {
	ok := s.probe != nil && s.probe.HasNetwork(ctx) && s.probe.HasAuthority(ctx)
	if was := s.online.Swap(ok); was != ok {
		if ok {
			log.Printf("authority reachable, sync resumed")
		} else {
			log.Printf("authority unreachable, sync paused")
		}
	}
	return ok
}

func (s *Scheduler) record(ctx context.Context, rep Report) {
	s.mu.Lock()
	switch rep.Outcome {
	case OutcomeOK:
		s.failures = 0
	case OutcomeFailed:
		s.failures++
	}
	s.last = rep
	s.hasLast = true
	failures := s.failures
	s.mu.Unlock()

	if rep.Outcome == OutcomeFailed {
		log.Printf("sync cycle failed (%d in a row): %s", failures, rep.Error)
	}
	s.journal(ctx, rep)
	s.observe(rep)
}

func (s *Scheduler) journal(ctx context.Context, rep Report) {
	if s.opts.Journal == nil {
		return
	}
	if err := s.opts.Journal.Record(context.WithoutCancel(ctx), rep); err != nil {
		log.Printf("sync journal write failed: %v", err)
	}
}

func (s *Scheduler) observe(rep Report) {
	if s.opts.Observe != nil {
		s.opts.Observe(rep)
	}
}
