package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/attendance"
)

// Entry is a record waiting for the authority's acknowledgement.
type Entry struct {
	ID         string            `json:"id"`
	Record     attendance.Record `json:"record"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	Rejections int               `json:"rejections,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
}

// Backend is the abstraction over different storage backends. Implementations
// must be safe for concurrent use and must persist each call before returning.
type Backend interface {
	Append(ctx context.Context, e Entry) error
	// Snapshot returns the live entries in enqueue order.
	Snapshot(ctx context.Context) ([]Entry, error)
	Remove(ctx context.Context, ids []string) error
	Update(ctx context.Context, entries []Entry) error
	// Park moves entries out of the live queue into the dead-letter store.
	Park(ctx context.Context, entries []Entry) error
	Parked(ctx context.Context) ([]Entry, error)
	Len(ctx context.Context) (int, error)
}

// Rejection is the authority refusing one record of a batch.
type Rejection struct {
	Index  int
	Reason string
}

// Delivery is the authority's verdict on a batch. Records not listed in
// Rejected were accepted.
type Delivery struct {
	Rejected []Rejection
}

// Deliverer pushes a batch of records to the authority.
type Deliverer interface {
	Deliver(ctx context.Context, recs []attendance.Record) (Delivery, error)
}

// DrainReport summarises one drain.
type DrainReport struct {
	Attempted int
	Acked     int
	Rejected  int
	Parked    int
	Remaining int
}

// Empty reports whether nothing was left queued after the drain.
func (r DrainReport) Empty() bool { return r.Remaining == 0 }

// Options tune a Queue.
type Options struct {
	// MaxRejections parks an entry after this many structured rejections.
	MaxRejections int
	BatchSize     int
	Now           func() time.Time
	// OnChange is called with the live size after every mutation.
	OnChange func(size int)
}

// Queue is the offline outbox. Enqueue never loses a record to a concurrent
// Drain: a drain only removes the entries it delivered.
type Queue struct {
	backend  Backend
	maxRej   int
	batch    int
	now      func() time.Time
	onChange func(int)

	drainMu sync.Mutex
}

func New(backend Backend, opts Options) *Queue {
	q := &Queue{backend: backend, maxRej: opts.MaxRejections, batch: opts.BatchSize, now: opts.Now, onChange: opts.OnChange}
	if q.maxRej <= 0 {
		q.maxRej = 5
	}
	if q.batch <= 0 {
		q.batch = 500
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// Enqueue appends rec to the queue.
func (q *Queue) Enqueue(ctx context.Context, rec attendance.Record) error {
	e := Entry{ID: uuid.NewString(), Record: rec.Clone(), EnqueuedAt: q.now().UTC()}
	if err := q.backend.Append(ctx, e); err != nil {
		return attendance.Wrap(attendance.KindStorage, "enqueue", err)
	}
	q.changed(ctx)
	return nil
}

func (q *Queue) Size(ctx context.Context) (int, error) {
	return q.backend.Len(ctx)
}

func (q *Queue) Entries(ctx context.Context) ([]Entry, error) {
	return q.backend.Snapshot(ctx)
}

func (q *Queue) Parked(ctx context.Context) ([]Entry, error) {
	return q.backend.Parked(ctx)
}

// PendingKeys returns the keys of every record still waiting for delivery.
func (q *Queue) PendingKeys(ctx context.Context) (map[attendance.Key]bool, error) {
	entries, err := q.backend.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	keys := make(map[attendance.Key]bool, len(entries))
	for _, e := range entries {
		keys[e.Record.Key()] = true
	}
	return keys, nil
}

// Supersede drops queued entries for keys the authority has overridden.
func (q *Queue) Supersede(ctx context.Context, keys map[attendance.Key]bool) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	entries, err := q.backend.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, e := range entries {
		if keys[e.Record.Key()] {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := q.backend.Remove(ctx, ids); err != nil {
		return 0, err
	}
	q.changed(ctx)
	return len(ids), nil
}

// Drain delivers a snapshot of the queue in batches. A delivery error stops
// the drain and leaves the undelivered entries in place.
func (q *Queue) Drain(ctx context.Context, d Deliverer) (DrainReport, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var report DrainReport
	entries, err := q.backend.Snapshot(ctx)
	if err != nil {
		return report, attendance.Wrap(attendance.KindStorage, "read queue", err)
	}

	for start := 0; start < len(entries); start += q.batch {
		end := start + q.batch
		if end > len(entries) {
			end = len(entries)
		}
		if err := q.deliver(ctx, d, entries[start:end], &report); err != nil {
			report.Remaining, _ = q.backend.Len(ctx)
			return report, err
		}
	}

	report.Remaining, err = q.backend.Len(ctx)
	if err != nil {
		return report, attendance.Wrap(attendance.KindStorage, "read queue", err)
	}
	return report, nil
}

func (q *Queue) deliver(ctx context.Context, d Deliverer, batch []Entry, report *DrainReport) error {
	recs := make([]attendance.Record, len(batch))
	for i, e := range batch {
		recs[i] = e.Record
	}
	report.Attempted += len(batch)

	res, err := d.Deliver(ctx, recs)
	if err != nil {
		return err
	}

	rejected := make(map[int]string, len(res.Rejected))
	for _, r := range res.Rejected {
		if r.Index < 0 || r.Index >= len(batch) {
			return attendance.Errorf(attendance.KindNetwork, "authority rejected unknown index %d", r.Index)
		}
		rejected[r.Index] = r.Reason
	}

	var acked []string
	var retry, park []Entry
	for i, e := range batch {
		reason, bad := rejected[i]
		if !bad {
			acked = append(acked, e.ID)
			continue
		}
		e.Rejections++
		e.LastError = reason
		log.Printf("authority rejected %s (%d/%d): %s", e.Record.Key(), e.Rejections, q.maxRej, reason)
		if e.Rejections >= q.maxRej {
			park = append(park, e)
		} else {
			retry = append(retry, e)
		}
	}

	if len(acked) > 0 {
		if err := q.backend.Remove(ctx, acked); err != nil {
			return attendance.Wrap(attendance.KindStorage, "remove acknowledged", err)
		}
	}
	if len(retry) > 0 {
		if err := q.backend.Update(ctx, retry); err != nil {
			return attendance.Wrap(attendance.KindStorage, "record rejections", err)
		}
	}
	if len(park) > 0 {
		if err := q.backend.Park(ctx, park); err != nil {
			return attendance.Wrap(attendance.KindStorage, "park rejected", err)
		}
	}
	report.Acked += len(acked)
	report.Rejected += len(retry) + len(park)
	report.Parked += len(park)
	q.changed(ctx)
	return nil
}

func (q *Queue) changed(ctx context.Context) {
	if q.onChange == nil {
		return
	}
	n, err := q.backend.Len(ctx)
	if err != nil {
		return
	}
	q.onChange(n)
}

func (e Entry) String() string {
	return fmt.Sprintf("%s %s %s", e.ID, e.Record.Key(), e.Record.Status)
}
