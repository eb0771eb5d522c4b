package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"qrattend/internal/attendance"
	"qrattend/internal/authority"
	"qrattend/internal/queue"
	"qrattend/internal/registry"
)

// Authority is the remote system of record.
type Authority interface {
	Push(ctx context.Context, recs []attendance.Record) (authority.PushResult, error)
	Pull(ctx context.Context, since string, limit, offset int) ([]authority.RemoteRecord, error)
	Students(ctx context.Context) ([]registry.Student, error)
}

// LocalStore is the part of the ledger the reconciler writes through.
type LocalStore interface {
	Lookup(key attendance.Key) (attendance.Record, bool)
	Put(recs ...attendance.Record) error
}

// Config tunes a Reconciler.
type Config struct {
	LookbackDays int
	PageSize     int
	MaxPages     int
	// Tolerance is how close two last-modified instants must be for a
	// differing remote status to count as an authoritative correction.
	Tolerance time.Duration
	Location  *time.Location
	Now       func() time.Time
}

// Reconciler converges the local ledger and outbox with the authority.
// Callers serialise Cycle with the process-wide sync mutex.
type Reconciler struct {
	store  LocalStore
	queue  *queue.Queue
	remote Authority
	cursor *CursorStore
	inbox  *Inbox
	roster registry.Registry
	cfg    Config
}

// New builds a reconciler. inbox and roster may be nil.
func New(store LocalStore, q *queue.Queue, remote Authority, cursor *CursorStore, inbox *Inbox, roster registry.Registry, cfg Config) *Reconciler {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 7
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 20
	}
	if cfg.Tolerance < 0 {
		cfg.Tolerance = 0
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{store: store, queue: q, remote: remote, cursor: cursor, inbox: inbox, roster: roster, cfg: cfg}
}

// Cycle runs corrections, then push, then pull, then a roster refresh.
// A retryable push failure ends the cycle before the pull.
func (r *Reconciler) Cycle(ctx context.Context) Report {
	rep := Report{Outcome: OutcomeOK}

	if r.inbox != nil {
		n, err := r.ApplyCorrections(ctx)
		rep.Corrections = n
		if err != nil {
			rep.fail(fmt.Errorf("corrections: %w", err))
		}
	}

	push, err := r.Push(ctx)
	rep.Pushed = push.Acked
	rep.Rejected = push.Rejected
	rep.Parked = push.Parked
	rep.Remaining = push.Remaining
	if err != nil {
		rep.fail(fmt.Errorf("push: %w", err))
		if attendance.IsRetryable(err) {
			return rep
		}
	}

	pull, err := r.Pull(ctx)
	rep.Pull = pull
	if err != nil {
		rep.fail(fmt.Errorf("pull: %w", err))
		return rep
	}

	if r.roster != nil {
		if err := r.RefreshRoster(ctx); err != nil {
			log.Printf("roster refresh failed: %v", err)
		}
	}
	return rep
}

// deliverer adapts the authority's push reply to the queue's delivery
// verdict, refusing acknowledgements that do not account for the batch.
type deliverer struct {
	remote Authority
}

func (d deliverer) Deliver(ctx context.Context, recs []attendance.Record) (queue.Delivery, error) {
	res, err := d.remote.Push(ctx, recs)
	if errors.Is(err, authority.ErrBatchRefused) {
		return d.isolate(ctx, recs, err)
	}
	if err != nil {
		return queue.Delivery{}, err
	}
	return verdict(res, len(recs), 0)
}

func verdict(res authority.PushResult, n, base int) (queue.Delivery, error) {
	if res.Accepted != n-len(res.Rejected) {
		return queue.Delivery{}, attendance.Errorf(attendance.KindNetwork,
			"authority acknowledged %d of %d records with %d rejections", res.Accepted, n, len(res.Rejected))
	}
	out := queue.Delivery{Rejected: make([]queue.Rejection, len(res.Rejected))}
	for i, rj := range res.Rejected {
		out.Rejected[i] = queue.Rejection{Index: base + rj.Index, Reason: rj.Reason}
	}
	return out, nil
}

// isolate halves a refused batch until each refusal rests on a single
// record. Refusals count against records only when something else in the
// batch went through; otherwise the request itself was refused (a wrong API
// key, say) and the batch stays queued untouched.
func (d deliverer) isolate(ctx context.Context, recs []attendance.Record, refusal error) (queue.Delivery, error) {
	iso := isolation{remote: d.remote, refusal: refusal}
	if err := iso.split(ctx, recs, 0); err != nil {
		return queue.Delivery{}, err
	}
	if !iso.accepted {
		return queue.Delivery{}, refusal
	}
	return queue.Delivery{Rejected: iso.rejected}, nil
}

type isolation struct {
	remote   Authority
	refusal  error
	accepted bool
	lone     int
	rejected []queue.Rejection
}

// split works on a slice the authority already refused; base is its offset
// in the drained batch.
func (iso *isolation) split(ctx context.Context, recs []attendance.Record, base int) error {
	if len(recs) == 1 {
		iso.lone++
		if !iso.accepted && iso.lone > 1 {
			return iso.refusal
		}
		iso.rejected = append(iso.rejected, queue.Rejection{Index: base, Reason: attendance.ReasonOf(iso.refusal)})
		return nil
	}
	mid := len(recs) / 2
	for _, part := range []struct {
		recs []attendance.Record
		base int
	}{{recs[:mid], base}, {recs[mid:], base + mid}} {
		res, err := iso.remote.Push(ctx, part.recs)
		if errors.Is(err, authority.ErrBatchRefused) {
			iso.refusal = err
			if err := iso.split(ctx, part.recs, part.base); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		got, err := verdict(res, len(part.recs), part.base)
		if err != nil {
			return err
		}
		iso.accepted = iso.accepted || res.Accepted > 0
		iso.rejected = append(iso.rejected, got.Rejected...)
	}
	return nil
}

// Push drains the outbox to the authority.
func (r *Reconciler) Push(ctx context.Context) (queue.DrainReport, error) {
	rep, err := r.queue.Drain(ctx, deliverer{remote: r.remote})
	if err != nil {
		log.Printf("push failed, %d records stay queued: %v", rep.Remaining, err)
		return rep, err
	}
	if rep.Attempted > 0 {
		log.Printf("pushed %d records (%d rejected, %d parked, %d remaining)", rep.Acked, rep.Rejected, rep.Parked, rep.Remaining)
	}
	return rep, nil
}

// PullReport counts what a pull did with each remote row.
type PullReport struct {
	Pages    int  `json:"pages"`
	Added    int  `json:"added"`
	Updated  int  `json:"updated"`
	Kept     int  `json:"kept"`
	Deferred int  `json:"deferred"`
	Invalid  int  `json:"invalid"`
	Complete bool `json:"complete"`
}

// Pull pages through the lookback window, merging each page before the
// cursor moves past it.
func (r *Reconciler) Pull(ctx context.Context) (PullReport, error) {
	var rep PullReport
	cur, err := r.cursor.Load()
	if err != nil {
		return rep, attendance.Wrap(attendance.KindStorage, "load cursor", err)
	}
	now := r.cfg.Now().In(r.cfg.Location)

	if cur.WindowStart == "" {
		base := cur.LastPullAt
		if base.IsZero() {
			base = now
		}
		cur.WindowStart = base.In(r.cfg.Location).AddDate(0, 0, -r.cfg.LookbackDays).Format(attendance.DateLayout)
		cur.Offset = 0
	}
	cur.LookbackDays = r.cfg.LookbackDays

	pending, err := r.queue.PendingKeys(ctx)
	if err != nil {
		return rep, attendance.Wrap(attendance.KindStorage, "read queue", err)
	}

	for rep.Pages < r.cfg.MaxPages {
		rows, err := r.remote.Pull(ctx, cur.WindowStart, r.cfg.PageSize, cur.Offset)
		if err != nil {
			return rep, err
		}
		if len(rows) == 0 {
			rep.Complete = true
			break
		}
		if err := r.mergePage(rows, pending, &rep); err != nil {
			return rep, err
		}
		cur.Offset += len(rows)
		if err := r.cursor.Save(cur); err != nil {
			return rep, attendance.Wrap(attendance.KindStorage, "save cursor", err)
		}
		rep.Pages++
		if len(rows) < r.cfg.PageSize {
			rep.Complete = true
			break
		}
	}

	if !rep.Complete {
		log.Printf("pull stopped after %d pages; resuming at offset %d next cycle", rep.Pages, cur.Offset)
		return rep, nil
	}
	done := Cursor{LastPullAt: now, LookbackDays: r.cfg.LookbackDays}
	if err := r.cursor.Save(done); err != nil {
		return rep, attendance.Wrap(attendance.KindStorage, "save cursor", err)
	}
	return rep, nil
}

func (r *Reconciler) mergePage(rows []authority.RemoteRecord, pending map[attendance.Key]bool, rep *PullReport) error {
	var writes []attendance.Record
	staged := map[attendance.Key]int{}

	for _, row := range rows {
		remote, err := row.ToRecord(r.cfg.Location)
		if err != nil {
			log.Printf("skipping remote row: %v", err)
			rep.Invalid++
			continue
		}
		key := remote.Key()
		if pending[key] {
			rep.Deferred++
			continue
		}

		local, ok := r.store.Lookup(key)
		if i, dup := staged[key]; dup {
			local, ok = writes[i], true
		}
		if !ok {
			staged[key] = len(writes)
			writes = append(writes, remote)
			rep.Added++
			continue
		}
		switch Resolve(local, remote, r.cfg.Tolerance) {
		case KeepLocal:
			rep.Kept++
			continue
		case RemoteNewer, AuthorityCorrection:
			merged := Merge(local, remote)
			if i, dup := staged[key]; dup {
				writes[i] = merged
			} else {
				staged[key] = len(writes)
				writes = append(writes, merged)
			}
			rep.Updated++
		}
	}

	if err := r.store.Put(writes...); err != nil {
		return attendance.Wrap(attendance.KindStorage, "merge remote page", err)
	}
	return nil
}

// RefreshRoster replaces the local roster with the authority's. An empty
// reply leaves the roster untouched.
func (r *Reconciler) RefreshRoster(ctx context.Context) error {
	students, err := r.remote.Students(ctx)
	if err != nil {
		return err
	}
	if len(students) == 0 {
		return nil
	}
	return r.roster.Replace(ctx, students)
}
