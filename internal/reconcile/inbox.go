package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"qrattend/internal/attendance"
	"qrattend/internal/authority"
	"qrattend/internal/fsutil"
)

// Inbox is a file administrators drop authoritative corrections into. Its
// rows use the authority's wire format and are applied ahead of any push.
type Inbox struct {
	path string
	loc  *time.Location
}

func NewInbox(path string, loc *time.Location) *Inbox {
	if loc == nil {
		loc = time.UTC
	}
	return &Inbox{path: path, loc: loc}
}

func (b *Inbox) Path() string { return b.path }

// read returns the pending corrections. A missing file means none; a
// malformed one is moved aside.
func (b *Inbox) read() ([]attendance.Record, bool, error) {
	raw, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read corrections: %w", err)
	}

	rows, err := authority.DecodeRecords(raw)
	if err != nil {
		moved, qerr := fsutil.Quarantine(b.path, time.Now())
		if qerr != nil {
			return nil, false, fmt.Errorf("corrections malformed (%v): %w", err, qerr)
		}
		log.Printf("corrections file malformed: %v; moved to %s", err, moved)
		return nil, false, nil
	}

	recs := make([]attendance.Record, 0, len(rows))
	for i, row := range rows {
		rec, err := row.ToRecord(b.loc)
		if err != nil {
			log.Printf("skipping correction %d: %v", i, err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, true, nil
}

// ApplyCorrections writes every correction over the local ledger, drops
// queued records they replace, then consumes the inbox file.
func (r *Reconciler) ApplyCorrections(ctx context.Context) (int, error) {
	recs, found, err := r.inbox.read()
	if err != nil || !found {
		return 0, err
	}

	writes := make([]attendance.Record, 0, len(recs))
	keys := make(map[attendance.Key]bool, len(recs))
	for _, rec := range recs {
		if local, ok := r.store.Lookup(rec.Key()); ok {
			rec = Merge(local, rec)
		}
		writes = append(writes, rec)
		keys[rec.Key()] = true
	}
	if err := r.store.Put(writes...); err != nil {
		return 0, attendance.Wrap(attendance.KindStorage, "apply corrections", err)
	}
	dropped, err := r.queue.Supersede(ctx, keys)
	if err != nil {
		return len(writes), attendance.Wrap(attendance.KindStorage, "supersede queued records", err)
	}
	if err := os.Remove(r.inbox.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return len(writes), fmt.Errorf("consume corrections: %w", err)
	}
	if len(writes) > 0 {
		log.Printf("applied %d corrections (%d queued records superseded)", len(writes), dropped)
	}
	return len(writes), nil
}
