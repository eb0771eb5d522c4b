package ledger

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"qrattend/internal/attendance"
	"qrattend/internal/fsutil"
)

// Header is the first row of every ledger file.
var Header = []string{
	"subject_id", "name", "timestamp", "status", "shift", "program",
	"current_year", "admission_year", "check_in_time", "check_out_time", "duration_minutes",
}

var (
	ErrDuplicate = errors.New("record already exists")
	ErrNoOpen    = errors.New("no open check-in")
)

// Ledger is the CSV attendance store. Every write produces a complete new
// file that replaces the old one by rename.
type Ledger struct {
	path string
	loc  *time.Location
	now  func() time.Time

	mu          sync.RWMutex
	records     []attendance.Record
	index       map[attendance.Key]int
	quarantined []string
}

// Open loads the ledger at path. A malformed file is renamed aside and an
// empty ledger takes its place.
func Open(path string, loc *time.Location) (*Ledger, error) {
	if loc == nil {
		loc = time.UTC
	}
	l := &Ledger{path: path, loc: loc, now: time.Now, index: map[attendance.Key]int{}}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() error {
	raw, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return l.flush(nil)
	}
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}

	recs, perr := decode(raw, l.loc)
	if perr != nil {
		moved, qerr := fsutil.Quarantine(l.path, l.now())
		if qerr != nil {
			return fmt.Errorf("ledger malformed (%v) and could not be moved aside: %w", perr, qerr)
		}
		log.Printf("ledger %s malformed: %v; moved to %s and recreated", l.path, perr, moved)
		l.quarantined = append(l.quarantined, moved)
		return l.flush(nil)
	}
	l.swap(recs)
	return nil
}

// Quarantined lists files moved aside since Open.
func (l *Ledger) Quarantined() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.quarantined...)
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Append adds a new record. A record with the same key is rejected.
func (l *Ledger) Append(rec attendance.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[rec.Key()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.Key())
	}
	next := l.copyRecords(1)
	next = append(next, rec.Clone())
	return l.flush(next)
}

// Amend patches the latest open check-in of subjectID on date.
func (l *Ledger) Amend(subjectID, date string, patch attendance.Patch) (attendance.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	target := -1
	for i, rec := range l.records {
		if rec.SubjectID != subjectID || rec.Date(l.loc) != date {
			continue
		}
		if rec.Status == attendance.StatusCheckIn && rec.CheckOutTime == nil {
			if target < 0 || rec.Timestamp.After(l.records[target].Timestamp) {
				target = i
			}
		}
	}
	if target < 0 {
		return attendance.Record{}, fmt.Errorf("%w for %s on %s", ErrNoOpen, subjectID, date)
	}

	next := l.copyRecords(0)
	amended := patch.Apply(next[target])
	if err := amended.Validate(); err != nil {
		return attendance.Record{}, err
	}
	next[target] = amended
	if err := l.flush(next); err != nil {
		return attendance.Record{}, err
	}
	return amended.Clone(), nil
}

// Put inserts or replaces records by key in a single write.
func (l *Ledger) Put(recs ...attendance.Record) error {
	if len(recs) == 0 {
		return nil
	}
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("%s: %w", rec.Key(), err)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.copyRecords(len(recs))
	pos := make(map[attendance.Key]int, len(l.index))
	for k, v := range l.index {
		pos[k] = v
	}
	for _, rec := range recs {
		if i, ok := pos[rec.Key()]; ok {
			next[i] = rec.Clone()
			continue
		}
		pos[rec.Key()] = len(next)
		next = append(next, rec.Clone())
	}
	return l.flush(next)
}

// Lookup returns the record stored under key.
func (l *Ledger) Lookup(key attendance.Key) (attendance.Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[key]
	if !ok {
		return attendance.Record{}, false
	}
	return l.records[i].Clone(), true
}

// StatusFor folds the subject's records on date. It never writes.
func (l *Ledger) StatusFor(subjectID, date string) (attendance.DailyStatus, error) {
	l.mu.RLock()
	var day []attendance.Record
	for _, rec := range l.records {
		if rec.SubjectID == subjectID && rec.Date(l.loc) == date {
			day = append(day, rec.Clone())
		}
	}
	l.mu.RUnlock()
	return attendance.Fold(subjectID, date, day), nil
}

// AllForDate returns every record on date ordered by timestamp.
func (l *Ledger) AllForDate(date string) ([]attendance.Record, error) {
	l.mu.RLock()
	var out []attendance.Record
	for _, rec := range l.records {
		if rec.Date(l.loc) == date {
			out = append(out, rec.Clone())
		}
	}
	l.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (l *Ledger) copyRecords(extra int) []attendance.Record {
	out := make([]attendance.Record, len(l.records), len(l.records)+extra)
	copy(out, l.records)
	return out
}

// flush writes recs to disk and, once the rename succeeded, makes them current.
func (l *Ledger) flush(recs []attendance.Record) error {
	data, err := encode(recs, l.loc)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(l.path, data, 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	l.swap(recs)
	return nil
}

func (l *Ledger) swap(recs []attendance.Record) {
	index := make(map[attendance.Key]int, len(recs))
	for i, rec := range recs {
		index[rec.Key()] = i
	}
	l.records = recs
	l.index = index
}

func encode(recs []attendance.Record, loc *time.Location) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Header); err != nil {
		return nil, err
	}
	for _, rec := range recs {
		row := []string{
			rec.SubjectID,
			rec.Name,
			rec.Timestamp.In(loc).Format(time.RFC3339),
			string(rec.Status),
			rec.Shift,
			rec.Program,
			formatInt(rec.CurrentYear),
			formatInt(rec.AdmissionYear),
			formatTime(rec.CheckInTime, loc),
			formatTime(rec.CheckOutTime, loc),
			formatMinutes(rec.Duration),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode ledger: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(raw []byte, loc *time.Location) ([]attendance.Record, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	if strings.Join(header, ",") != strings.Join(Header, ",") {
		return nil, fmt.Errorf("unexpected header %q", strings.Join(header, ","))
	}

	var recs []attendance.Record
	seen := map[attendance.Key]bool{}
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(row) != len(Header) {
			return nil, fmt.Errorf("line %d: %d fields, want %d", line, len(row), len(Header))
		}
		rec, err := decodeRow(row, loc)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if seen[rec.Key()] {
			return nil, fmt.Errorf("line %d: duplicate key %s", line, rec.Key())
		}
		seen[rec.Key()] = true
		recs = append(recs, rec)
	}
	return recs, nil
}

func decodeRow(row []string, loc *time.Location) (attendance.Record, error) {
	ts, err := time.Parse(time.RFC3339, row[2])
	if err != nil {
		return attendance.Record{}, fmt.Errorf("timestamp: %w", err)
	}
	status, err := attendance.ParseStatus(row[3])
	if err != nil {
		return attendance.Record{}, err
	}
	rec := attendance.Record{
		SubjectID:     row[0],
		Name:          row[1],
		Timestamp:     ts.In(loc),
		Status:        status,
		Shift:         row[4],
		Program:       row[5],
		CurrentYear:   parseInt(row[6]),
		AdmissionYear: parseInt(row[7]),
		CheckInTime:   parseTime(row[8], loc),
		CheckOutTime:  parseTime(row[9], loc),
		Duration:      parseMinutes(row[10]),
	}
	if err := rec.Validate(); err != nil {
		return attendance.Record{}, err
	}
	return rec, nil
}

func formatInt(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}

func parseInt(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return v
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	return t.In(loc).Format(time.RFC3339)
}

// parseTime treats an unreadable optional time as unknown.
func parseTime(s string, loc *time.Location) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.In(loc)
	return &t
}

func formatMinutes(d *time.Duration) string {
	if d == nil {
		return ""
	}
	return strconv.FormatFloat(d.Minutes(), 'f', -1, 64)
}

func parseMinutes(s string) *time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	m, err := strconv.ParseFloat(s, 64)
	if err != nil || m < 0 {
		return nil
	}
	d := time.Duration(m * float64(time.Minute)).Round(time.Second)
	return &d
}
