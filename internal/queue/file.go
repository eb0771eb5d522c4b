package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"qrattend/internal/fsutil"
)

type envelope struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// File keeps the queue in a JSON file and parked entries in a sibling file.
type File struct {
	path       string
	parkedPath string

	mu      sync.Mutex
	entries []Entry
	parked  []Entry
}

// OpenFile loads the queue at path. An unreadable file is moved aside and the
// queue starts empty.
func OpenFile(path string) (*File, error) {
	f := &File{path: path, parkedPath: path + ".rejected"}
	var err error
	if f.entries, err = load(path); err != nil {
		return nil, err
	}
	if f.parked, err = load(f.parkedPath); err != nil {
		return nil, err
	}
	return f, nil
}

func load(path string) ([]Entry, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		moved, qerr := fsutil.Quarantine(path, time.Now())
		if qerr != nil {
			return nil, fmt.Errorf("queue malformed (%v): %w", err, qerr)
		}
		log.Printf("queue %s malformed: %v; moved to %s", path, err, moved)
		return nil, nil
	}
	return env.Entries, nil
}

func save(path string, entries []Entry) error {
	data, err := json.MarshalIndent(envelope{Version: 1, Entries: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

func (f *File) Append(_ context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := append(append([]Entry(nil), f.entries...), e)
	if err := save(f.path, next); err != nil {
		return err
	}
	f.entries = next
	return nil
}

func (f *File) Snapshot(_ context.Context) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Entry(nil), f.entries...), nil
}

func (f *File) Remove(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := without(f.entries, ids)
	if err := save(f.path, next); err != nil {
		return err
	}
	f.entries = next
	return nil
}

func (f *File) Update(_ context.Context, entries []Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	byID := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	next := make([]Entry, len(f.entries))
	for i, e := range f.entries {
		if u, ok := byID[e.ID]; ok {
			e = u
		}
		next[i] = e
	}
	if err := save(f.path, next); err != nil {
		return err
	}
	f.entries = next
	return nil
}

// Park writes the dead-letter file first so an entry is never in neither.
func (f *File) Park(_ context.Context, entries []Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	parked := append(append([]Entry(nil), f.parked...), entries...)
	if err := save(f.parkedPath, parked); err != nil {
		return err
	}
	f.parked = parked

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	next := without(f.entries, ids)
	if err := save(f.path, next); err != nil {
		return err
	}
	f.entries = next
	return nil
}

func (f *File) Parked(_ context.Context) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Entry(nil), f.parked...), nil
}

func (f *File) Len(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries), nil
}

func without(entries []Entry, ids []string) []Entry {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !drop[e.ID] {
			out = append(out, e)
		}
	}
	return out
}
