package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"qrattend/internal/fsutil"
)

// Student is a registered subject that may be scanned.
type Student struct {
	ID            string `json:"student_id"`
	Name          string `json:"name"`
	Shift         string `json:"shift"`
	Program       string `json:"program"`
	AdmissionYear int    `json:"admission_year,omitempty"`
	CurrentYear   int    `json:"current_year,omitempty"`
	Active        bool   `json:"is_active"`
}

// Registry resolves scanned identifiers to students.
type Registry interface {
	// Lookup returns nil, nil when the id is not registered.
	Lookup(ctx context.Context, id string) (*Student, error)
	List(ctx context.Context) ([]Student, error)
	Replace(ctx context.Context, students []Student) error
}

// fileEntry is the on-disk shape of students.json, keyed by student id.
type fileEntry struct {
	Name          string `json:"name"`
	Shift         string `json:"shift"`
	Program       string `json:"program"`
	AdmissionYear int    `json:"admission_year,omitempty"`
	CurrentYear   int    `json:"current_year,omitempty"`
	Active        *bool  `json:"is_active,omitempty"`
}

// File is a JSON-file registry. Writes replace the file atomically.
type File struct {
	path     string
	mu       sync.RWMutex
	students map[string]Student
}

// OpenFile loads path; a missing file is an empty registry.
func OpenFile(path string) (*File, error) {
	f := &File{path: path, students: map[string]Student{}}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return f, nil
	}

	// Accept both {"students": {...}} and the bare map.
	var wrapped struct {
		Students map[string]fileEntry `json:"students"`
	}
	entries := map[string]fileEntry{}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Students != nil {
		entries = wrapped.Students
	} else if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}

	for id, e := range entries {
		active := true
		if e.Active != nil {
			active = *e.Active
		}
		f.students[id] = Student{
			ID:            id,
			Name:          e.Name,
			Shift:         e.Shift,
			Program:       e.Program,
			AdmissionYear: e.AdmissionYear,
			CurrentYear:   e.CurrentYear,
			Active:        active,
		}
	}
	return f, nil
}

func (f *File) Lookup(_ context.Context, id string) (*Student, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, ok := f.students[strings.TrimSpace(id)]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (f *File) List(_ context.Context) ([]Student, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Student, 0, len(f.students))
	for _, st := range f.students {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Replace swaps the whole roster, e.g. after a refresh from the authority.
func (f *File) Replace(_ context.Context, students []Student) error {
	next := make(map[string]Student, len(students))
	entries := make(map[string]fileEntry, len(students))
	for _, st := range students {
		if st.ID == "" {
			continue
		}
		active := st.Active
		next[st.ID] = st
		entries[st.ID] = fileEntry{
			Name:          st.Name,
			Shift:         st.Shift,
			Program:       st.Program,
			AdmissionYear: st.AdmissionYear,
			CurrentYear:   st.CurrentYear,
			Active:        &active,
		}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := fsutil.WriteFileAtomic(f.path, data, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	f.students = next
	return nil
}
