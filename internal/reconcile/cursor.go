package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"qrattend/internal/fsutil"
)

// Cursor tracks pull progress. WindowStart and Offset are set only while a
// pass over the lookback window is incomplete.
type Cursor struct {
	LastPullAt   time.Time `json:"last_pull_at"`
	LookbackDays int       `json:"lookback_days"`
	WindowStart  string    `json:"window_start,omitempty"`
	Offset       int       `json:"offset,omitempty"`
}

// CursorStore persists the cursor as a small JSON file.
type CursorStore struct {
	path string
}

func NewCursorStore(path string) *CursorStore {
	return &CursorStore{path: path}
}

// Load returns the saved cursor, or the zero cursor when there is none. An
// unreadable file is moved aside.
func (s *CursorStore) Load() (Cursor, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("read cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		moved, qerr := fsutil.Quarantine(s.path, time.Now())
		if qerr != nil {
			return Cursor{}, fmt.Errorf("cursor malformed (%v): %w", err, qerr)
		}
		log.Printf("sync cursor malformed: %v; moved to %s", err, moved)
		return Cursor{}, nil
	}
	return c, nil
}

func (s *CursorStore) Save(c Cursor) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}
