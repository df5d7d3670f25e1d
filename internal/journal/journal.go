// Package journal records the conversion breadcrumb trail: one JSONL
// record per state transition and per executed action, so a failed or
// interrupted run can be reconstructed afterwards.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Entry is what callers report to the journal.
type Entry struct {
	Phase  string
	State  string
	Action string
	Target string
	Detail string
	Error  string
}

// Record is the persisted form of an Entry.
type Record struct {
	Timestamp string `json:"timestamp"`
	RunID     string `json:"run_id"`
	EntryID   string `json:"entry_id"`
	Phase     string `json:"phase"`
	State     string `json:"state,omitempty"`
	Action    string `json:"action,omitempty"`
	Target    string `json:"target,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Logger appends records to date-named JSONL files in dir.
type Logger struct {
	dir   string
	runID string
}

// NewLogger creates the journal directory and binds records to a fresh
// run id.
func NewLogger(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Logger{dir: dir, runID: uuid.NewString()}, nil
}

// RunID returns the identifier shared by every record of this run.
func (l *Logger) RunID() string {
	return l.runID
}

// Append writes one record. Journal failures must never abort a
// conversion, so callers typically ignore the returned error after
// reporting it.
func (l *Logger) Append(e Entry) error {
	rec := Record{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RunID:     l.runID,
		EntryID:   uuid.NewString(),
		Phase:     e.Phase,
		State:     e.State,
		Action:    e.Action,
		Target:    e.Target,
		Detail:    e.Detail,
		Error:     e.Error,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: marshal record: %w", err)
	}

	path := filepath.Join(l.dir, time.Now().UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("journal: write record: %w", err)
	}
	return nil
}

// ReadAll returns every record in the journal directory, file order then
// line order.
func ReadAll(dir string) ([]Record, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, err
	}

	var records []Record
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			var rec Record
			if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
				f.Close()
				return nil, fmt.Errorf("journal: decode %s: %w", path, err)
			}
			records = append(records, rec)
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return nil, err
		}
		f.Close()
	}
	return records, nil
}
