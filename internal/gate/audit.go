package gate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one override record.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`
	Project   string    `json:"project"`
	Reason    string    `json:"reason"`
	Warning   string    `json:"warning"`
}

// AuditTrail is an append-only JSON-lines file.
type AuditTrail struct {
	path string
	mu   sync.Mutex
}

// NewAuditTrail returns a trail writing to path. The file is created on the
// first append.
func NewAuditTrail(path string) *AuditTrail {
	return &AuditTrail{path: path}
}

// Path returns the trail's file.
func (a *AuditTrail) Path() string { return a.path }

// Append writes e as one line and returns it with ID and Timestamp filled.
func (a *AuditTrail) Append(e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return e, fmt.Errorf("failed to encode audit entry: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return e, fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return e, fmt.Errorf("failed to open audit trail: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return e, fmt.Errorf("failed to write audit trail: %w", err)
	}
	return e, nil
}

// Entries reads every record in the trail. A missing file has no entries.
func (a *AuditTrail) Entries() ([]Entry, error) {
	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return entries, fmt.Errorf("corrupt audit line %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}
