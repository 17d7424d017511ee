package checkpoint

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AttemptEntry is one line of the append-only attempt log.
type AttemptEntry struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Subtask   string    `json:"subtask,omitempty"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
}

// appendAttempt writes one NDJSON line. Callers hold the store lock.
func (s *Store) appendAttempt(subtaskID, action, details string) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create build dir: %w", err)
	}
	line, err := json.Marshal(AttemptEntry{
		Timestamp: s.now().UTC(),
		RunID:     s.runID,
		Subtask:   subtaskID,
		Action:    action,
		Details:   details,
	})
	if err != nil {
		return fmt.Errorf("marshal attempt entry: %w", err)
	}

	f, err := s.fs.OpenFile(filepath.Join(s.dir, attemptLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open attempt log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append attempt log: %w", err)
	}
	return f.Close()
}

// RecordAttempt appends an arbitrary entry to the attempt log.
func (s *Store) RecordAttempt(subtaskID, action, details string) error {
	return s.withLock(func() error {
		return s.appendAttempt(subtaskID, action, details)
	})
}

// AttemptLog returns every entry of the attempt log in write order.
// Malformed lines are skipped.
func (s *Store) AttemptLog() ([]AttemptEntry, error) {
	f, err := s.fs.Open(filepath.Join(s.dir, attemptLogName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open attempt log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []AttemptEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e AttemptEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("read attempt log: %w", err)
	}
	return entries, nil
}
