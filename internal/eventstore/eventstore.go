// Package eventstore implements the append-only event log that is the
// source of truth for Work Unit lifecycle state (C4, §3.2, §4.2). Every
// mutation is appended as one JSON line; the status of a WU is derived by
// folding its events, never by reading a cached field directly.
package eventstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/hellmai/lumenflow/internal/lferrors"
	"github.com/hellmai/lumenflow/internal/wu"
)

// Store wraps the JSONL event log at path, serializing appends with an
// exclusive flock for cross-process mutual exclusion instead of an
// in-memory mutex, since lumenflow's callers are separate CLI invocations
// rather than goroutines of one long-lived process.
type Store struct {
	path string
	lock *flock.Flock
	log  *zap.Logger
}

// Open returns a Store bound to the event log at path. It does not create
// the file; the first Append does, creating the parent directory as needed.
func Open(path string) *Store {
	return &Store{path: path, lock: flock.New(path + ".lock")}
}

// WithLogger attaches a logger used to report skipped malformed lines
// during Load, and returns the same Store for chaining.
func (s *Store) WithLogger(log *zap.Logger) *Store {
	s.log = log
	return s
}

// Append writes one event to the end of the log under an exclusive lock.
// The lock is process-wide advisory via flock, matching how two concurrent
// lumenflow invocations (e.g. two `wu claim` calls) serialize without a
// shared in-memory mutex.
func (s *Store) Append(e wu.Event) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating event log directory: %w", err)
	}

	locked, err := s.lock.TryLockContext(context.Background(), 50*time.Millisecond)
	if err != nil {
		return lferrors.Wrap(lferrors.KindRecovery, "acquiring event log lock", err)
	}
	if !locked {
		return lferrors.New(lferrors.KindRecovery, "event log is locked by another process").
			WithRemediations("retry the command", "check for a stuck lumenflow process holding "+s.lock.Path())
	}
	defer s.lock.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return f.Sync()
}

// Load reads every event in the log, in append order. Blank lines are
// skipped. A malformed line is skipped and logged rather than aborting the
// read (§3.2's fold semantics: "ignore malformed lines"), so one corrupt
// record never hides the status of every other WU in the log.
func (s *Store) Load() ([]wu.Event, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()

	var events []wu.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e wu.Event
		if err := json.Unmarshal(line, &e); err != nil {
			if s.log != nil {
				s.log.Warn("skipping malformed event log line",
					zap.String("path", s.path), zap.Int("line", lineNo), zap.Error(err))
			}
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning event log: %w", err)
	}
	return events, nil
}

// ForWU returns only the events recorded against id, in append order.
func (s *Store) ForWU(id string) ([]wu.Event, error) {
	all, err := s.Load()
	if err != nil {
		return nil, err
	}
	var out []wu.Event
	for _, e := range all {
		if e.WUID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

// Rewrite replaces the entire log with events, under the same exclusive
// lock Append uses. Used by the duplicate-id repair tool (§4.11) to
// correct a wuId in place without disturbing append order; ordinary
// lifecycle writers only ever append and never call this.
func (s *Store) Rewrite(events []wu.Event) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating event log directory: %w", err)
	}

	locked, err := s.lock.TryLockContext(context.Background(), 50*time.Millisecond)
	if err != nil {
		return lferrors.Wrap(lferrors.KindRecovery, "acquiring event log lock", err)
	}
	if !locked {
		return lferrors.New(lferrors.KindRecovery, "event log is locked by another process").
			WithRemediations("retry the command", "check for a stuck lumenflow process holding "+s.lock.Path())
	}
	defer s.lock.Unlock()

	var buf []byte
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding event: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	tmp := s.path + ".rewrite-tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return fmt.Errorf("writing rewritten event log: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming rewritten event log into place: %w", err)
	}
	return nil
}

// Status folds id's events and returns its derived status. The ok result
// is false when no status-mutating event has ever been recorded for id,
// in which case callers fall back to the YAML file's declared status.
func (s *Store) Status(id string) (wu.Status, bool, error) {
	events, err := s.ForWU(id)
	if err != nil {
		return "", false, err
	}
	status, found := wu.FoldStatus(events)
	return status, found, nil
}
