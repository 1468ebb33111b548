// Package txn implements the two-phase commit over a declared set of file
// mutations that every WU lifecycle operation stages its changes through
// (C7, §4.6). Phase one stages each write to a sibling temp file and
// records the previous content for rollback; phase two renames every
// staged file into place in declaration order, rolling back on any
// failure. This generalizes the single-file atomic-write-then-rename
// primitive (internal/util.AtomicWriteFile) to a multi-file unit.
package txn

import (
	"fmt"
	"os"
)

// op is one pending write: either a new file (prev is nil) or an overwrite
// of existing content (prev holds what was there before, for rollback).
type op struct {
	path    string
	content []byte
	perm    os.FileMode
	tmpPath string
	prev    []byte
	prevOK  bool
}

// Txn stages a set of file writes and commits them as a unit. It is not
// safe for concurrent use by multiple goroutines; lumenflow serializes
// mutations through the micro-worktree runner instead (§4.8).
type Txn struct {
	ops       []*op
	committed bool
}

// New returns an empty transaction.
func New() *Txn {
	return &Txn{}
}

// Stage declares a write of content to path with perm, to be applied in
// declaration order when Commit is called. Calling Stage after Commit
// panics — that is a programmer error, not a runtime condition.
func (t *Txn) Stage(path string, content []byte, perm os.FileMode) {
	if t.committed {
		panic("txn: Stage called after Commit")
	}
	t.ops = append(t.ops, &op{path: path, content: content, perm: perm})
}

// Files returns the allow-list of paths this transaction will touch, in
// declaration order — the list the micro-worktree runner (C8) verifies
// against `git add` before committing (§4.6).
func (t *Txn) Files() []string {
	files := make([]string, len(t.ops))
	for i, o := range t.ops {
		files[i] = o.path
	}
	return files
}

// IsCommitted reports whether Commit has successfully completed.
func (t *Txn) IsCommitted() bool {
	return t.committed
}

// Commit stages every pending write to a sibling temp file, captures the
// previous content of any path that already exists, then renames every
// staged file into place in declaration order. If any rename fails, every
// rename already applied is rolled back using the captured previous
// content (or removed, if the path did not previously exist), and the
// original error is returned.
func (t *Txn) Commit() error {
	if t.committed {
		return fmt.Errorf("txn: already committed")
	}

	for _, o := range t.ops {
		if prev, err := os.ReadFile(o.path); err == nil {
			o.prev, o.prevOK = prev, true
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("reading previous content of %s: %w", o.path, err)
		}

		o.tmpPath = o.path + ".txn.tmp"
		if err := os.WriteFile(o.tmpPath, o.content, o.perm); err != nil {
			t.cleanupTempFiles()
			return fmt.Errorf("staging %s: %w", o.path, err)
		}
	}

	var applied []*op
	for _, o := range t.ops {
		if err := os.Rename(o.tmpPath, o.path); err != nil {
			t.rollback(applied)
			t.cleanupTempFiles()
			return fmt.Errorf("committing %s: %w", o.path, err)
		}
		applied = append(applied, o)
	}

	t.committed = true
	return nil
}

// rollback restores every already-applied op to its pre-commit state, in
// reverse declaration order.
func (t *Txn) rollback(applied []*op) {
	for i := len(applied) - 1; i >= 0; i-- {
		o := applied[i]
		if o.prevOK {
			_ = os.WriteFile(o.path, o.prev, o.perm)
		} else {
			_ = os.Remove(o.path)
		}
	}
}

func (t *Txn) cleanupTempFiles() {
	for _, o := range t.ops {
		if o.tmpPath != "" {
			_ = os.Remove(o.tmpPath)
		}
	}
}
