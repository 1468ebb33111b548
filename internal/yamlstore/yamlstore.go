// Package yamlstore parses and serializes Work Unit YAML files (C3). It
// preserves the field order defined on wu.WU and validates the minimal
// schema described in spec §3.1 before handing a record back to callers.
package yamlstore

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hellmai/lumenflow/internal/lferrors"
	"github.com/hellmai/lumenflow/internal/wu"
)

// Load reads and validates a single WU YAML file.
func Load(path string) (*wu.WU, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, lferrors.Wrap(lferrors.KindFileNotFound, "work unit file not found: "+path, err)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw YAML bytes into a validated WU.
func Parse(data []byte) (*wu.WU, error) {
	var w wu.WU
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, lferrors.Wrap(lferrors.KindSchema, "malformed work unit YAML", err)
	}
	if errs := Validate(&w); len(errs) > 0 {
		return nil, lferrors.New(lferrors.KindSchema, "work unit schema validation failed").
			WithDetails(map[string]any{"errors": errs})
	}
	return &w, nil
}

// Validate checks a WU against the schema invariants of §3.1 that are
// checkable independent of the rest of the repo (cross-file invariants
// like duplicate ids are handled by classify.RepairDuplicateIDs, which
// sees the whole WU set). It never panics and returns a plain error list, per the
// "pure functions never throw" propagation policy (§7).
func Validate(w *wu.WU) []string {
	var errs []string

	if _, err := wu.ParseID(w.ID); err != nil {
		errs = append(errs, err.Error())
	}
	if w.Title == "" {
		errs = append(errs, "title is required")
	}
	if w.Lane == "" {
		errs = append(errs, "lane is required")
	}
	switch w.Status {
	case wu.StatusReady, wu.StatusInProgress, wu.StatusBlocked, wu.StatusDone, wu.StatusCompleted, "":
	default:
		errs = append(errs, fmt.Sprintf("invalid status %q", w.Status))
	}
	if w.Status == wu.StatusDone {
		if !w.Locked {
			errs = append(errs, "status=done requires locked=true (I2)")
		}
		if w.CompletedAt == "" {
			errs = append(errs, "status=done requires completed_at (I2)")
		} else if _, err := wu.ParseISODateTime(w.CompletedAt); err != nil {
			errs = append(errs, "completed_at is not a valid ISO-8601 datetime: "+err.Error())
		}
		if w.Completed == "" {
			errs = append(errs, "status=done requires completed (I2)")
		} else if _, err := wu.ParseISODate(w.Completed); err != nil {
			errs = append(errs, "completed is not a valid ISO-8601 date: "+err.Error())
		}
	}
	return errs
}

// Save serializes w with stable key order and a trailing newline, then
// writes it to path. Round-trip is guaranteed at the semantic level only
// (§4.3) — callers needing an atomic write across a larger mutation set
// should stage through the metadata transaction (internal/txn) instead.
func Save(path string, w *wu.WU) error {
	data, err := Marshal(w)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Marshal renders w as YAML bytes with a trailing newline.
func Marshal(w *wu.WU) ([]byte, error) {
	data, err := yaml.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshaling work unit YAML: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	return data, nil
}
