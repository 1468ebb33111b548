// Package signalbus implements the external memory-bus contract the
// completion pipeline's finalizing stage calls into (§4.9's "emit
// lane-completion signal to the external memory bus (C6 external
// interface)"): an append-only, fire-and-forget sink that never blocks a
// caller on a slow or absent subscriber.
package signalbus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Signal is one emitted event (§4.9, §6 "EmitSignal({wuId, severity, type,
// payload})"). Severity is a free-form string ("info", "warning", "error")
// rather than an enum, since external subscribers define their own scale.
type Signal struct {
	WUID      string         `json:"wuId"`
	Severity  string         `json:"severity"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Emitter is satisfied by anything that can publish a Signal; the
// completion pipeline depends on this narrow interface rather than on
// JSONLEmitter directly, so a future subscriber (webhook, queue, bus
// client) can be substituted without touching pipeline code.
type Emitter interface {
	EmitSignal(wuID, severity, kind string, payload map[string]any) error
}

// JSONLEmitter appends every signal as one line to a JSONL file:
// O_APPEND|O_CREATE, one JSON object per line, best-effort directory
// creation. It is fire-and-forget by design — a write failure here should
// never fail the completion it is reporting on, so callers log the
// returned error rather than propagate it into the pipeline's own error
// taxonomy.
type JSONLEmitter struct {
	Path string
	Now  func() time.Time
}

// NewJSONLEmitter returns an Emitter that appends to path.
func NewJSONLEmitter(path string) *JSONLEmitter {
	return &JSONLEmitter{Path: path}
}

// EmitSignal appends one Signal line to the bus file.
func (e *JSONLEmitter) EmitSignal(wuID, severity, kind string, payload map[string]any) error {
	now := e.Now
	if now == nil {
		now = time.Now
	}

	if err := os.MkdirAll(filepath.Dir(e.Path), 0755); err != nil {
		return fmt.Errorf("creating signal bus directory: %w", err)
	}

	f, err := os.OpenFile(e.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening signal bus file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(Signal{
		WUID:      wuID,
		Severity:  severity,
		Type:      kind,
		Payload:   payload,
		Timestamp: now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encoding signal: %w", err)
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// Read returns every signal recorded in the bus file, in append order.
// Provided for tests and operator tooling; the pipeline itself never
// reads back what it emitted.
func Read(path string) ([]Signal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading signal bus file: %w", err)
	}
	var signals []Signal
	for _, line := range splitNonEmptyLines(data) {
		var s Signal
		if err := json.Unmarshal(line, &s); err != nil {
			continue
		}
		signals = append(signals, s)
	}
	return signals, nil
}

func splitNonEmptyLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
