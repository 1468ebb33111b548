// Package wu defines the Work Unit data model: the declarative record
// described in spec §3.1, its lifecycle states, and the event log shape
// that sources those states (§3.2).
package wu

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Status is the finite-state variable driving a WU's lifecycle (§3.1).
type Status string

const (
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
	// StatusCompleted is a transient alias some legacy writers emit for
	// StatusDone; yamlstore accepts it, and the dependency graph and the
	// cutover treat it as done.
	StatusCompleted Status = "completed"
)

// Type enumerates the kinds of work a WU can describe. Documentation and
// Process types are exempt from code-path and test requirements (§3.1).
type Type string

const (
	TypeEngineering   Type = "engineering"
	TypeDocumentation Type = "documentation"
	TypeProcess       Type = "process"
	TypeBug           Type = "bug"
	TypeRefactor      Type = "refactor"
)

// ExemptFromCodeAndTests reports whether a WU of this type is exempt from
// the code-path-existence and test-path requirements (§3.1, §4.11).
func (t Type) ExemptFromCodeAndTests() bool {
	return t == TypeDocumentation || t == TypeProcess
}

// idPattern matches the canonical WU-<positive-integer> identifier shape.
var idPattern = regexp.MustCompile(`^WU-([1-9][0-9]*)$`)

// ParseID validates an id string and returns its numeric component.
func ParseID(id string) (int, error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return 0, fmt.Errorf("invalid work unit id %q: must match WU-<positive-integer>", id)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid work unit id %q: %w", id, err)
	}
	return n, nil
}

// FormatID renders the canonical id string for a numeric WU number.
func FormatID(n int) string {
	return fmt.Sprintf("WU-%d", n)
}

// Tests maps each automated/manual test category to the paths exercising
// it (§3.1). At least one list must be non-empty for non-exempt types, and
// at least one of Unit/E2E/Integration must be non-empty if any code_path
// is a code file rather than documentation.
type Tests struct {
	Unit        []string `yaml:"unit,omitempty"`
	E2E         []string `yaml:"e2e,omitempty"`
	Integration []string `yaml:"integration,omitempty"`
	Manual      []string `yaml:"manual,omitempty"`
}

// Empty reports whether no test paths of any kind are declared.
func (t Tests) Empty() bool {
	return len(t.Unit) == 0 && len(t.E2E) == 0 && len(t.Integration) == 0 && len(t.Manual) == 0
}

// Automated reports whether at least one non-manual test path is declared.
func (t Tests) Automated() bool {
	return len(t.Unit) > 0 || len(t.E2E) > 0 || len(t.Integration) > 0
}

// Escalation captures an unresolved-or-resolved escalation record (§3.1).
type Escalation struct {
	Triggers     []string `yaml:"escalation_triggers,omitempty"`
	ResolvedBy   string   `yaml:"escalation_resolved_by,omitempty"`
	ResolvedAt   string   `yaml:"escalation_resolved_at,omitempty"`
}

// Unresolved reports whether this WU carries escalation triggers that have
// not yet been resolved — such a WU cannot be completed silently (§4.10).
func (e Escalation) Unresolved() bool {
	return len(e.Triggers) > 0 && e.ResolvedBy == ""
}

// WU is the declarative record described in spec §3.1. Field order here
// is the canonical YAML key order produced by the YAML store (§4.3).
type WU struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Lane        string `yaml:"lane"`
	Type        Type   `yaml:"type"`
	Status      Status `yaml:"status"`
	Exposure    string `yaml:"exposure,omitempty"`
	Priority    string `yaml:"priority,omitempty"`

	Created      string `yaml:"created,omitempty"`
	ClaimedAt    string `yaml:"claimed_at,omitempty"`
	CompletedAt  string `yaml:"completed_at,omitempty"`
	Completed    string `yaml:"completed,omitempty"`

	Locked bool `yaml:"locked"`

	CodePaths []string `yaml:"code_paths,omitempty"`
	Tests     Tests    `yaml:"tests,omitempty"`
	Acceptance []string `yaml:"acceptance,omitempty"`

	Blocks    []string `yaml:"blocks,omitempty"`
	BlockedBy []string `yaml:"blocked_by,omitempty"`

	Escalation `yaml:",inline"`

	WorktreePath string `yaml:"worktree_path,omitempty"`
}

// LaneParts splits the two-part "Parent: Sublane" classifier (§3.1). An
// empty sublane is returned if the lane has no colon separator.
func (w *WU) LaneParts() (parent, sublane string) {
	idx := strings.Index(w.Lane, ":")
	if idx == -1 {
		return strings.TrimSpace(w.Lane), ""
	}
	return strings.TrimSpace(w.Lane[:idx]), strings.TrimSpace(w.Lane[idx+1:])
}

// LaneSlug produces the filesystem/branch-safe slug for this WU's lane:
// lowercase, non-alphanumerics collapsed to '-' (§6).
func LaneSlug(lane string) string {
	lane = strings.ToLower(lane)
	var b strings.Builder
	lastDash := false
	for _, r := range lane {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteRune('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

// IDSlug lowercases a WU id for use in branch/worktree names (e.g. "wu-100").
func IDSlug(id string) string {
	return strings.ToLower(id)
}

// DefaultWorktreePath computes the default worktree path for a WU under
// worktreesDir, as "<lane-slug>-<wu-id-slug>" (§6).
func DefaultWorktreePath(worktreesDir, lane, id string) string {
	return worktreesDir + "/" + LaneSlug(lane) + "-" + IDSlug(id)
}

// LaneBranch computes the canonical lane branch name, "lane/<lane-slug>/wu-<id-lowercased>" (§6).
func LaneBranch(lane, id string) string {
	return "lane/" + LaneSlug(lane) + "/" + IDSlug(id)
}

// NowISO returns the current instant as an ISO-8601 UTC datetime string,
// the format used for claimed_at/completed_at (§3.1).
func NowISO(now time.Time) string {
	return now.UTC().Format(time.RFC3339)
}

// TodayISO returns the current date as an ISO-8601 date string (day
// precision), the format used for the completed field (§3.1).
func TodayISO(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// ParseISODateTime validates that s parses as an ISO-8601 datetime.
func ParseISODateTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// ParseISODate validates that s parses as an ISO-8601 date (day precision).
func ParseISODate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}
