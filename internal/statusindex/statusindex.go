// Package statusindex renders the human-readable status.md and backlog.md
// summaries the completion pipeline's preparing stage rewrites alongside
// the authoritative YAML and event log (§4.9). These files are read-only
// conveniences: nothing folds state from them, and the dirty-main guard
// allow-lists them by name (§4.7) precisely because they are expected to
// change on every mutation.
package statusindex

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hellmai/lumenflow/internal/wu"
)

const (
	StatusFilename  = "status.md"
	BacklogFilename = "backlog.md"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true)
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	blockedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// RenderStatus renders a lane-grouped snapshot of every WU's current
// status, with colored badges for done/blocked states.
func RenderStatus(wus []*wu.WU) string {
	byLane := map[string][]*wu.WU{}
	for _, w := range wus {
		byLane[w.Lane] = append(byLane[w.Lane], w)
	}
	lanes := make([]string, 0, len(byLane))
	for lane := range byLane {
		lanes = append(lanes, lane)
	}
	sort.Strings(lanes)

	var b strings.Builder
	b.WriteString("# Status\n\n")
	for _, lane := range lanes {
		fmt.Fprintf(&b, "%s\n\n", headingStyle.Render(lane))
		items := byLane[lane]
		sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
		for _, w := range items {
			b.WriteString(renderLine(w) + "\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderLine(w *wu.WU) string {
	label := string(w.Status)
	switch w.Status {
	case wu.StatusDone:
		label = doneStyle.Render(label)
	case wu.StatusBlocked:
		label = blockedStyle.Render(label)
	}
	return fmt.Sprintf("- [%s] %s: %s", w.ID, label, w.Title)
}

// RenderBacklog renders every WU not yet done, ordered by id, as the
// pending-work index (§4.9).
func RenderBacklog(wus []*wu.WU) string {
	var pending []*wu.WU
	for _, w := range wus {
		if w.Status != wu.StatusDone {
			pending = append(pending, w)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })

	var b strings.Builder
	b.WriteString("# Backlog\n\n")
	for _, w := range pending {
		b.WriteString(renderLine(w) + "\n")
	}
	return b.String()
}

// Write renders and writes both index files under statusDir.
func Write(statusDir string, wus []*wu.WU) error {
	if err := os.WriteFile(statusDir+"/"+StatusFilename, []byte(RenderStatus(wus)), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", StatusFilename, err)
	}
	if err := os.WriteFile(statusDir+"/"+BacklogFilename, []byte(RenderBacklog(wus)), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", BacklogFilename, err)
	}
	return nil
}
