package lferrors

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	stateStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	fixStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	retryStyle   = lipgloss.NewStyle().Faint(true)
)

// Render formats an Error for a human reader at a terminal: what failed,
// the repo's current state, numbered remediation options, and the exact
// retry command (§7 "User-visible behaviour"). Plain-text fields on Error
// itself remain renderer-agnostic; this is the one place lipgloss is used.
func Render(err *Error) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", headingStyle.Render(fmt.Sprintf("%s: %s", err.Kind, err.Message)))
	if err.RepoState != "" {
		fmt.Fprintf(&b, "%s\n", stateStyle.Render("Repo state: "+err.RepoState))
	}
	if len(err.Remediations) > 0 {
		b.WriteString(fixStyle.Render("Remediation options:") + "\n")
		for i, r := range err.Remediations {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, r)
		}
	}
	if err.RetryCommand != "" {
		fmt.Fprintf(&b, "%s\n", retryStyle.Render("Retry with: "+err.RetryCommand))
	}
	return b.String()
}
