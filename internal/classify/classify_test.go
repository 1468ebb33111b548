package classify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hellmai/lumenflow/internal/wu"
)

func TestClassifyCodePathGlobWins(t *testing.T) {
	w := &wu.WU{Lane: "Ops: Tooling", CodePaths: []string{"web/src/Button.tsx"}}
	c := Classify(w)
	require.Equal(t, DomainUI, c.Domain)
	require.Equal(t, 1.0, c.Confidence)
	require.Contains(t, c.Hints, "smoke-test")
}

func TestClassifyMixedWhenTwoCodePathDomainsMatch(t *testing.T) {
	w := &wu.WU{Lane: "Core", CodePaths: []string{"web/src/Button.tsx", "internal/api/handler.go"}}
	c := Classify(w)
	require.Equal(t, DomainMixed, c.Domain)
}

func TestClassifyLaneHintFallback(t *testing.T) {
	w := &wu.WU{Lane: "Docs: Guides"}
	c := Classify(w)
	require.Equal(t, DomainDocs, c.Domain)
	require.Equal(t, 0.6, c.Confidence)
}

func TestClassifyNoSignalsIsMixedZeroConfidence(t *testing.T) {
	w := &wu.WU{Lane: "Unrelated"}
	c := Classify(w)
	require.Equal(t, DomainMixed, c.Domain)
	require.Equal(t, 0.0, c.Confidence)
}

func TestValidateTransitionAllowsReadyAndInProgress(t *testing.T) {
	require.NoError(t, ValidateTransition(wu.StatusReady))
	require.NoError(t, ValidateTransition(wu.StatusInProgress))
	require.Error(t, ValidateTransition(wu.StatusBlocked))
}

func TestValidateSpecCompletenessRequiresDescriptionAndPaths(t *testing.T) {
	w := &wu.WU{Type: wu.TypeEngineering, Description: "short"}
	errs := ValidateSpecCompleteness(w, 40)
	require.Len(t, errs, 3)
}

func TestValidateSpecCompletenessExemptsDocs(t *testing.T) {
	w := &wu.WU{Type: wu.TypeDocumentation, Description: strRepeat("x", 40)}
	errs := ValidateSpecCompleteness(w, 40)
	require.Empty(t, errs)
}

func strRepeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

func TestPostMutationValidateDetectsMismatch(t *testing.T) {
	w := &wu.WU{Status: wu.StatusInProgress}
	result := PostMutationValidate(w, wu.StatusInProgress, true)
	require.False(t, result.OK)
	require.NotEmpty(t, result.Errors)
}

func TestPostMutationValidatePassesOnConsistentDone(t *testing.T) {
	w := &wu.WU{Status: wu.StatusDone, Locked: true, CompletedAt: "2026-07-30T00:00:00Z"}
	result := PostMutationValidate(w, wu.StatusDone, true)
	require.True(t, result.OK)
}
