package depgraph

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hellmai/lumenflow/internal/wu"
	"github.com/hellmai/lumenflow/internal/yamlstore"
)

func writeWU(t *testing.T, dir string, w *wu.WU) {
	t.Helper()
	require.NoError(t, yamlstore.Save(filepath.Join(dir, w.ID+".yaml"), w))
}

func TestBuildSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeWU(t, dir, &wu.WU{ID: "WU-1", Title: "a", Lane: "l"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "WU-2.yaml"), []byte("not: [valid"), 0644))

	g, skipped, err := Build(dir)
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	require.Len(t, g.Nodes, 1)
}

func TestTopologicalSortLinearChain(t *testing.T) {
	dir := t.TempDir()
	writeWU(t, dir, &wu.WU{ID: "WU-1", Title: "a", Lane: "l", Blocks: []string{"WU-2"}})
	writeWU(t, dir, &wu.WU{ID: "WU-2", Title: "b", Lane: "l", Blocks: []string{"WU-3"}, BlockedBy: []string{"WU-1"}})
	writeWU(t, dir, &wu.WU{ID: "WU-3", Title: "c", Lane: "l", BlockedBy: []string{"WU-2"}})

	g, _, err := Build(dir)
	require.NoError(t, err)

	result := g.TopologicalSort()
	require.Empty(t, result.Warning)
	require.Equal(t, []string{"WU-1", "WU-2", "WU-3"}, result.Order)
}

func TestTopologicalSortDetectsResidualCycle(t *testing.T) {
	dir := t.TempDir()
	writeWU(t, dir, &wu.WU{ID: "WU-1", Title: "a", Lane: "l", Blocks: []string{"WU-2"}})
	writeWU(t, dir, &wu.WU{ID: "WU-2", Title: "b", Lane: "l", Blocks: []string{"WU-1"}, BlockedBy: []string{"WU-1"}})

	g, _, err := Build(dir)
	require.NoError(t, err)

	result := g.TopologicalSort()
	require.NotEmpty(t, result.Warning)
	require.ElementsMatch(t, []string{"WU-1", "WU-2"}, result.CycleNodes)
}

func TestDoneNodesExcludedFromActiveSubgraph(t *testing.T) {
	dir := t.TempDir()
	writeWU(t, dir, &wu.WU{
		ID: "WU-1", Title: "a", Lane: "l", Status: wu.StatusDone,
		Locked: true, CompletedAt: "2026-01-01T00:00:00Z", Completed: "2026-01-01",
		Blocks: []string{"WU-2"},
	})
	writeWU(t, dir, &wu.WU{ID: "WU-2", Title: "b", Lane: "l", BlockedBy: []string{"WU-1"}})

	g, _, err := Build(dir)
	require.NoError(t, err)

	result := g.TopologicalSort()
	require.Equal(t, []string{"WU-2"}, result.Order)
}

func TestCriticalPathFollowsLongestChain(t *testing.T) {
	dir := t.TempDir()
	writeWU(t, dir, &wu.WU{ID: "WU-1", Title: "a", Lane: "l", Blocks: []string{"WU-2", "WU-3"}})
	writeWU(t, dir, &wu.WU{ID: "WU-2", Title: "b", Lane: "l", Blocks: []string{"WU-4"}, BlockedBy: []string{"WU-1"}})
	writeWU(t, dir, &wu.WU{ID: "WU-3", Title: "c", Lane: "l", BlockedBy: []string{"WU-1"}})
	writeWU(t, dir, &wu.WU{ID: "WU-4", Title: "d", Lane: "l", BlockedBy: []string{"WU-2"}})

	g, _, err := Build(dir)
	require.NoError(t, err)

	require.Equal(t, []string{"WU-1", "WU-2", "WU-4"}, g.CriticalPath())
}

func TestImpactScoreCountsReachableNodes(t *testing.T) {
	dir := t.TempDir()
	writeWU(t, dir, &wu.WU{ID: "WU-1", Title: "a", Lane: "l", Blocks: []string{"WU-2"}})
	writeWU(t, dir, &wu.WU{ID: "WU-2", Title: "b", Lane: "l", Blocks: []string{"WU-3"}, BlockedBy: []string{"WU-1"}})
	writeWU(t, dir, &wu.WU{ID: "WU-3", Title: "c", Lane: "l", BlockedBy: []string{"WU-2"}})

	g, _, err := Build(dir)
	require.NoError(t, err)

	require.Equal(t, 2, g.ImpactScore("WU-1"))
	require.Equal(t, 0, g.ImpactScore("WU-3"))
}

func TestBottlenecksSortDescendingWithTopN(t *testing.T) {
	dir := t.TempDir()
	writeWU(t, dir, &wu.WU{ID: "WU-1", Title: "a", Lane: "l", Blocks: []string{"WU-2", "WU-3"}})
	writeWU(t, dir, &wu.WU{ID: "WU-2", Title: "b", Lane: "l", BlockedBy: []string{"WU-1"}})
	writeWU(t, dir, &wu.WU{ID: "WU-3", Title: "c", Lane: "l", BlockedBy: []string{"WU-1"}})

	g, _, err := Build(dir)
	require.NoError(t, err)

	top := g.Bottlenecks(1)
	require.Len(t, top, 1)
	require.Equal(t, "WU-1", top[0].ID)
	require.Equal(t, 2, top[0].Score)
}

func TestDetectCycleReconstructsPath(t *testing.T) {
	dir := t.TempDir()
	writeWU(t, dir, &wu.WU{ID: "WU-1", Title: "a", Lane: "l", Blocks: []string{"WU-2"}})
	writeWU(t, dir, &wu.WU{ID: "WU-2", Title: "b", Lane: "l", Blocks: []string{"WU-3"}, BlockedBy: []string{"WU-1"}})
	writeWU(t, dir, &wu.WU{ID: "WU-3", Title: "c", Lane: "l", Blocks: []string{"WU-1"}, BlockedBy: []string{"WU-2"}})

	g, _, err := Build(dir)
	require.NoError(t, err)

	cycle := g.DetectCycle()
	require.NotEmpty(t, cycle)
}

func TestDetectCycleNilOnDAG(t *testing.T) {
	dir := t.TempDir()
	writeWU(t, dir, &wu.WU{ID: "WU-1", Title: "a", Lane: "l", Blocks: []string{"WU-2"}})
	writeWU(t, dir, &wu.WU{ID: "WU-2", Title: "b", Lane: "l", BlockedBy: []string{"WU-1"}})

	g, _, err := Build(dir)
	require.NoError(t, err)
	require.Nil(t, g.DetectCycle())
}

func TestOrphanRefsReportsDanglingTargets(t *testing.T) {
	dir := t.TempDir()
	writeWU(t, dir, &wu.WU{ID: "WU-1", Title: "a", Lane: "l", Blocks: []string{"WU-99"}})

	g, _, err := Build(dir)
	require.NoError(t, err)

	orphans := g.OrphanRefs()
	require.Equal(t, []OrphanRef{{From: "WU-1", To: "WU-99"}}, orphans)
}

func TestDescribeBundlesEveryQuery(t *testing.T) {
	dir := t.TempDir()
	writeWU(t, dir, &wu.WU{ID: "WU-1", Title: "a", Lane: "l", Blocks: []string{"WU-2"}})
	writeWU(t, dir, &wu.WU{ID: "WU-2", Title: "b", Lane: "l", BlockedBy: []string{"WU-1"}})

	g, _, err := Build(dir)
	require.NoError(t, err)

	snap := g.Describe(5)
	require.Equal(t, 2, snap.NodeCount)
	require.Equal(t, []string{"WU-1", "WU-2"}, snap.Topo.Order)
	require.Nil(t, snap.Cycle)
	require.Empty(t, snap.Orphans)
}
