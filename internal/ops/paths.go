package ops

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hellmai/lumenflow/internal/eventstore"
	"github.com/hellmai/lumenflow/internal/pathcfg"
)

func pathJoin(base, rel string) string {
	return filepath.Join(base, rel)
}

func relWUDir(cfg *pathcfg.Config) string {
	return mustRel(cfg.RepoRoot, cfg.WUDir)
}

func relEventsPath(cfg *pathcfg.Config) string {
	return mustRel(cfg.RepoRoot, cfg.EventsPath())
}

// mustRel resolves a path relative to root; every call site passes paths
// pathcfg itself derived from root, so this can never fail in practice.
func mustRel(root, target string) string {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return target
	}
	return rel
}

// trimWorktreePrefix converts an absolute path inside a worktree to the
// path relative to that worktree's root, the form `git add`/`git status`
// expect.
func trimWorktreePrefix(absPath, worktreePath string) string {
	rel := strings.TrimPrefix(absPath, worktreePath)
	return strings.TrimPrefix(rel, string(filepath.Separator))
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func openEventStore(path string) *eventstore.Store {
	return eventstore.Open(path)
}
