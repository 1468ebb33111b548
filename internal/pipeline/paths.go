package pipeline

import (
	"path/filepath"
	"strings"

	"github.com/hellmai/lumenflow/internal/pathcfg"
)

// pathJoin is filepath.Join, named locally so callers read as "worktree
// path + relative path" rather than a bare stdlib call.
func pathJoin(base, rel string) string {
	return filepath.Join(base, rel)
}

func relWUDir(cfg *pathcfg.Config) string {
	return mustRel(cfg.RepoRoot, cfg.WUDir)
}

func relStampsDir(cfg *pathcfg.Config) string {
	return mustRel(cfg.RepoRoot, cfg.StampsDir)
}

func relStatusDir(cfg *pathcfg.Config) string {
	return mustRel(cfg.RepoRoot, cfg.StatusDir)
}

func relStampPath(cfg *pathcfg.Config, id string) string {
	return mustRel(cfg.RepoRoot, cfg.StampPath(id))
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
