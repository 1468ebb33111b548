// Package pathcfg resolves the repo root and the canonical paths every
// other component needs (C1). It is the only component that touches the
// process's current working directory or environment — everything else
// receives paths explicitly, per the "Global state" design note.
package pathcfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"
)

// Defaults for the well-known filesystem layout (§6), relative to repo root.
const (
	DefaultWUDir        = "wu"
	DefaultStateDir      = ".lumenflow/state"
	DefaultStampsDir    = ".lumenflow/stamps"
	DefaultWorktreesDir = ".lumenflow/worktrees"
	DefaultStatusDir    = ".lumenflow"

	DefaultDescriptionMinLength = 40
)

// Config is the resolved, absolute, canonical path set plus the handful of
// numeric/behavioral settings the core consults.
type Config struct {
	RepoRoot     string
	WUDir        string
	StateDir     string
	StampsDir    string
	WorktreesDir string
	StatusDir    string

	DescriptionMinLength int

	// Offline mirrors the OFFLINE env var (§6): skip remote sources in the
	// id allocator. The cutover reads no remote source and does not use it.
	Offline bool

	// TestBaselinePath mirrors TEST_BASELINE (§6): path to the known-failing
	// test ratchet file, consulted by the (external) test-gate adapter.
	TestBaselinePath string
}

// EventsPath returns the canonical path to the append-only event log.
func (c *Config) EventsPath() string {
	return filepath.Join(c.StateDir, "wu-events.jsonl")
}

// CutoverMarkerPath returns the path to the one-time cutover idempotency marker.
func (c *Config) CutoverMarkerPath() string {
	return filepath.Join(c.StateDir, ".delegation-cutover-done")
}

// ArchiveDir returns the directory under which cutover archives old files.
func (c *Config) ArchiveDir(prefixTimestamp string) string {
	return filepath.Join(c.StateDir, "archive", prefixTimestamp)
}

// AuditLogPath returns the path to the rotating skip-gates audit log.
func (c *Config) AuditLogPath() string {
	return filepath.Join(c.StateDir, "skip-gates-audit.jsonl")
}

// StampPath returns the path to a WU's completion stamp file.
func (c *Config) StampPath(id string) string {
	return filepath.Join(c.StampsDir, id+".done")
}

// YAMLPath returns the canonical path to a WU's YAML spec file.
func (c *Config) YAMLPath(id string) string {
	return filepath.Join(c.WUDir, id+".yaml")
}

// FindRepoRoot walks up from startDir looking for a .git entry, the way
// git itself resolves the repository boundary.
func FindRepoRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving absolute path: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no .git directory found above %s", startDir)
		}
		dir = parent
	}
}

// Load resolves configuration for the repo rooted at repoRoot. It reads
// lumenflow.toml (if present) via viper, layered with LUMENFLOW_* env
// overrides, and the OFFLINE / TEST_BASELINE environment variables.
func Load(repoRoot string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("lumenflow")
	v.SetConfigType("toml")
	v.AddConfigPath(repoRoot)

	v.SetDefault("wuDir", DefaultWUDir)
	v.SetDefault("stateDir", DefaultStateDir)
	v.SetDefault("stampsDir", DefaultStampsDir)
	v.SetDefault("worktreesDir", DefaultWorktreesDir)
	v.SetDefault("statusDir", DefaultStatusDir)
	v.SetDefault("descriptionMinLength", DefaultDescriptionMinLength)

	v.SetEnvPrefix("LUMENFLOW")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("reading lumenflow.toml: %w", err)
		}
	}

	cfg := &Config{
		RepoRoot:             repoRoot,
		WUDir:                filepath.Join(repoRoot, v.GetString("wuDir")),
		StateDir:             filepath.Join(repoRoot, v.GetString("stateDir")),
		StampsDir:            filepath.Join(repoRoot, v.GetString("stampsDir")),
		WorktreesDir:         filepath.Join(repoRoot, v.GetString("worktreesDir")),
		StatusDir:            filepath.Join(repoRoot, v.GetString("statusDir")),
		DescriptionMinLength: v.GetInt("descriptionMinLength"),
		Offline:              isTruthy(os.Getenv("OFFLINE")),
		TestBaselinePath:     os.Getenv("TEST_BASELINE"),
	}
	return cfg, nil
}

func isTruthy(s string) bool {
	if s == "" {
		return false
	}
	b, err := strconv.ParseBool(s)
	return err == nil && b
}
