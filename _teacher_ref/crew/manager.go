package crew

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/steveyegge/gastown/internal/beads"
	"github.com/steveyegge/gastown/internal/config"
	"github.com/steveyegge/gastown/internal/git"
	"github.com/steveyegge/gastown/internal/rig"
	"github.com/steveyegge/gastown/internal/runtime"
	"github.com/steveyegge/gastown/internal/style"
	"github.com/steveyegge/gastown/internal/session"
	"github.com/steveyegge/gastown/internal/tmux"
	"github.com/steveyegge/gastown/internal/util"
)

// Common errors
var (
	ErrCrewExists      = errors.New("crew worker already exists")
	ErrCrewNotFound    = errors.New("crew worker not found")
	ErrHasChanges      = errors.New("crew worker has uncommitted changes")
	ErrInvalidCrewName = errors.New("invalid crew name")
	ErrSessionRunning  = errors.New("session already running")
	ErrSessionNotFound = errors.New("session not found")
)

// StartOptions configures crew session startup.
type StartOptions struct {
	// Account specifies the account handle to use (overrides default).
	Account string

	// ClaudeConfigDir is resolved CLAUDE_CONFIG_DIR for the account.
	// If set, this is injected as an environment variable.
	ClaudeConfigDir string

	// KillExisting kills any existing session before starting (for restart operations).
	// If false and a session is running, Start() returns ErrSessionRunning.
	KillExisting bool

	// Topic is the startup nudge topic (e.g., "start", "restart", "refresh").
	// Defaults to "start" if empty.
	Topic string

	// Interactive removes --dangerously-skip-permissions for interactive/refresh mode.
	Interactive bool

	// AgentOverride specifies an alternate agent alias (e.g., for testing).
	AgentOverride string

	// ResumeSessionID resumes a previous agent session instead of starting fresh.
	// "last" means resume the most recent session (--resume with no session ID).
	// Any other non-empty value is a specific session ID to resume.
	ResumeSessionID string
}

// validateSessionID checks that a resume session ID contains only safe characters.
// Session IDs from Claude, Gemini, etc. are typically UUIDs or hex strings.
// This rejects shell metacharacters that could cause injection when the ID is
// interpolated into a shell command string.
func validateSessionID(id string) error {
	if id == "" || id == "last" {
		return nil
	}
	for _, c := range id {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.') {
			return fmt.Errorf("invalid session ID %q: contains character %q; session IDs may only contain alphanumeric characters, hyphens, underscores, and dots", id, string(c))
		}
	}
	return nil
}

// buildResumeArgs validates the agent preset supports resume and returns the
// flag(s) to append to the command string. agentName is the resolved agent
// preset name (e.g. "claude", "gemini"). sessionID is "last" for auto-resume
// or a specific session ID.
func buildResumeArgs(agentName, sessionID string) (string, error) {
	preset := config.GetAgentPresetByName(agentName)
	if preset == nil || preset.ResumeFlag == "" {
		return "", fmt.Errorf("agent %q does not support session resume", agentName)
	}
	if preset.ResumeStyle == "subcommand" {
		return "", fmt.Errorf("--resume not yet supported for subcommand-style agents (e.g., %s); use the agent's native resume mechanism", agentName)
	}

	if sessionID == "last" {
		if preset.ContinueFlag == "" {
			return "", fmt.Errorf("agent %q does not support --resume without a session ID (no ContinueFlag configured); use --resume <session-id> instead", agentName)
		}
		return preset.ContinueFlag, nil
	}
	return preset.ResumeFlag + " " + config.ShellQuote(sessionID), nil
}

// validateCrewName checks that a crew name is safe and valid.
// Rejects path traversal attempts and characters that break agent ID parsing.
func validateCrewName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidCrewName)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q is not allowed", ErrInvalidCrewName, name)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: %q contains path separators", ErrInvalidCrewName, name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q contains path traversal sequence", ErrInvalidCrewName, name)
	}
	// Reject characters that break agent ID parsing (same as rig names)
	if strings.ContainsAny(name, "-. ") {
		sanitized := strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name)
		sanitized = strings.ToLower(sanitized)
		return fmt.Errorf("%w: %q contains invalid characters; hyphens, dots, and spaces are reserved for agent ID parsing. Try %q instead", ErrInvalidCrewName, name, sanitized)
	}
	return nil
}

// Manager handles crew worker lifecycle.
type Manager struct {
	rig *rig.Rig
	git *git.Git
}

// NewManager creates a new crew manager.
func NewManager(r *rig.Rig, g *git.Git) *Manager {
	return &Manager{
		rig: r,
		git: g,
	}
}

// crewDir returns the directory for a crew worker.
func (m *Manager) crewDir(name string) string {
	return filepath.Join(m.rig.Path, "crew", name)
}

// stateFile returns the state file path for a crew worker.
func (m *Manager) stateFile(name string) string {
	return filepath.Join(m.crewDir(name), "state.json")
}

// mailDir returns the mail directory path for a crew worker.
func (m *Manager) mailDir(name string) string {
	return filepath.Join(m.crewDir(name), "mail")
}

// exists checks if a crew worker exists.
func (m *Manager) exists(name string) bool {
	_, err := os.Stat(m.crewDir(name))
	return err == nil
}

// lockCrew acquires an exclusive file lock for a specific crew worker.
// This prevents concurrent gt processes from racing on the same crew worker's
// filesystem operations (Add, Remove, Rename, Start).
// Caller must defer fl.Unlock().
func (m *Manager) lockCrew(name string) (*flock.Flock, error) {
	lockDir := filepath.Join(m.rig.Path, ".runtime", "locks")
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	lockPath := filepath.Join(lockDir, fmt.Sprintf("crew-%s.lock", name))
	fl := flock.New(lockPath)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquiring crew lock for %s: %w", name, err)
	}
	return fl, nil
}

// Add creates a new crew worker with a clone of the rig.
func (m *Manager) Add(name string, createBranch bool) (*CrewWorker, error) {
	if err := validateCrewName(name); err != nil {
		return nil, err
	}
	fl, err := m.lockCrew(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fl.Unlock() }()
	return m.addLocked(name, createBranch)
}

// addLocked creates a new crew worker, assumes caller holds lockCrew(name).
func (m *Manager) addLocked(name string, createBranch bool) (*CrewWorker, error) {
	if m.exists(name) {
		return nil, ErrCrewExists
	}

	crewPath := m.crewDir(name)

	// Create crew directory if needed
	crewBaseDir := filepath.Join(m.rig.Path, "crew")
	if err := os.MkdirAll(crewBaseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating crew dir: %w", err)
	}

	// Clone the rig repo
	if m.rig.LocalRepo != "" {
		if err := m.git.CloneWithReference(m.rig.GitURL, crewPath, m.rig.LocalRepo); err != nil {
			style.PrintWarning("could not clone with local repo reference: %v", err)
			if err := m.git.Clone(m.rig.GitURL, crewPath); err != nil {
				return nil, fmt.Errorf("cloning rig: %w", err)
			}
		}
	} else {
		if err := m.git.Clone(m.rig.GitURL, crewPath); err != nil {
			return nil, fmt.Errorf("cloning rig: %w", err)
		}
	}

	// Sync remotes from mayor/rig so crew clone matches the rig's remote config.
	// This prevents origin pointing to upstream instead of the fork.
	if err := m.syncRemotesFromRig(crewPath); err != nil {
		style.PrintWarning("could not sync remotes from rig: %v", err)
	}

	crewGit := git.NewGit(crewPath)
	branchName := m.rig.DefaultBranch()

	// Optionally create a working branch
	if createBranch {
		branchName = fmt.Sprintf("crew/%s", name)
		if err := crewGit.CreateBranch(branchName); err != nil {
			_ = os.RemoveAll(crewPath) // best-effort cleanup
			return nil, fmt.Errorf("creating branch: %w", err)
		}
		if err := crewGit.Checkout(branchName); err != nil {
			_ = os.RemoveAll(crewPath) // best-effort cleanup
			return nil, fmt.Errorf("checking out branch: %w", err)
		}
	}

	// Create mail directory for mail delivery
	mailPath := m.mailDir(name)
	if err := os.MkdirAll(mailPath, 0755); err != nil {
		_ = os.RemoveAll(crewPath) // best-effort cleanup
		return nil, fmt.Errorf("creating mail dir: %w", err)
	}

	// Set up shared beads: crew uses rig's shared beads via redirect file
	if err := m.setupSharedBeads(crewPath); err != nil {
		// Non-fatal - crew can still work, warn but don't fail
		style.PrintWarning("could not set up shared beads: %v", err)
	}

	// Provision PRIME.md with Gas Town context for this worker.
	// This is the fallback if SessionStart hook fails - ensures crew workers
	// always have GUPP and essential Gas Town context.
	if err := beads.ProvisionPrimeMDForWorktree(crewPath); err != nil {
		// Non-fatal - crew can still work via hook, warn but don't fail
		style.PrintWarning("could not provision PRIME.md: %v", err)
	}

	// Copy overlay files from .runtime/overlay/ to crew root.
	// This allows services to have .env and other config files at their root.
	if err := rig.CopyOverlay(m.rig.Path, crewPath); err != nil {
		// Non-fatal - log warning but continue
		style.PrintWarning("could not copy overlay files: %v", err)
	}

	// Ensure .gitignore has required Gas Town patterns
	if err := rig.EnsureGitignorePatterns(crewPath); err != nil {
		// Non-fatal - log warning but continue
		style.PrintWarning("could not update .gitignore: %v", err)
	}

	// Install runtime settings in the shared crew parent directory.
	// Settings are passed to Claude Code via --settings flag.
	addTownRoot := filepath.Dir(m.rig.Path)
	addRuntimeConfig := config.ResolveRoleAgentConfig("crew", addTownRoot, m.rig.Path)
	crewSettingsDir := config.RoleSettingsDir("crew", m.rig.Path)
	if err := runtime.EnsureSettingsForRole(crewSettingsDir, crewPath, "crew", addRuntimeConfig); err != nil {
		// Non-fatal - log warning but continue
		style.PrintWarning("could not install runtime settings: %v", err)
	}

	// NOTE: Slash commands (.claude/commands/) are provisioned at town level by gt install.
	// All agents inherit them via Claude's directory traversal - no per-workspace copies needed.

	// NOTE: We intentionally do NOT write to CLAUDE.md here.
	// Gas Town context is injected ephemerally via SessionStart hook (gt prime).
	// Writing to CLAUDE.md would overwrite project instructions and leak
	// Gas Town internals into the project repo when workers commit/push.

	// Create crew worker state
	now := time.Now()
	crew := &CrewWorker{
		Name:      name,
		Rig:       m.rig.Name,
		ClonePath: crewPath,
		Branch:    branchName,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Save state
	if err := m.saveState(crew); err != nil {
		_ = os.RemoveAll(crewPath) // best-effort cleanup
		return nil, fmt.Errorf("saving state: %w", err)
	}

	return crew, nil
}

// syncRemotesFromRig copies remote configuration from the mayor/rig repo to a crew clone.
// This ensures crew clones have the same origin (fork) and upstream as the rig,
// preventing repo ID mismatches and broken formula slinging.
func (m *Manager) syncRemotesFromRig(crewPath string) error {
	rigRepoPath := filepath.Join(m.rig.Path, "mayor", "rig")
	if _, err := os.Stat(rigRepoPath); err != nil {
		return fmt.Errorf("mayor/rig not found at %s", rigRepoPath)
	}

	rigGit := git.NewGit(rigRepoPath)
	crewGit := git.NewGit(crewPath)

	remotes, err := rigGit.Remotes()
	if err != nil {
		return fmt.Errorf("reading rig remotes: %w", err)
	}

	for _, remote := range remotes {
		if remote == "" || remote == "mayor" {
			continue // Skip empty and local-only remotes
		}

		url, err := rigGit.RemoteURL(remote)
		if err != nil {
			continue
		}

		// Check if remote exists in crew clone
		existingURL, existErr := crewGit.RemoteURL(remote)
		if existErr != nil {
			// Remote doesn't exist — add it
			if _, addErr := crewGit.AddRemote(remote, url); addErr != nil {
				style.PrintWarning("could not add remote %s: %v", remote, addErr)
			}
		} else if existingURL != url {
			// Remote exists but URL differs — update it
			if _, setErr := crewGit.SetRemoteURL(remote, url); setErr != nil {
				style.PrintWarning("could not update remote %s: %v", remote, setErr)
			}
		}

		// Sync push URL if configured (for read-only upstream forks)
		pushURL, pushErr := rigGit.GetPushURL(remote)
		if pushErr == nil && pushURL != "" && pushURL != url {
			if cfgErr := crewGit.ConfigurePushURL(remote, pushURL); cfgErr != nil {
				fmt.Printf("Warning: could not sync push URL for %s: %v\n", remote, cfgErr)
			}
		}
	}

	return nil
}

// Remove deletes a crew worker.
func (m *Manager) Remove(name string, force bool) error {
	if err := validateCrewName(name); err != nil {
		return err
	}
	fl, err := m.lockCrew(name)
	if err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()
	if !m.exists(name) {
		return ErrCrewNotFound
	}

	crewPath := m.crewDir(name)

	if !force {
		crewGit := git.NewGit(crewPath)
		hasChanges, err := crewGit.HasUncommittedChanges()
		if err == nil && hasChanges {
			return ErrHasChanges
		}
	}

	// Remove directory
	if err := os.RemoveAll(crewPath); err != nil {
		return fmt.Errorf("removing crew dir: %w", err)
	}

	return nil
}

// List returns all crew workers in the rig.
func (m *Manager) List() ([]*CrewWorker, error) {
	crewBaseDir := filepath.Join(m.rig.Path, "crew")

	entries, err := os.ReadDir(crewBaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading crew dir: %w", err)
	}

	var workers []*CrewWorker
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		worker, err := m.Get(entry.Name())
		if err != nil {
			continue // Skip invalid workers
		}
		workers = append(workers, worker)
	}

	return workers, nil
}

// Get returns a specific crew worker by name.
func (m *Manager) Get(name string) (*CrewWorker, error) {
	if err := validateCrewName(name); err != nil {
		return nil, err
	}
	fl, err := m.lockCrew(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fl.Unlock() }()
	return m.getLocked(name)
}

// getLocked returns a crew worker, assumes caller holds lockCrew(name).
func (m *Manager) getLocked(name string) (*CrewWorker, error) {
	if !m.exists(name) {
		return nil, ErrCrewNotFound
	}

	return m.loadState(name)
}

// saveState persists crew worker state to disk using atomic write.
func (m *Manager) saveState(crew *CrewWorker) error {
	stateFile := m.stateFile(crew.Name)
	if err := util.AtomicWriteJSON(stateFile, crew); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}

	return nil
}

// loadState reads crew worker state from disk.
func (m *Manager) loadState(name string) (*CrewWorker, error) {
	stateFile := m.stateFile(name)

	data, err := os.ReadFile(stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			// Return minimal crew worker if state file missing
			return &CrewWorker{
				Name:      name,
				Rig:       m.rig.Name,
				ClonePath: m.crewDir(name),
			}, nil
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}

	var crew CrewWorker
	if err := json.Unmarshal(data, &crew); err != nil {
		return nil, fmt.Errorf("parsing state: %w", err)
	}

	// Directory name is source of truth for Name and ClonePath.
	// state.json can become stale after directory rename, copy, or corruption.
	crew.Name = name
	crew.ClonePath = m.crewDir(name)

	// Rig only needs backfill when empty (less likely to drift)
	if crew.Rig == "" {
		crew.Rig = m.rig.Name
	}

	return &crew, nil
}

// Rename renames a crew worker from oldName to newName.
func (m *Manager) Rename(oldName, newName string) error {
	if err := validateCrewName(newName); err != nil {
		return err
	}
	// Lock both names in alphabetical order to prevent deadlock.
	first, second := oldName, newName
	if first > second {
		first, second = second, first
	}
	fl1, err := m.lockCrew(first)
	if err != nil {
		return err
	}
	defer func() { _ = fl1.Unlock() }()
	fl2, err := m.lockCrew(second)
	if err != nil {
		return err
	}
	defer func() { _ = fl2.Unlock() }()
	if !m.exists(oldName) {
		return ErrCrewNotFound
	}
	if m.exists(newName) {
		return ErrCrewExists
	}

	oldPath := m.crewDir(oldName)
	newPath := m.crewDir(newName)

	// Rename directory
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("renaming crew dir: %w", err)
	}

	// Update state file with new name and path
	crew, err := m.loadState(newName)
	if err != nil {
		// Rollback on error (best-effort)
		_ = os.Rename(newPath, oldPath)
		return fmt.Errorf("loading state: %w", err)
	}

	crew.Name = newName
	crew.ClonePath = newPath
	crew.UpdatedAt = time.Now()

	if err := m.saveState(crew); err != nil {
		// Rollback on error (best-effort)
		_ = os.Rename(newPath, oldPath)
		return fmt.Errorf("saving state: %w", err)
	}

	return nil
}

// Pristine ensures a crew worker is up-to-date with remote.
// It runs git pull --rebase.
func (m *Manager) Pristine(name string) (*PristineResult, error) {
	if err := validateCrewName(name); err != nil {
		return nil, err
	}
	if !m.exists(name) {
		return nil, ErrCrewNotFound
	}

	crewPath := m.crewDir(name)
	crewGit := git.NewGit(crewPath)

	result := &PristineResult{
		Name: name,
	}

	// Check for uncommitted changes
	hasChanges, err := crewGit.HasUncommittedChanges()
	if err != nil {
		return nil, fmt.Errorf("checking changes: %w", err)
	}
	result.HadChanges = hasChanges

	// Pull latest (use origin and current branch)
	if err := crewGit.Pull("origin", ""); err != nil {
		result.PullError = err.Error()
	} else {
		result.Pulled = true
	}

	// Note: With Dolt backend, beads changes are persisted immediately - no sync needed
	result.Synced = true

	return result, nil
}

// PristineResult captures the results of a pristine operation.
type PristineResult struct {
	Name       string `json:"name"`
	HadChanges bool   `json:"had_changes"`
	Pulled     bool   `json:"pulled"`
	PullError  string `json:"pull_error,omitempty"`
	Synced     bool   `json:"synced"`
	SyncError  string `json:"sync_error,omitempty"`
}

// setupSharedBeads creates a redirect file so the crew worker uses the rig's shared .beads database.
// This eliminates the need for git sync between crew clones - all crew members share one database.
func (m *Manager) setupSharedBeads(crewPath string) error {
	townRoot := filepath.Dir(m.rig.Path)
	return beads.SetupRedirect(townRoot, crewPath)
}

// SessionName returns the tmux session name for a crew member.
func (m *Manager) SessionName(name string) string {
	return session.CrewSessionName(session.PrefixFor(m.rig.Name), name)
}

// Start creates and starts a tmux session for a crew member.
// If the crew member doesn't exist, it will be created first.
func (m *Manager) Start(name string, opts StartOptions) error {
	if err := validateCrewName(name); err != nil {
		return err
	}

	// Acquire lock to prevent concurrent Start/Remove races.
	fl, err := m.lockCrew(name)
	if err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	// Get or create the crew worker (using locked variants to avoid lock re-entry)
	worker, err := m.getLocked(name)
	if err == ErrCrewNotFound {
		worker, err = m.addLocked(name, false) // No feature branch for crew
		if err != nil {
			return fmt.Errorf("creating crew workspace: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("getting crew worker: %w", err)
	}

	// Ensure runtime settings exist in the shared crew parent directory.
	// Settings are passed to Claude Code via --settings flag.
	townRoot := filepath.Dir(m.rig.Path)
	runtimeConfig := config.ResolveRoleAgentConfig("crew", townRoot, m.rig.Path)
	crewSettingsDir := config.RoleSettingsDir("crew", m.rig.Path)
	if err := runtime.EnsureSettingsForRole(crewSettingsDir, worker.ClonePath, "crew", runtimeConfig); err != nil {
		return fmt.Errorf("ensuring runtime settings: %w", err)
	}

	// Compute environment variables BEFORE creating the session.
	// These are passed via tmux -e flags so the initial shell inherits the correct
	// env from the start, preventing parent env (e.g., GT_ROLE=mayor) from leaking
	// into crew sessions. See: https://github.com/steveyegge/gastown/issues/1289
	envVars := config.AgentEnv(config.AgentEnvConfig{
		Role:             "crew",
		Rig:              m.rig.Name,
		AgentName:        name,
		TownRoot:         townRoot,
		RuntimeConfigDir: opts.ClaudeConfigDir,
	})
	if opts.AgentOverride != "" {
		envVars["GT_AGENT"] = opts.AgentOverride
	}

	// Build startup command (also includes env vars via 'exec env' for
	// WaitForCommand detection — belt and suspenders with -e flags)
	// SessionStart hook handles context loading (gt prime --hook)
	//
	// IMPORTANT: All validation and command building happens BEFORE killing
	// any existing session, so a validation failure cannot leave the user
	// without a running session.
	var claudeCmd string
	if opts.ResumeSessionID != "" {
		// Validate session ID to prevent shell injection. The ID is interpolated
		// into a shell command string, so reject anything with metacharacters.
		if err := validateSessionID(opts.ResumeSessionID); err != nil {
			return err
		}

		// Resume mode: build command without prompt, then append resume flag.
		// No beacon is passed as prompt - the resumed session already has context.
		// The SessionStart hook still fires and injects Gas Town metadata.
		claudeCmd, err = config.BuildCrewStartupCommandWithAgentOverride(m.rig.Name, name, m.rig.Path, "", opts.AgentOverride)
		if err != nil {
			return fmt.Errorf("building resume command: %w", err)
		}

		// Determine agent preset for resume flag.
		// Try rig-level agent config first, fall back to "claude".
		agentName := opts.AgentOverride
		if agentName == "" {
			if rc := config.ResolveRoleAgentConfig("crew", townRoot, m.rig.Path); rc != nil && rc.Provider != "" {
				agentName = rc.Provider
			} else {
				agentName = "claude"
			}
		}
		resumeArgs, err := buildResumeArgs(agentName, opts.ResumeSessionID)
		if err != nil {
			return err
		}
		claudeCmd += " " + resumeArgs
	} else {
		// Normal start: build beacon for predecessor discovery via /resume.
		// Only used in fresh-start mode — resumed sessions already have context.
		address := fmt.Sprintf("%s/crew/%s", m.rig.Name, name)
		topic := opts.Topic
		if topic == "" {
			topic = "start"
		}
		beacon := session.FormatStartupBeacon(session.BeaconConfig{
			Recipient: address,
			Sender:    "human",
			Topic:     topic,
		})
		claudeCmd, err = config.BuildCrewStartupCommandWithAgentOverride(m.rig.Name, name, m.rig.Path, beacon, opts.AgentOverride)
		if err != nil {
			return fmt.Errorf("building startup command: %w", err)
		}
	}

	t := tmux.NewTmux()
	sessionID := m.SessionName(name)

	// Check if session already exists — kill AFTER command is fully built
	// so validation failures don't destroy the user's running session.
	running, err := t.HasSession(sessionID)
	if err != nil {
		return fmt.Errorf("checking session: %w", err)
	}
	if running {
		if opts.KillExisting {
			// Restart/resume mode - kill existing session.
			// Use KillSessionWithProcesses to ensure all descendant processes are killed.
			if err := t.KillSessionWithProcesses(sessionID); err != nil {
				return fmt.Errorf("killing existing session: %w", err)
			}
		} else {
			// Normal start - session exists, check if agent is actually running
			if t.IsAgentAlive(sessionID) {
				return fmt.Errorf("%w: %s", ErrSessionRunning, sessionID)
			}
			// Zombie session - kill and recreate.
			// Use KillSessionWithProcesses to ensure all descendant processes are killed.
			if err := t.KillSessionWithProcesses(sessionID); err != nil {
				return fmt.Errorf("killing zombie session: %w", err)
			}
		}
	}

	// For interactive/refresh mode, remove --dangerously-skip-permissions
	if opts.Interactive {
		claudeCmd = strings.Replace(claudeCmd, " --dangerously-skip-permissions", "", 1)
	}

	// Create session with command and env vars via -e flags.
	// The -e flags set session-level env BEFORE the shell starts, ensuring the
	// initial shell inherits the correct GT_ROLE (not the parent's).
	// See: https://github.com/anthropics/gastown/issues/280 (race condition fix)
	// See: https://github.com/steveyegge/gastown/issues/1289 (env inheritance fix)
	if err := t.NewSessionWithCommandAndEnv(sessionID, worker.ClonePath, claudeCmd, envVars); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	// Apply rig-based theming (non-fatal: theming failure doesn't affect operation)
	theme := tmux.AssignTheme(m.rig.Name)
	_ = t.ConfigureGasTownSession(sessionID, theme, m.rig.Name, name, "crew")

	// Set up C-b n/p keybindings for crew session cycling (non-fatal)
	_ = t.SetCrewCycleBindings(sessionID)

	// Track PID for defense-in-depth orphan cleanup (non-fatal)
	_ = session.TrackSessionPID(townRoot, sessionID, t)

	// Note: We intentionally don't wait for the agent to start here.
	// The session is created in detached mode, and blocking for 60 seconds
	// serves no purpose. If the caller needs to know when the agent is ready,
	// they can check with IsAgentAlive().

	return nil
}

// Stop terminates a crew member's tmux session.
func (m *Manager) Stop(name string) error {
	if err := validateCrewName(name); err != nil {
		return err
	}

	t := tmux.NewTmux()
	sessionID := m.SessionName(name)

	// Check if session exists
	running, err := t.HasSession(sessionID)
	if err != nil {
		return fmt.Errorf("checking session: %w", err)
	}
	if !running {
		return ErrSessionNotFound
	}

	// Kill the session.
	// Use KillSessionWithProcesses to ensure all descendant processes are killed.
	// This prevents orphan bash processes from Claude's Bash tool surviving session termination.
	if err := t.KillSessionWithProcesses(sessionID); err != nil {
		return fmt.Errorf("killing session: %w", err)
	}

	return nil
}

// IsRunning checks if a crew member's session is active.
func (m *Manager) IsRunning(name string) (bool, error) {
	t := tmux.NewTmux()
	sessionID := m.SessionName(name)
	return t.HasSession(sessionID)
}
