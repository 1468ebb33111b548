package eventstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hellmai/lumenflow/internal/pathcfg"
	"github.com/hellmai/lumenflow/internal/util"
	"github.com/hellmai/lumenflow/internal/wu"
	"github.com/hellmai/lumenflow/internal/yamlstore"
)

// legacyRegistryFilename is the pre-event-sourcing spawn registry this
// migration retires (§4.2, §8 scenario 5).
const legacyRegistryFilename = "spawn-registry.jsonl"

// cutoverMarker is the JSON shape written to the idempotency marker (§6):
// {migratedAt, archiveDir, bootstrapEvents}.
type cutoverMarker struct {
	MigratedAt      string `json:"migratedAt"`
	ArchiveDir      string `json:"archiveDir"`
	BootstrapEvents int    `json:"bootstrapEvents"`
}

// RunCutoverIfNeeded performs the one-time migration from the legacy
// spawn-registry state model to the event-sourced model (§4.2, §8 scenario
// 5). It triggers only when a legacy spawn-registry.jsonl coexists in
// cfg.StateDir, or the current event log already contains a "spawn" event
// record; it is a no-op otherwise, and it never runs against a
// non-canonical state directory (one that doesn't resolve to the default
// ".lumenflow/state" layout), since there is nothing standard to archive
// into.
//
// On trigger: the current event log and the legacy registry are moved
// under cfg.ArchiveDir("delegation-cutover-<ts>"); a fresh log is
// synthesized by walking every *.yaml in the WU dir plus every stamps-dir *.done
// file, emitting one "claim" event per WU and, when the WU's declared
// state calls for it, a trailing "block" or "complete" event, all in
// timestamp order; finally the idempotency marker is written. Cutover is
// idempotent: a second call observes the marker and returns immediately.
func RunCutoverIfNeeded(cfg *pathcfg.Config, now time.Time) error {
	markerPath := cfg.CutoverMarkerPath()
	if _, err := os.Stat(markerPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking cutover marker: %w", err)
	}

	if !isCanonicalStateDir(cfg) {
		return nil
	}

	registryPath := filepath.Join(cfg.StateDir, legacyRegistryFilename)
	hasRegistry, err := fileExists(registryPath)
	if err != nil {
		return fmt.Errorf("checking legacy registry: %w", err)
	}

	eventsPath := cfg.EventsPath()
	store := Open(eventsPath)
	existing, err := store.Load()
	if err != nil {
		return err
	}
	hasSpawnEvent := false
	for _, e := range existing {
		if e.Type == wu.EventSpawn {
			hasSpawnEvent = true
			break
		}
	}

	if !hasRegistry && !hasSpawnEvent {
		return nil
	}

	archiveDir := cfg.ArchiveDir("delegation-cutover-" + now.UTC().Format("20060102T150405Z"))
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("creating cutover archive dir: %w", err)
	}

	hasEventLog, err := fileExists(eventsPath)
	if err != nil {
		return fmt.Errorf("checking legacy event log: %w", err)
	}
	if hasEventLog {
		if err := os.Rename(eventsPath, filepath.Join(archiveDir, filepath.Base(eventsPath))); err != nil {
			return fmt.Errorf("archiving legacy event log: %w", err)
		}
	}
	if hasRegistry {
		if err := os.Rename(registryPath, filepath.Join(archiveDir, legacyRegistryFilename)); err != nil {
			return fmt.Errorf("archiving legacy registry: %w", err)
		}
	}

	fresh := Open(eventsPath)
	bootstrapped, err := synthesizeFromState(fresh, cfg)
	if err != nil {
		return err
	}

	return writeMarker(markerPath, archiveDir, bootstrapped, now)
}

// bootstrapEntry is one WU's synthesized history during cutover.
type bootstrapEntry struct {
	id        string
	lane      string
	title     string
	claimedAt time.Time
	trailing  wu.EventKind // "" when no trailing block/complete event applies
	trailAt   time.Time
}

// synthesizeFromState walks every *.yaml in cfg.WUDir plus every
// stamps-dir *.done file and emits the bootstrap events for each WU found,
// in timestamp order, returning the count of events appended.
func synthesizeFromState(store *Store, cfg *pathcfg.Config) (int, error) {
	entries, err := collectBootstrapEntries(cfg)
	if err != nil {
		return 0, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].claimedAt.Equal(entries[j].claimedAt) {
			return entries[i].id < entries[j].id
		}
		return entries[i].claimedAt.Before(entries[j].claimedAt)
	})

	count := 0
	for _, e := range entries {
		if err := store.Append(wu.Event{
			Type:      wu.EventClaim,
			WUID:      e.id,
			Timestamp: wu.NowISO(e.claimedAt),
			Lane:      e.lane,
			Title:     e.title,
		}); err != nil {
			return count, fmt.Errorf("synthesizing claim event for %s: %w", e.id, err)
		}
		count++

		if e.trailing == "" {
			continue
		}
		if err := store.Append(wu.Event{
			Type:      e.trailing,
			WUID:      e.id,
			Timestamp: wu.NowISO(e.trailAt),
		}); err != nil {
			return count, fmt.Errorf("synthesizing %s event for %s: %w", e.trailing, e.id, err)
		}
		count++
	}
	return count, nil
}

func collectBootstrapEntries(cfg *pathcfg.Config) ([]bootstrapEntry, error) {
	byID := make(map[string]*bootstrapEntry)

	yamlEntries, err := os.ReadDir(cfg.WUDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading wu directory: %w", err)
	}
	for _, entry := range yamlEntries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(cfg.WUDir, entry.Name())
		w, err := yamlstore.Load(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s during cutover: %w", entry.Name(), err)
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s during cutover: %w", entry.Name(), err)
		}
		be := &bootstrapEntry{id: w.ID, lane: w.Lane, title: w.Title, claimedAt: info.ModTime()}
		if status := trailingEventForStatus(w.Status); status != "" {
			be.trailing, be.trailAt = status, info.ModTime()
		}
		byID[w.ID] = be
	}

	stampEntries, err := os.ReadDir(cfg.StampsDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading stamps directory: %w", err)
	}
	for _, entry := range stampEntries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".done" {
			continue
		}
		id := entry.Name()[:len(entry.Name())-len(".done")]
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s during cutover: %w", entry.Name(), err)
		}
		be, ok := byID[id]
		if !ok {
			be = &bootstrapEntry{id: id, claimedAt: info.ModTime()}
			byID[id] = be
		}
		// A completion stamp is authoritative over a YAML status that
		// hasn't caught up, so it always wins the trailing event.
		be.trailing, be.trailAt = wu.EventComplete, info.ModTime()
	}

	out := make([]bootstrapEntry, 0, len(byID))
	for _, be := range byID {
		out = append(out, *be)
	}
	return out, nil
}

// trailingEventForStatus maps a legacy YAML-only status to the trailing
// event kind that would have produced it; claim is always emitted
// separately, so in-progress/ready states need no trailing event.
func trailingEventForStatus(status wu.Status) wu.EventKind {
	switch status {
	case wu.StatusBlocked:
		return wu.EventBlock
	case wu.StatusDone, wu.StatusCompleted:
		return wu.EventComplete
	default:
		return ""
	}
}

// isCanonicalStateDir reports whether cfg.StateDir resolves to the default
// layout; cutover only ever runs there (§4.2: "skipped on non-canonical
// state directories").
func isCanonicalStateDir(cfg *pathcfg.Config) bool {
	return cfg.StateDir == filepath.Join(cfg.RepoRoot, pathcfg.DefaultStateDir)
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func writeMarker(markerPath, archiveDir string, bootstrapEvents int, now time.Time) error {
	return util.EnsureDirAndWriteJSON(markerPath, cutoverMarker{
		MigratedAt:      wu.NowISO(now),
		ArchiveDir:      archiveDir,
		BootstrapEvents: bootstrapEvents,
	})
}
