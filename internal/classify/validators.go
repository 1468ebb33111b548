package classify

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hellmai/lumenflow/internal/eventstore"
	"github.com/hellmai/lumenflow/internal/gitcli"
	"github.com/hellmai/lumenflow/internal/lferrors"
	"github.com/hellmai/lumenflow/internal/wu"
	"github.com/hellmai/lumenflow/internal/yamlstore"
)

// ValidateTransition enforces the only legal status transition into done
// (§4.9): ready or in_progress to done.
func ValidateTransition(from wu.Status) error {
	if from != wu.StatusReady && from != wu.StatusInProgress {
		return lferrors.New(lferrors.KindValidation, fmt.Sprintf("illegal transition to done from status %q", from))
	}
	return nil
}

// ValidateSpecCompleteness checks the minimal declarative requirements
// for a WU to be completable: description length and (unless exempt) at
// least one code path and one test path (§3.1, §4.11).
func ValidateSpecCompleteness(w *wu.WU, descriptionMinLength int) []string {
	var errs []string
	if len(strings.TrimSpace(w.Description)) < descriptionMinLength {
		errs = append(errs, fmt.Sprintf("description must be at least %d characters", descriptionMinLength))
	}
	if w.Type.ExemptFromCodeAndTests() {
		return errs
	}
	if len(w.CodePaths) == 0 {
		errs = append(errs, "code_paths must declare at least one path")
	}
	if w.Tests.Empty() {
		errs = append(errs, "tests must declare at least one path")
	}
	return errs
}

// ValidateCodePathsExist checks that every declared code path exists in
// the tree at ref (§4.11 "code-path existence on the target ref").
func ValidateCodePathsExist(g gitcli.Git, ref string, w *wu.WU) []string {
	if w.Type.ExemptFromCodeAndTests() {
		return nil
	}
	var missing []string
	for _, cp := range w.CodePaths {
		if _, err := g.ShowFileAtRef(ref, cp); err != nil {
			missing = append(missing, cp)
		}
	}
	return missing
}

// ValidateCommittedBeforeDone checks that the lane branch at ref actually
// has at least one commit ahead of main before allowing completion.
func ValidateCommittedBeforeDone(g gitcli.Git, mainRef, laneRef string) error {
	out, err := g.RevList(mainRef + ".." + laneRef)
	if err != nil {
		return lferrors.Wrap(lferrors.KindGit, "checking lane branch is committed before completion", err)
	}
	if strings.TrimSpace(out) == "" {
		return lferrors.New(lferrors.KindValidation, "lane branch has no commits ahead of main; nothing to complete")
	}
	return nil
}

// ValidateTypeVsPath is the type-vs-path preflight (§4.9): a
// documentation/process WU that declares code_paths yields a warning for
// the caller to surface; nothing is enforced here. The test-path
// requirement for non-exempt types is covered by ValidateSpecCompleteness.
func ValidateTypeVsPath(w *wu.WU) []string {
	var warnings []string
	if w.Type.ExemptFromCodeAndTests() && len(w.CodePaths) > 0 {
		warnings = append(warnings, fmt.Sprintf("type %q declares code_paths; consider engineering/bug/refactor instead", w.Type))
	}
	return warnings
}

// PostMutationResult is the outcome of PostMutationValidate (§4.11).
type PostMutationResult struct {
	OK     bool
	Errors []string
}

// PostMutationValidate re-reads the committed YAML and event fold after a
// C7 commit and confirms invariant I2 holds.
func PostMutationValidate(w *wu.WU, foldedStatus wu.Status, foldFound bool) PostMutationResult {
	var errs []string
	if w.Status != wu.StatusDone {
		errs = append(errs, "yaml status is not done after completion commit")
	}
	if !w.Locked {
		errs = append(errs, "yaml locked flag is not set after completion commit")
	}
	if w.CompletedAt == "" {
		errs = append(errs, "yaml completed_at is empty after completion commit")
	}
	if !foldFound || foldedStatus != wu.StatusDone {
		errs = append(errs, "event log does not fold to done after completion commit")
	}
	return PostMutationResult{OK: len(errs) == 0, Errors: errs}
}

// RemapEntry is one duplicate-id remapping in a repair report.
type RemapEntry struct {
	CanonicalPath   string
	DuplicatePath   string
	OldID           string
	NewID           string
	EventsRewritten int
}

// RepairDuplicateIDs finds every YAML file whose internal id collides with
// another, keeps the first-by-path as canonical, and remaps every other
// colliding file to the next free id (§4.11). In dry-run mode, no files
// are touched; apply mode renames the stamp (if present), rewrites the
// YAML's id field, and rewrites any event log record whose wuId matches
// the old id and whose lane/title context identifies the duplicate rather
// than the canonical WU. Both modes return the same mapping report.
func RepairDuplicateIDs(wuDir, stampsDir, eventsPath string, apply bool) ([]RemapEntry, error) {
	entries, err := os.ReadDir(wuDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading wu directory: %w", err)
	}

	type fileRecord struct {
		path string
		w    *wu.WU
	}
	byID := map[string][]fileRecord{}
	maxNum := 0

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(wuDir, name)
		w, err := yamlstore.Load(path)
		if err != nil || w.ID == "" {
			continue
		}
		byID[w.ID] = append(byID[w.ID], fileRecord{path: path, w: w})
		if n, err := wu.ParseID(w.ID); err == nil && n > maxNum {
			maxNum = n
		}
	}

	var report []RemapEntry
	for id, records := range byID {
		if len(records) < 2 {
			continue
		}
		canonical := records[0]
		for _, dup := range records[1:] {
			maxNum++
			newID := wu.FormatID(maxNum)
			report = append(report, RemapEntry{
				CanonicalPath: canonical.path,
				DuplicatePath: dup.path,
				OldID:         id,
				NewID:         newID,
			})
			if apply {
				rewritten, err := applyRemap(dup, newID, stampsDir, eventsPath)
				if err != nil {
					return report, err
				}
				report[len(report)-1].EventsRewritten = rewritten
			}
		}
	}
	sort.Slice(report, func(i, j int) bool { return report[i].DuplicatePath < report[j].DuplicatePath })
	return report, nil
}

func applyRemap(dup struct {
	path string
	w    *wu.WU
}, newID, stampsDir, eventsPath string) (int, error) {
	oldID := dup.w.ID
	oldLane, oldTitle := dup.w.Lane, dup.w.Title
	dup.w.ID = newID
	if err := yamlstore.Save(dup.path, dup.w); err != nil {
		return 0, err
	}
	oldStamp := filepath.Join(stampsDir, oldID+".done")
	if _, err := os.Stat(oldStamp); err == nil {
		newStamp := filepath.Join(stampsDir, newID+".done")
		if err := os.Rename(oldStamp, newStamp); err != nil {
			return 0, fmt.Errorf("renaming stamp for %s -> %s: %w", oldID, newID, err)
		}
	}
	return rewriteEventLog(eventsPath, oldID, newID, oldLane, oldTitle)
}

// rewriteEventLog rewrites every event log record whose wuId matches oldID
// and whose lane/title context identifies the duplicate WU (oldLane,
// oldTitle) rather than the canonical one that keeps oldID (§4.11). Events
// without matching lane/title context (most non-claim/create kinds) are
// left untouched, since nothing in their shape disambiguates which of the
// two colliding WUs they belong to.
func rewriteEventLog(eventsPath, oldID, newID, oldLane, oldTitle string) (int, error) {
	if eventsPath == "" {
		return 0, nil
	}
	store := eventstore.Open(eventsPath)
	events, err := store.Load()
	if err != nil {
		return 0, err
	}

	rewritten := 0
	for i := range events {
		e := &events[i]
		if e.WUID != oldID {
			continue
		}
		if e.Lane != oldLane || e.Title != oldTitle {
			continue
		}
		e.WUID = newID
		rewritten++
	}
	if rewritten == 0 {
		return 0, nil
	}
	if err := store.Rewrite(events); err != nil {
		return 0, fmt.Errorf("rewriting event log for %s -> %s: %w", oldID, newID, err)
	}
	return rewritten, nil
}
