// Package idalloc computes the next free WU-N identifier and drives the
// push-collision retry loop that makes id creation safe across concurrent
// processes (C5, §4.4). It consults local YAML and stamp directories plus,
// when not offline, the remote's YAML tree and event log at origin/main.
package idalloc

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hellmai/lumenflow/internal/gitcli"
	"github.com/hellmai/lumenflow/internal/lferrors"
)

var idSuffix = regexp.MustCompile(`^WU-(\d+)\.(yaml|done)$`)

// Sources is the breakdown behind a computed next-id, kept for logging and
// for the dry-run report callers can print before committing to a create.
type Sources struct {
	LocalYAML   int
	LocalStamp  int
	RemoteYAML  int
	RemoteStamp int
	RemoteEvent int
	Offline     bool
}

// Max returns the highest id observed across every consulted source.
func (s Sources) Max() int {
	m := s.LocalYAML
	for _, v := range []int{s.LocalStamp, s.RemoteYAML, s.RemoteStamp, s.RemoteEvent} {
		if v > m {
			m = v
		}
	}
	return m
}

// NextID computes 1+max(...) per §4.4. wuDir and stampsDir are scanned
// locally; when offline is false, g is also asked to read the WU tree and
// event log at remoteRef (normally "origin/main"). A failed remote lookup
// is non-fatal: it is logged as a warning and treated as contributing 0.
func NextID(g gitcli.Git, wuDir, stampsDir, eventsPath, remoteRef string, offline bool, log *zap.Logger) (int, Sources, error) {
	var src Sources
	src.Offline = offline

	localYAML, err := maxFromDir(wuDir, "yaml")
	if err != nil {
		return 0, src, err
	}
	src.LocalYAML = localYAML

	localStamp, err := maxFromDir(stampsDir, "done")
	if err != nil {
		return 0, src, err
	}
	src.LocalStamp = localStamp

	if offline {
		if log != nil {
			log.Warn("id allocator running offline: skipping remote sources")
		}
		return src.Max() + 1, src, nil
	}

	remoteYAML, err := maxFromRemoteTree(g, remoteRef, wuDir)
	if err != nil {
		if log != nil {
			log.Warn("id allocator: remote yaml lookup failed, falling back to local", zap.Error(err))
		}
	} else {
		src.RemoteYAML = remoteYAML
	}

	remoteStamp, err := maxFromRemoteTree(g, remoteRef, stampsDir)
	if err != nil {
		if log != nil {
			log.Warn("id allocator: remote stamp lookup failed, falling back to local", zap.Error(err))
		}
	} else {
		src.RemoteStamp = remoteStamp
	}

	remoteEvent, err := maxFromRemoteEvents(g, remoteRef, eventsPath)
	if err != nil {
		if log != nil {
			log.Warn("id allocator: remote event log lookup failed, falling back to local", zap.Error(err))
		}
	} else {
		src.RemoteEvent = remoteEvent
	}

	return src.Max() + 1, src, nil
}

func maxFromDir(dir, ext string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading %s: %w", dir, err)
	}
	max := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if got := strings.TrimPrefix(filepath.Ext(e.Name()), "."); got != ext {
			continue
		}
		if n, ok := parseIDSuffix(e.Name()); ok && n > max {
			max = n
		}
	}
	return max, nil
}

func maxFromRemoteTree(g gitcli.Git, remoteRef, dir string) (int, error) {
	names, err := g.ListTreeAtRef(remoteRef, relativeToRepo(dir))
	if err != nil {
		return 0, err
	}
	max := 0
	for _, name := range names {
		base := filepath.Base(name)
		if n, ok := parseIDSuffix(base); ok && n > max {
			max = n
		}
	}
	return max, nil
}

// wuIDPattern extracts the numeric component of a WU id embedded in a JSON
// event line without requiring a full decode, a lightweight text scan over
// the remote event log source.
var wuIDPattern = regexp.MustCompile(`"wuId"\s*:\s*"WU-(\d+)"`)

func maxFromRemoteEvents(g gitcli.Git, remoteRef, eventsPath string) (int, error) {
	content, err := g.ShowFileAtRef(remoteRef, relativeToRepo(eventsPath))
	if err != nil {
		return 0, err
	}
	max := 0
	for _, m := range wuIDPattern.FindAllStringSubmatch(content, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return max, nil
}

// relativeToRepo strips a leading path separator pattern left over from
// filepath.Join against an absolute repo root; git tree paths are always
// repo-relative. Callers pass already-relative dirs in the common case, so
// this is a no-op for them.
func relativeToRepo(p string) string {
	return strings.TrimPrefix(filepath.ToSlash(p), "/")
}

func parseIDSuffix(name string) (int, bool) {
	m := idSuffix.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// RetryOptions configures the push-collision retry loop (§4.4).
type RetryOptions struct {
	BaseDelay  time.Duration
	MaxRetries int
}

// DefaultRetryOptions: base delay 500ms (doubled on each retry, plus
// jitter), maxRetries 3.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{BaseDelay: 500 * time.Millisecond, MaxRetries: 3}
}

var pushCollisionSignature = regexp.MustCompile(`(?i)non-fast-forward|push rejected|fetch first`)

// CreateFunc is supplied by the caller to attempt one create with a given
// candidate id. It must perform its own push and report the resulting
// error unwrapped, so IsPushCollision can classify it.
type CreateFunc func(candidate int) error

// RetryCreateOnPushCollision implements the collision-retry protocol of
// §4.4: fetch, compute a candidate, attempt create, and on a push-collision
// signature refetch and recompute before retrying, up to opts.MaxRetries.
// Any other error is propagated immediately without retry.
func RetryCreateOnPushCollision(
	g gitcli.Git,
	remote string,
	computeCandidate func() (int, error),
	create CreateFunc,
	opts RetryOptions,
) error {
	if err := g.Fetch(remote); err != nil {
		return lferrors.Wrap(lferrors.KindGit, "fetching before id allocation", err)
	}

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		candidate, err := computeCandidate()
		if err != nil {
			return err
		}

		err = create(candidate)
		if err == nil {
			return nil
		}
		if !IsPushCollision(err) {
			return err
		}
		lastErr = err

		if attempt == opts.MaxRetries {
			break
		}

		delay := opts.BaseDelay * (1 << attempt)
		delay = withJitter(delay)
		time.Sleep(delay)

		if err := g.Fetch(remote); err != nil {
			return lferrors.Wrap(lferrors.KindGit, "refetching before id allocation retry", err)
		}
	}

	return lferrors.Wrap(lferrors.KindRetryExhausted,
		fmt.Sprintf("id allocation exhausted %d retries on push collision", opts.MaxRetries), lastErr).
		WithDetails(map[string]any{"attempts": opts.MaxRetries + 1})
}

// IsPushCollision reports whether err's message matches one of the known
// push-rejection signatures (§4.4).
func IsPushCollision(err error) bool {
	return pushCollisionSignature.MatchString(err.Error())
}

// withJitter scales d by a random factor in [1.10, 1.30), a 10-30% jitter
// band to avoid synchronized retry storms.
func withJitter(d time.Duration) time.Duration {
	factor := 1.10 + rand.Float64()*0.20
	return time.Duration(float64(d) * factor)
}
