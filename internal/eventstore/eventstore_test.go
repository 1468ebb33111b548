package eventstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hellmai/lumenflow/internal/wu"
)

func TestAppendAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wu-events.jsonl")
	store := Open(path)

	require.NoError(t, store.Append(wu.Event{Type: wu.EventCreate, WUID: "WU-1", Timestamp: "2026-07-30T00:00:00Z"}))
	require.NoError(t, store.Append(wu.Event{Type: wu.EventClaim, WUID: "WU-1", Timestamp: "2026-07-30T00:01:00Z"}))

	events, err := store.Load()
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, wu.EventClaim, events[1].Type)
}

func TestLoadOnMissingFileReturnsEmpty(t *testing.T) {
	store := Open(filepath.Join(t.TempDir(), "nope.jsonl"))
	events, err := store.Load()
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestStatusFoldsLatestEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wu-events.jsonl")
	store := Open(path)

	require.NoError(t, store.Append(wu.Event{Type: wu.EventCreate, WUID: "WU-2", Timestamp: "t0"}))
	require.NoError(t, store.Append(wu.Event{Type: wu.EventClaim, WUID: "WU-2", Timestamp: "t1"}))
	require.NoError(t, store.Append(wu.Event{Type: wu.EventBlock, WUID: "WU-2", Timestamp: "t2"}))

	status, found, err := store.Status("WU-2")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, wu.StatusBlocked, status)
}

func TestStatusNotFoundWhenNoEvents(t *testing.T) {
	store := Open(filepath.Join(t.TempDir(), "wu-events.jsonl"))
	_, found, err := store.Status("WU-9")
	require.NoError(t, err)
	require.False(t, found)
}

func TestLoadSkipsMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wu-events.jsonl")
	store := Open(path)
	require.NoError(t, store.Append(wu.Event{Type: wu.EventCreate, WUID: "WU-3", Timestamp: "t0"}))

	appendRaw(t, path, "not json\n")

	require.NoError(t, store.Append(wu.Event{Type: wu.EventClaim, WUID: "WU-3", Timestamp: "t1"}))

	events, err := store.Load()
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, wu.EventCreate, events[0].Type)
	require.Equal(t, wu.EventClaim, events[1].Type)
}

func appendRaw(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(line)
	require.NoError(t, err)
}
