package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	endedAt := time.Now().Truncate(time.Second)

	require.NoError(t, store.Record(ctx, Record{
		Kind:         "video",
		Duration:     125,
		Status:       StatusCompleted,
		Participants: [2]string{"alice", "bob"},
		CallerID:     "alice",
		EndedAt:      endedAt,
	}))
	require.NoError(t, store.Record(ctx, Record{
		Kind:         "audio",
		Duration:     0,
		Status:       StatusMissed,
		Participants: [2]string{"carol", "bob"},
		CallerID:     "carol",
		EndedAt:      endedAt.Add(time.Minute),
	}))

	records, err := store.Recent(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Newest first.
	assert.Equal(t, StatusMissed, records[0].Status)
	assert.Equal(t, "carol", records[0].CallerID)
	assert.Equal(t, 0, records[0].Duration)

	assert.Equal(t, StatusCompleted, records[1].Status)
	assert.Equal(t, "video", records[1].Kind)
	assert.Equal(t, 125, records[1].Duration)
	assert.Equal(t, [2]string{"alice", "bob"}, records[1].Participants)
	assert.Equal(t, endedAt.Unix(), records[1].EndedAt.Unix())
}

func TestSQLiteStoreRecentFiltersByIdentity(t *testing.T) {
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Record(ctx, Record{
		Kind: "audio", Status: StatusCompleted,
		Participants: [2]string{"alice", "bob"}, CallerID: "alice",
		EndedAt: time.Now(),
	}))

	records, err := store.Recent(ctx, "mallory", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestMemoryStoreRecords(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Record(context.Background(), Record{Status: StatusDeclined}))

	records := store.Records()
	require.Len(t, records, 1)
	assert.Equal(t, StatusDeclined, records[0].Status)
}
