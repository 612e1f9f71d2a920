package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/pkg/blob"
	"github.com/driftline/driftline/pkg/models"
)

func TestSeenSet_AddAndContains(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	seen := NewSeenSet(store, 14)
	seen.Load(ctx)

	item := validItem()
	assert.False(t, seen.Contains(item.ContentHash))

	seen.Add(ctx, &item, "col-1")
	assert.True(t, seen.Contains(item.ContentHash))

	// The witness blob exists and carries the metadata.
	var record models.SeenRecord
	path := models.SeenPath(item.ContentHash, time.Now().UTC())
	require.NoError(t, store.DownloadJSON(ctx, models.ContainerSeen, path, &record))
	assert.Equal(t, item.ContentHash, record.ContentHash)
	assert.Equal(t, "col-1", record.CollectionID)
	assert.Equal(t, item.Source, record.Source)
}

func TestSeenSet_LoadRespectsWindow(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()

	old := time.Now().UTC().AddDate(0, 0, -20)
	recent := time.Now().UTC().AddDate(0, 0, -2)

	// Write one witness blob with an aged clock and one recent.
	store.SetClock(func() time.Time { return old })
	require.NoError(t, store.UploadJSON(ctx, models.ContainerSeen,
		models.SeenPath("oldhash", old), models.SeenRecord{ContentHash: "oldhash"}))

	store.SetClock(func() time.Time { return recent })
	require.NoError(t, store.UploadJSON(ctx, models.ContainerSeen,
		models.SeenPath("recenthash", recent), models.SeenRecord{ContentHash: "recenthash"}))
	store.SetClock(time.Now)

	seen := NewSeenSet(store, 14)
	seen.Load(ctx)

	assert.True(t, seen.Contains("recenthash"))
	assert.False(t, seen.Contains("oldhash"), "entries past the window must not dedup")
}

func TestSeenSet_ReapDeletesExpired(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()

	old := time.Now().UTC().AddDate(0, 0, -20)
	store.SetClock(func() time.Time { return old })
	require.NoError(t, store.UploadJSON(ctx, models.ContainerSeen,
		models.SeenPath("oldhash", old), models.SeenRecord{ContentHash: "oldhash"}))
	store.SetClock(time.Now)

	require.NoError(t, store.UploadJSON(ctx, models.ContainerSeen,
		models.SeenPath("recenthash", time.Now().UTC()), models.SeenRecord{ContentHash: "recenthash"}))

	seen := NewSeenSet(store, 14)
	seen.Reap(ctx)

	objects, err := store.List(ctx, models.ContainerSeen, "", time.Time{})
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "recenthash", hashFromSeenPath(objects[0].Path))
}

// failingStore wraps a Store and fails every List call.
type failingStore struct {
	blob.Store
}

func (f *failingStore) List(context.Context, string, string, time.Time) ([]blob.ObjectInfo, error) {
	return nil, errors.New("store unavailable")
}

func TestSeenSet_FailsOpen(t *testing.T) {
	ctx := context.Background()
	seen := NewSeenSet(&failingStore{Store: blob.NewMemoryStore()}, 14)
	seen.Load(ctx)

	// A broken store must disable dedup, not abort the run.
	assert.False(t, seen.Contains("anything"))
}

func TestHashFromSeenPath(t *testing.T) {
	assert.Equal(t, "abc123", hashFromSeenPath("2026/08/24/abc123.json"))
	assert.Equal(t, "abc123", hashFromSeenPath("abc123.json"))
}
