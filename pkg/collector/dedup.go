package collector

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/driftline/driftline/pkg/blob"
	"github.com/driftline/driftline/pkg/models"
)

// SeenSet is the cross-run dedup filter backed by hash-named witness blobs in
// the seen container. It fails open: when the store misbehaves the filter
// reports "not seen" and the run continues, trading possible duplicates for
// availability.
type SeenSet struct {
	store      blob.Store
	windowDays int
	hashes     map[string]struct{}
	now        func() time.Time
}

// NewSeenSet creates a filter with the given lookback window in days.
func NewSeenSet(store blob.Store, windowDays int) *SeenSet {
	return &SeenSet{
		store:      store,
		windowDays: windowDays,
		hashes:     make(map[string]struct{}),
		now:        time.Now,
	}
}

// Load populates the in-memory set from witness blobs modified within the
// window. A listing failure is logged and leaves the set empty.
func (s *SeenSet) Load(ctx context.Context) {
	since := s.now().UTC().AddDate(0, 0, -s.windowDays)
	objects, err := s.store.List(ctx, models.ContainerSeen, "", since)
	if err != nil {
		slog.Warn("Seen-set load failed, deduplication disabled for this run", "error", err)
		return
	}
	for _, obj := range objects {
		if hash := hashFromSeenPath(obj.Path); hash != "" {
			s.hashes[hash] = struct{}{}
		}
	}
	slog.Info("Seen-set loaded", "entries", len(s.hashes), "window_days", s.windowDays)
}

// Contains reports whether the content hash was seen within the window.
func (s *SeenSet) Contains(contentHash string) bool {
	_, ok := s.hashes[contentHash]
	return ok
}

// Add records the item as seen, in memory and as a witness blob. Two
// concurrent writers of the same hash write identical paths, so the overwrite
// is harmless. A write failure is logged and swallowed.
func (s *SeenSet) Add(ctx context.Context, item *models.CollectionItem, collectionID string) {
	s.hashes[item.ContentHash] = struct{}{}

	now := s.now().UTC()
	record := models.SeenRecord{
		ContentHash:  item.ContentHash,
		Source:       item.Source,
		Title:        item.Title,
		CollectionID: collectionID,
		SeenAt:       now,
	}
	seenPath := models.SeenPath(item.ContentHash, now)
	if err := s.store.UploadJSON(ctx, models.ContainerSeen, seenPath, record); err != nil {
		slog.Warn("Seen-set write failed", "path", seenPath, "error", err)
	}
}

// Reap deletes witness blobs older than the window. It runs after a
// collection completes so stale entries never accumulate unboundedly.
func (s *SeenSet) Reap(ctx context.Context) {
	cutoff := s.now().UTC().AddDate(0, 0, -s.windowDays)
	objects, err := s.store.List(ctx, models.ContainerSeen, "", time.Time{})
	if err != nil {
		slog.Warn("Seen-set reap listing failed", "error", err)
		return
	}
	deleted := 0
	for _, obj := range objects {
		if !obj.ModifiedAt.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, models.ContainerSeen, obj.Path); err != nil {
			slog.Warn("Seen-set reap delete failed", "path", obj.Path, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		slog.Info("Seen-set reaped", "deleted", deleted)
	}
}

// hashFromSeenPath extracts the content hash from YYYY/MM/DD/{hash}.json.
func hashFromSeenPath(p string) string {
	base := path.Base(p)
	return strings.TrimSuffix(base, ".json")
}
