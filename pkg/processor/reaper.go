package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/driftline/driftline/pkg/blob"
	"github.com/driftline/driftline/pkg/models"
)

// LeaseReaper periodically deletes expired lease blobs so crashed replicas
// never wedge a topic past one visibility cycle. Every replica runs one;
// deletes are idempotent so overlapping scans are harmless.
type LeaseReaper struct {
	store    blob.Store
	interval time.Duration
	now      func() time.Time

	mu          sync.Mutex
	lastScan    time.Time
	totalReaped int
}

// NewLeaseReaper creates a reaper with the given scan interval.
func NewLeaseReaper(store blob.Store, interval time.Duration) *LeaseReaper {
	return &LeaseReaper{
		store:    store,
		interval: interval,
		now:      time.Now,
	}
}

// Run scans until the context is cancelled or stopCh closes.
func (r *LeaseReaper) Run(ctx context.Context, stopCh <-chan struct{}) {
	slog.Info("Lease reaper started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			r.ScanOnce(ctx)
		}
	}
}

// ScanOnce deletes all currently expired leases and returns the count.
func (r *LeaseReaper) ScanOnce(ctx context.Context) int {
	now := r.now().UTC()
	objects, err := r.store.List(ctx, models.ContainerLeases, "", time.Time{})
	if err != nil {
		slog.Warn("Lease reaper listing failed", "error", err)
		return 0
	}

	reaped := 0
	for _, obj := range objects {
		var lease models.LeaseRecord
		if err := r.store.DownloadJSON(ctx, models.ContainerLeases, obj.Path, &lease); err != nil {
			if blob.IsNotFound(err) {
				continue // released between list and read
			}
			slog.Warn("Lease reaper read failed", "path", obj.Path, "error", err)
			continue
		}
		if !lease.Expired(now) {
			continue
		}
		if err := r.store.Delete(ctx, models.ContainerLeases, obj.Path); err != nil {
			slog.Warn("Lease reaper delete failed", "path", obj.Path, "error", err)
			continue
		}
		slog.Info("Reaped expired lease", "path", obj.Path, "holder", lease.Holder,
			"expired_at", lease.ExpiresAt)
		reaped++
	}

	r.mu.Lock()
	r.lastScan = now
	r.totalReaped += reaped
	r.mu.Unlock()
	return reaped
}

// Stats returns the last scan time and total leases reaped.
func (r *LeaseReaper) Stats() (time.Time, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastScan, r.totalReaped
}
