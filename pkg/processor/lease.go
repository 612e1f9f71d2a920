// Package processor consumes topic messages, rewrites each topic into an
// article through the LLM, persists the result and hands it to markdown
// generation. Cross-replica exclusion per topic is enforced with lease blobs.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftline/driftline/pkg/blob"
	"github.com/driftline/driftline/pkg/models"
)

// LeaseManager arbitrates topic ownership through conditional blob creates.
// The single-winner property of CreateJSON gives at-most-one concurrent
// processor per topic, across replicas and redelivered messages.
type LeaseManager struct {
	store     blob.Store
	replicaID string
	ttl       time.Duration
	now       func() time.Time
}

// NewLeaseManager creates a manager. ttl should be the visibility timeout
// minus a safety margin so the lease never outlives the message redelivery.
func NewLeaseManager(store blob.Store, replicaID string, ttl time.Duration) *LeaseManager {
	return &LeaseManager{
		store:     store,
		replicaID: replicaID,
		ttl:       ttl,
		now:       time.Now,
	}
}

// Acquire attempts to take the lease for a topic. It returns true when this
// replica now holds the lease, false when another live replica does. An
// expired lease is taken over with a single delete-and-retry.
func (m *LeaseManager) Acquire(ctx context.Context, topicID string) (bool, error) {
	path := models.LeasePath(topicID)

	for attempt := 0; attempt < 2; attempt++ {
		now := m.now().UTC()
		record := models.LeaseRecord{
			Holder:     m.replicaID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(m.ttl),
		}
		err := m.store.CreateJSON(ctx, models.ContainerLeases, path, record)
		if err == nil {
			return true, nil
		}
		if !blob.IsConflict(err) {
			return false, fmt.Errorf("creating lease for %s: %w", topicID, err)
		}

		var existing models.LeaseRecord
		if err := m.store.DownloadJSON(ctx, models.ContainerLeases, path, &existing); err != nil {
			if blob.IsNotFound(err) {
				// Holder released between our create and read; retry the create.
				continue
			}
			return false, fmt.Errorf("reading contended lease for %s: %w", topicID, err)
		}
		if !existing.Expired(m.now().UTC()) {
			return false, nil
		}

		slog.Info("Taking over expired lease",
			"topic_id", topicID, "previous_holder", existing.Holder, "expired_at", existing.ExpiresAt)
		if err := m.store.Delete(ctx, models.ContainerLeases, path); err != nil {
			return false, fmt.Errorf("deleting expired lease for %s: %w", topicID, err)
		}
	}
	// Lost the post-takeover race to another replica.
	return false, nil
}

// Release deletes the topic's lease. Failures are logged only; an unreleased
// lease simply expires.
func (m *LeaseManager) Release(ctx context.Context, topicID string) {
	if err := m.store.Delete(ctx, models.ContainerLeases, models.LeasePath(topicID)); err != nil {
		slog.Warn("Lease release failed, lease will expire on its own",
			"topic_id", topicID, "error", err)
	}
}
