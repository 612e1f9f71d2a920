package models

import "time"

// SourceConfig describes one configured source inside a collection run.
type SourceConfig struct {
	SourceType string         `json:"source_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	MaxItems   int            `json:"max_items,omitempty"`
}

// CollectRequest is the manual-trigger payload. Inline source settings
// override the named template's configuration.
type CollectRequest struct {
	TemplateName string   `json:"template_name,omitempty"`
	Subreddits   []string `json:"subreddits,omitempty"`
	Instances    []string `json:"instances,omitempty"`
	MinScore     int      `json:"min_score,omitempty"`
	MaxItems     int      `json:"max_items,omitempty"`
}

// CollectionStats are the per-run counters returned by the collector.
type CollectionStats struct {
	Collected       int `json:"collected"`
	Published       int `json:"published"`
	RejectedQuality int `json:"rejected_quality"`
	RejectedDedup   int `json:"rejected_dedup"`
}

// Collection is the append-only audit record of a single collector run.
type Collection struct {
	CollectionID  string           `json:"collection_id"`
	StartedAt     time.Time        `json:"started_at"`
	EndedAt       time.Time        `json:"ended_at"`
	SourceConfigs []SourceConfig   `json:"source_configs"`
	Items         []CollectionItem `json:"items"`
	Stats         CollectionStats  `json:"stats"`
}

// SeenRecord is the dedup witness blob. Presence of the blob is the signal;
// the body carries metadata only.
type SeenRecord struct {
	ContentHash  string    `json:"content_hash"`
	Source       string    `json:"source"`
	Title        string    `json:"title"`
	CollectionID string    `json:"collection_id"`
	SeenAt       time.Time `json:"seen_at"`
}

// LeaseRecord is the at-most-one-processor coordination blob, created with a
// conditional write and either deleted on completion or left to expire.
type LeaseRecord struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease is past its expiry at the given instant.
func (l *LeaseRecord) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}
