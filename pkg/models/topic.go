package models

import "time"

// TopicMetadata is the unit of work for the processor: one Q2 message carries
// exactly one topic. It exists only inside the queue message; it is never
// persisted as its own blob.
type TopicMetadata struct {
	TopicID       string    `json:"topic_id"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Source        string    `json:"source"`
	SourceURL     string    `json:"source_url"`
	CollectedAt   time.Time `json:"collected_at"`
	PriorityScore float64   `json:"priority_score"`

	// Audit pointers back to the collection run that produced the topic.
	CollectionID   string `json:"collection_id"`
	CollectionBlob string `json:"collection_blob"`

	ContractVersion string `json:"contract_version"`

	// Source-specific extras carried through for quality scoring.
	Subreddit  string `json:"subreddit,omitempty"`
	Upvotes    int    `json:"upvotes,omitempty"`
	Boosts     int    `json:"boosts,omitempty"`
	Comments   int    `json:"comments,omitempty"`
	Favourites int    `json:"favourites,omitempty"`

	// ForceReprocess bypasses the idempotent short-circuit. Set only by
	// manual re-drives.
	ForceReprocess bool `json:"force_reprocess,omitempty"`
}

// Engagement mirrors CollectionItem.Engagement for topics in flight.
func (t *TopicMetadata) Engagement() int {
	if t.Source == SourceMastodon {
		return t.Boosts + t.Favourites
	}
	return t.Upvotes
}
