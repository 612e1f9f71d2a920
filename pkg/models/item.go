package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Source identifiers for collected content.
const (
	SourceReddit   = "reddit"
	SourceMastodon = "mastodon"
	SourceRSS      = "rss"
)

// CollectionItem is the source-neutral record produced by the collector's
// standardisation stage. ID is stable and scoped to the source.
type CollectionItem struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Source      string    `json:"source"`
	SourceURL   string    `json:"source_url"`
	CollectedAt time.Time `json:"collected_at"`
	ContentHash string    `json:"content_hash"`

	// Source-specific extras; zero values are omitted.
	Subreddit  string `json:"subreddit,omitempty"`
	Upvotes    int    `json:"upvotes,omitempty"`
	Comments   int    `json:"comments,omitempty"`
	Boosts     int    `json:"boosts,omitempty"`
	Favourites int    `json:"favourites,omitempty"`
	CreatedUTC int64  `json:"created_utc,omitempty"`
}

// ContentHash returns the deterministic SHA-256 of title+content. Identical
// (title, content) bytes always hash to the same value, which is what the
// dedup window keys on.
func ContentHash(title, content string) string {
	sum := sha256.Sum256([]byte(title + content))
	return hex.EncodeToString(sum[:])
}

// TopicID composes the processing unit identifier for an item.
func (i *CollectionItem) TopicID() string {
	return i.Source + "_" + i.ID
}

// Engagement returns the best available engagement count for the item's
// source (upvotes for reddit, boosts+favourites for mastodon, zero for rss).
func (i *CollectionItem) Engagement() int {
	switch i.Source {
	case SourceMastodon:
		return i.Boosts + i.Favourites
	default:
		return i.Upvotes
	}
}
