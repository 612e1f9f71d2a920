package models

import (
	"fmt"
	"time"
)

// Logical blob containers. Each container has exactly one writing service;
// everyone else is a reader.
const (
	ContainerCollected = "collected-content"
	ContainerSeen      = "seen"
	ContainerLeases    = "leases"
	ContainerLocks     = "locks"
	ContainerProcessed = "processed-content"
	ContainerMarkdown  = "markdown-content"
	ContainerWeb       = "web"
	ContainerWebBackup = "web-backup"
)

// CollectionPath returns collections/YYYY/MM/DD/{collection_id}.json.
func CollectionPath(collectionID string, at time.Time) string {
	return fmt.Sprintf("collections/%s/%s.json", at.UTC().Format("2006/01/02"), collectionID)
}

// SeenPath returns YYYY/MM/DD/{content_hash}.json inside the seen container.
// Hash-named blobs are naturally sharded: two writers creating the same path
// write identical metadata, so the collision is harmless.
func SeenPath(contentHash string, at time.Time) string {
	return fmt.Sprintf("%s/%s.json", at.UTC().Format("2006/01/02"), contentHash)
}

// LeasePath returns the lease blob path for a topic.
func LeasePath(topicID string) string {
	return topicID + ".lease"
}

// LockPath returns the publish-trigger lock blob path for a batch.
func LockPath(batchID string) string {
	return "site-publish-" + batchID + ".lock"
}

// SlugClaimPath returns slugs/YYYY/MM/DD/{slug}.json inside processed-content.
func SlugClaimPath(slug string, at time.Time) string {
	return fmt.Sprintf("slugs/%s/%s.json", at.UTC().Format("2006/01/02"), slug)
}

// FailurePath returns failures/YYYY/MM/DD/{topic_id}.json inside
// processed-content; the diagnostic record for a permanently failed topic.
func FailurePath(topicID string, at time.Time) string {
	return fmt.Sprintf("failures/%s/%s.json", at.UTC().Format("2006/01/02"), topicID)
}

// ProcessedPath returns YYYY/MM/DD/{article_id}.json inside processed-content.
func ProcessedPath(articleID string, at time.Time) string {
	return fmt.Sprintf("%s/%s.json", at.UTC().Format("2006/01/02"), articleID)
}

// ProcessedPrefix returns the day prefix under which a topic's article would
// have been written; the processor lists it for the idempotent short-circuit.
func ProcessedPrefix(at time.Time) string {
	return at.UTC().Format("2006/01/02") + "/"
}

// MarkdownPath returns articles/YYYY/MM/{filename} inside markdown-content.
func MarkdownPath(filename string, at time.Time) string {
	return fmt.Sprintf("articles/%s/%s", at.UTC().Format("2006/01"), filename)
}

// WebBackupPrefix returns the timestamped backup prefix for a site snapshot.
func WebBackupPrefix(at time.Time) string {
	return at.UTC().Format("20060102-150405") + "/"
}
