package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Provenance stage names, in pipeline order.
const (
	StageCollection = "collection"
	StageProcessing = "processing"
	StageMarkdown   = "markdown"
)

// ProvenanceRecord is one entry in an article's ordered provenance trail.
type ProvenanceRecord struct {
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
}

// Costs accounts for the LLM spend of a single article.
type Costs struct {
	OpenAITokens          int     `json:"openai_tokens"`
	OpenAICostUSD         float64 `json:"openai_cost_usd"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`
	Model                 string  `json:"model"`
}

// ProcessedArticle is the processor's output, persisted as JSON under the
// processed-content container.
type ProcessedArticle struct {
	ArticleID       string `json:"article_id"`
	OriginalTopicID string `json:"original_topic_id"`
	Slug            string `json:"slug"`
	SEOTitle        string `json:"seo_title"`
	URL             string `json:"url"`
	Filename        string `json:"filename"`

	Title        string  `json:"title"`
	Content      string  `json:"content"`
	WordCount    int     `json:"word_count"`
	QualityScore float64 `json:"quality_score"`

	Source      string    `json:"source"`
	OriginalURL string    `json:"original_url"`
	CollectedAt time.Time `json:"collected_at"`
	ProcessedAt time.Time `json:"processed_at"`
	ProcessorID string    `json:"processor_id"`

	Provenance []ProvenanceRecord `json:"provenance"`
	Costs      Costs              `json:"costs"`

	// Tags derived from the source (subreddit, instance, feed category).
	Tags []string `json:"tags,omitempty"`

	// CollectionID ties the article back to the batch that produced it;
	// markdowngen derives the publish-trigger lock key from it.
	CollectionID string `json:"collection_id,omitempty"`

	ContractVersion string `json:"contract_version"`
}

// SlugClaim reserves a filename-determining slug for one topic on a
// collection date. Created with a conditional create before the article is
// persisted, so concurrent processors of same-title topics cannot assign the
// same filename.
type SlugClaim struct {
	Slug      string    `json:"slug"`
	TopicID   string    `json:"topic_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// FailureRecord is the minimal diagnostic blob written when a topic fails
// permanently and its message is left for the poison queue.
type FailureRecord struct {
	TopicID      string    `json:"topic_id"`
	CollectionID string    `json:"collection_id,omitempty"`
	Stage        string    `json:"stage"`
	Error        string    `json:"error"`
	ReplicaID    string    `json:"replica_id"`
	FailedAt     time.Time `json:"failed_at"`
}

// NewArticleID mints an article identifier of the form
// article_{yyyymmdd}_{hhmmss}_{shortuuid}.
func NewArticleID(now time.Time) string {
	short := uuid.NewString()[:8]
	return fmt.Sprintf("article_%s_%s_%s",
		now.UTC().Format("20060102"), now.UTC().Format("150405"), short)
}
