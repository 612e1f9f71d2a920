package collector

import (
	"strings"
	"unicode"

	"github.com/driftline/driftline/pkg/models"
)

// Rejection reasons surfaced in run stats.
const (
	RejectMissingFields = "missing_fields"
	RejectTitleShort    = "title_too_short"
	RejectBodyShort     = "body_too_short"
	RejectOffTopic      = "off_topic"
)

const (
	minTitleLength = 10
	minBodyLength  = 100
)

// relevanceKeywords is the curated set checked in strict mode.
var relevanceKeywords = []string{
	"software", "programming", "developer", "engineering", "code",
	"golang", "python", "rust", "javascript", "typescript",
	"kubernetes", "docker", "cloud", "linux", "database",
	"security", "api", "open source", "machine learning", "llm",
	"ai", "release", "framework", "library", "compiler",
}

// QualityGate is the pure, stateless item filter.
type QualityGate struct {
	strict bool
}

// NewQualityGate creates a gate. Strict mode additionally requires technical
// relevance; it is enabled for named templates and disabled for the built-in
// fallback.
func NewQualityGate(strict bool) *QualityGate {
	return &QualityGate{strict: strict}
}

// Check returns (true, "") for items that pass, or (false, reason) otherwise.
// It never mutates the item and never fails the run.
func (g *QualityGate) Check(item *models.CollectionItem) (bool, string) {
	if !validateItem(item) {
		return false, RejectMissingFields
	}
	if pass, reason := checkReadability(item); !pass {
		return false, reason
	}
	if g.strict && !checkTechnicalRelevance(item) {
		return false, RejectOffTopic
	}
	return true, ""
}

// validateItem checks the required fields are present.
func validateItem(item *models.CollectionItem) bool {
	return item.ID != "" &&
		item.Title != "" &&
		item.Content != "" &&
		item.Source != "" &&
		item.ContentHash != "" &&
		!item.CollectedAt.IsZero()
}

// checkReadability enforces the minimum title and body lengths.
func checkReadability(item *models.CollectionItem) (bool, string) {
	if len(item.Title) < minTitleLength {
		return false, RejectTitleShort
	}
	if len(item.Content) < minBodyLength {
		return false, RejectBodyShort
	}
	return true, ""
}

// checkTechnicalRelevance requires at least one curated keyword in the
// title or content. Keywords of four characters or fewer match whole words
// only; "ai" inside "maintain" or "rust" inside "frustrating" is not a
// signal.
func checkTechnicalRelevance(item *models.CollectionItem) bool {
	haystack := strings.ToLower(item.Title + " " + item.Content)
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(haystack, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}
	for _, kw := range relevanceKeywords {
		if len(kw) <= 4 {
			if words[kw] {
				return true
			}
			continue
		}
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}
