package processor

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

const maxSlugLength = 80

// Slugify lowercases the title and collapses every run of non-alphanumerics
// to a single hyphen. Deterministic: the same title always yields the same
// slug.
func Slugify(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) && r < 128 || unicode.IsDigit(r) && r < 128 {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLength {
		slug = strings.Trim(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		slug = "untitled"
	}
	return slug
}

// DisambiguateSlug appends the first eight hex characters of the content hash
// when another article on the same date already owns the base slug.
func DisambiguateSlug(slug, contentHash string) string {
	suffix := contentHash
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return slug + "-" + suffix
}

// ArticleURL returns the site-relative URL for a slug published on a date.
func ArticleURL(slug string, at time.Time) string {
	return fmt.Sprintf("/%s/%s", at.UTC().Format("2006/01"), slug)
}

// ArticleFilename returns the markdown filename for a slug on a date.
func ArticleFilename(slug string, at time.Time) string {
	return fmt.Sprintf("%s-%s.md", at.UTC().Format("20060102"), slug)
}
