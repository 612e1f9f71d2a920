// Package markdown renders processed articles into Markdown documents with
// YAML frontmatter.
package markdown

import (
	"strconv"
	"strings"

	"github.com/driftline/driftline/pkg/models"
)

// CoverImage is an optional stock image attached to an article.
type CoverImage struct {
	URL     string
	Caption string
}

// Render produces the full Markdown document for an article. cover may be
// nil.
//
// Every emitted field ends with exactly one newline, written explicitly.
// Omitted optional fields leave the surrounding newlines intact; nothing here
// may trim line endings, or two fields end up on one line and the frontmatter
// stops being YAML.
func Render(article *models.ProcessedArticle, cover *CoverImage) string {
	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString("title: " + quote(article.Title) + "\n")
	b.WriteString("date: " + article.CollectedAt.UTC().Format("2006-01-02T15:04:05Z07:00") + "\n")
	b.WriteString("source: " + quote(article.Source) + "\n")
	b.WriteString("source_url: " + quote(article.OriginalURL) + "\n")
	b.WriteString("slug: " + quote(article.Slug) + "\n")
	b.WriteString("tags: " + tagList(article.Tags) + "\n")
	if cover != nil {
		b.WriteString("cover:\n")
		b.WriteString("  image: " + quote(cover.URL) + "\n")
		b.WriteString("  caption: " + quote(cover.Caption) + "\n")
	}
	b.WriteString("---\n")
	b.WriteString("\n")
	b.WriteString(article.Content)
	if !strings.HasSuffix(article.Content, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

// quote renders a YAML double-quoted scalar. Go's string escaping is a valid
// YAML double-quoted encoding for the characters involved.
func quote(s string) string {
	return strconv.Quote(s)
}

// tagList renders a YAML flow sequence of quoted strings.
func tagList(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	quoted := make([]string, len(tags))
	for i, tag := range tags {
		quoted[i] = quote(tag)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
