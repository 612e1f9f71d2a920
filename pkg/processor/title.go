package processor

import (
	"regexp"
	"strings"
)

// maxCleanTitleLength is the cutoff above which a title gets an LLM rewrite.
const maxCleanTitleLength = 80

// datePrefixPattern matches leading date markers like "(15 Oct)" or
// "(15 Oct 2026)", with optional separators after the closing paren.
var datePrefixPattern = regexp.MustCompile(`^\(\s*\d{1,2}\s+[A-Za-z]{3,9}(\s+\d{4})?\s*\)\s*[-:]?\s*`)

// placeholderMarkers flag titles the source left unfinished.
var placeholderMarkers = []string{"[", "]", "{", "}", "lorem ipsum", "tbd", "todo:", "untitled"}

// CleanTitle strips leading date prefixes and normalises whitespace.
func CleanTitle(title string) string {
	title = datePrefixPattern.ReplaceAllString(title, "")
	return strings.Join(strings.Fields(title), " ")
}

// TitleNeedsRewrite reports whether the cleaned title still needs an LLM
// rewrite: too long, or carrying placeholder markers.
func TitleNeedsRewrite(title string) bool {
	if len(title) >= maxCleanTitleLength {
		return true
	}
	lower := strings.ToLower(title)
	for _, marker := range placeholderMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
