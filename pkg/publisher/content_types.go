package publisher

import (
	"path/filepath"
	"strings"
)

// contentTypes maps output file extensions to the content type set on upload.
var contentTypes = map[string]string{
	".html":        "text/html",
	".htm":         "text/html",
	".css":         "text/css",
	".js":          "application/javascript",
	".json":        "application/json",
	".xml":         "application/xml",
	".rss":         "application/rss+xml",
	".svg":         "image/svg+xml",
	".png":         "image/png",
	".jpg":         "image/jpeg",
	".jpeg":        "image/jpeg",
	".gif":         "image/gif",
	".webp":        "image/webp",
	".ico":         "image/x-icon",
	".txt":         "text/plain",
	".md":          "text/markdown",
	".woff":        "font/woff",
	".woff2":       "font/woff2",
	".ttf":         "font/ttf",
	".webmanifest": "application/manifest+json",
}

// ContentTypeFor returns the upload content type for a file path.
func ContentTypeFor(path string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return ct
	}
	return "application/octet-stream"
}
