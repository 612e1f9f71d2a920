package collector

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/driftline/driftline/pkg/models"
)

func validItem() models.CollectionItem {
	item := models.CollectionItem{
		ID:          "abc123",
		Title:       "Profiling a slow Go service in production",
		Content:     strings.Repeat("We traced the allocation hot path with pprof and patched the runtime code. ", 5),
		Source:      models.SourceReddit,
		SourceURL:   "https://example.test/post",
		CollectedAt: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
	item.ContentHash = models.ContentHash(item.Title, item.Content)
	return item
}

func TestQualityGate_Check(t *testing.T) {
	tests := []struct {
		name       string
		strict     bool
		mutate     func(*models.CollectionItem)
		wantPass   bool
		wantReason string
	}{
		{
			name:     "valid item passes strict",
			strict:   true,
			mutate:   func(i *models.CollectionItem) {},
			wantPass: true,
		},
		{
			name:       "missing title",
			mutate:     func(i *models.CollectionItem) { i.Title = "" },
			wantPass:   false,
			wantReason: RejectMissingFields,
		},
		{
			name:       "missing content hash",
			mutate:     func(i *models.CollectionItem) { i.ContentHash = "" },
			wantPass:   false,
			wantReason: RejectMissingFields,
		},
		{
			name:       "zero collected_at",
			mutate:     func(i *models.CollectionItem) { i.CollectedAt = time.Time{} },
			wantPass:   false,
			wantReason: RejectMissingFields,
		},
		{
			name:       "short title",
			mutate:     func(i *models.CollectionItem) { i.Title = "Short" },
			wantPass:   false,
			wantReason: RejectTitleShort,
		},
		{
			name:       "short body",
			mutate:     func(i *models.CollectionItem) { i.Content = "Barely anything here." },
			wantPass:   false,
			wantReason: RejectBodyShort,
		},
		{
			name:   "off-topic rejected in strict mode",
			strict: true,
			mutate: func(i *models.CollectionItem) {
				i.Title = "My favourite soup recipes this autumn"
				i.Content = strings.Repeat("Tomato, pumpkin and leek all make a fine base for dinner. ", 4)
			},
			wantPass:   false,
			wantReason: RejectOffTopic,
		},
		{
			name:   "off-topic allowed in permissive mode",
			strict: false,
			mutate: func(i *models.CollectionItem) {
				i.Title = "My favourite soup recipes this autumn"
				i.Content = strings.Repeat("Tomato, pumpkin and leek all make a fine base for dinner. ", 4)
			},
			wantPass: true,
		},
		{
			name:   "short keywords inside longer words do not count",
			strict: true,
			mutate: func(i *models.CollectionItem) {
				i.Title = "Maintaining a rapid watering schedule"
				i.Content = strings.Repeat("A frustrating but rapid repair to the garden hose this weekend. ", 3)
			},
			wantPass:   false,
			wantReason: RejectOffTopic,
		},
		{
			name:   "keyword in title satisfies strict mode",
			strict: true,
			mutate: func(i *models.CollectionItem) {
				i.Title = "Kubernetes upgrade notes"
				i.Content = strings.Repeat("Rolling the control plane forward one minor version at a time. ", 3)
			},
			wantPass: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := validItem()
			tt.mutate(&item)

			pass, reason := NewQualityGate(tt.strict).Check(&item)
			assert.Equal(t, tt.wantPass, pass)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestQualityGate_DoesNotMutate(t *testing.T) {
	item := validItem()
	before := item
	NewQualityGate(true).Check(&item)
	assert.Equal(t, before, item)
}
