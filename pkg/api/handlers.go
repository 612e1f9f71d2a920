package api

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/driftline/driftline/pkg/models"
)

// HealthFunc produces a service-specific health payload; ok=false renders a
// 503.
type HealthFunc func(ctx context.Context) (payload any, ok bool)

// RegisterHealth mounts GET /health.
func RegisterHealth(engine *gin.Engine, health HealthFunc) {
	engine.GET("/health", func(c *gin.Context) {
		payload, ok := health(c.Request.Context())
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, payload)
	})
}

// Collector is the surface the collect endpoint needs.
type Collector interface {
	Collect(ctx context.Context, req models.CollectRequest) (*models.Collection, error)
}

// RegisterCollect mounts POST /collect behind the API key middleware. The
// pipeline runs synchronously and the stats come back in the response.
func RegisterCollect(engine *gin.Engine, apiKey string, collector Collector) {
	engine.POST("/collect", requireAPIKey(apiKey), func(c *gin.Context) {
		var req models.CollectRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
				return
			}
		}

		collection, err := collector.Collect(c.Request.Context(), req)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":        "completed",
			"collection_id": collection.CollectionID,
			"stats":         collection.Stats,
		})
	})
}

// requireAPIKey authenticates requests via the x-api-key header with a
// constant-time comparison.
func requireAPIKey(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("x-api-key")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing API key"})
			return
		}
		c.Next()
	}
}
