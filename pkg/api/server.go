// Package api hosts the HTTP surfaces of the pipeline services: health
// endpoints everywhere, plus the collector's authenticated manual trigger.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Server wraps a gin engine with graceful shutdown.
type Server struct {
	engine *gin.Engine
	http   *http.Server
}

// NewServer creates a server on the given port. Routes are registered by the
// caller through Engine.
func NewServer(port string) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), securityHeaders())

	return &Server{
		engine: engine,
		http: &http.Server{
			Addr:         ":" + port,
			Handler:      engine,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 35 * time.Minute, // POST /collect runs synchronously
		},
	}
}

// Engine exposes the router for route registration.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start serves until Shutdown is called. It returns nil on clean shutdown.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestLogger logs one line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
