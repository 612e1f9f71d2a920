package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/driftline/driftline/pkg/config"
	"github.com/driftline/driftline/pkg/models"
	"github.com/driftline/driftline/pkg/queue"
)

// Service consumes wake-up messages and runs collections. Runs are serialised
// through a mutex so an HTTP trigger and a queued wake never overlap.
type Service struct {
	cfg       *config.CollectorConfig
	pipeline  *Pipeline
	queues    queue.Client
	templates map[string]config.SourceTemplate

	runMu sync.Mutex
}

// NewService wires the wake-up consumer.
func NewService(cfg *config.CollectorConfig, pipeline *Pipeline, queues queue.Client, templates map[string]config.SourceTemplate) *Service {
	return &Service{
		cfg:       cfg,
		pipeline:  pipeline,
		queues:    queues,
		templates: templates,
	}
}

// Run polls the collection-requests queue until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	slog.Info("Collector wake-up consumer started", "poll_interval", s.cfg.Queue.PollInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Collector wake-up consumer stopped")
			return
		case <-time.After(s.cfg.Queue.PollInterval):
		}

		// The wake message stays invisible for the whole run so a second
		// replica cannot pick it up mid-collection.
		msgs, err := s.queues.Receive(ctx, models.QueueCollectionRequests, 1, s.cfg.RunTimeout)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("Wake-up receive failed", "error", err)
			}
			continue
		}
		for _, msg := range msgs {
			s.handleWakeUp(ctx, msg)
		}
	}
}

func (s *Service) handleWakeUp(ctx context.Context, msg *queue.Message) {
	logger := slog.With("message_id", msg.Envelope.MessageID, "correlation_id", msg.Envelope.CorrelationID)

	if err := msg.Envelope.ValidateOperation(models.QueueCollectionRequests); err != nil {
		// Unknown operations are left to age into the poison queue.
		logger.Warn("Rejecting wake-up message", "error", err)
		return
	}
	var payload models.WakeUpPayload
	if err := msg.Envelope.DecodePayload(&payload); err != nil {
		logger.Warn("Rejecting malformed wake-up payload", "error", err)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	if _, err := s.Collect(runCtx, models.CollectRequest{TemplateName: payload.TemplateName}); err != nil {
		logger.Error("Collection run failed, wake-up message will retry", "error", err)
		return
	}
	if err := s.queues.Delete(ctx, models.QueueCollectionRequests, msg); err != nil {
		logger.Warn("Wake-up delete failed, duplicate run possible", "error", err)
	}
}

// Collect resolves the template, folds in any inline overrides, and runs one
// collection. It backs both the queue trigger and the HTTP trigger.
func (s *Service) Collect(ctx context.Context, req models.CollectRequest) (*models.Collection, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	template := applyOverrides(s.resolveTemplate(req.TemplateName), req)
	return s.pipeline.Run(ctx, template)
}

// applyOverrides folds the manual trigger's inline source settings into the
// resolved template. Naming sources narrows the run to exactly those sources.
func applyOverrides(template config.SourceTemplate, req models.CollectRequest) config.SourceTemplate {
	out := template

	if len(req.Subreddits) > 0 || len(req.Instances) > 0 {
		out.Sources = nil
		if len(req.Subreddits) > 0 {
			out.Sources = append(out.Sources, config.TemplateSource{
				SourceType: "reddit",
				Parameters: map[string]any{"subreddits": toAnySlice(req.Subreddits), "min_score": req.MinScore},
				MaxItems:   req.MaxItems,
			})
		}
		if len(req.Instances) > 0 {
			out.Sources = append(out.Sources, config.TemplateSource{
				SourceType: "mastodon",
				Parameters: map[string]any{"instances": toAnySlice(req.Instances)},
				MaxItems:   req.MaxItems,
			})
		}
		return out
	}

	if req.MinScore == 0 && req.MaxItems == 0 {
		return out
	}
	sources := make([]config.TemplateSource, len(template.Sources))
	copy(sources, template.Sources)
	for i := range sources {
		if req.MaxItems > 0 {
			sources[i].MaxItems = req.MaxItems
		}
		if req.MinScore > 0 && sources[i].SourceType == "reddit" {
			params := make(map[string]any, len(sources[i].Parameters)+1)
			for k, v := range sources[i].Parameters {
				params[k] = v
			}
			params["min_score"] = req.MinScore
			sources[i].Parameters = params
		}
	}
	out.Sources = sources
	return out
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func (s *Service) resolveTemplate(name string) config.SourceTemplate {
	if name != "" {
		if tpl, ok := s.templates[name]; ok {
			return tpl
		}
		slog.Warn("Unknown source template, falling back to builtin", "template", name)
	}
	if tpl, ok := s.templates["default"]; ok {
		return tpl
	}
	return config.BuiltinTemplate()
}
