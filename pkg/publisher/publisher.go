package publisher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/driftline/driftline/pkg/blob"
	"github.com/driftline/driftline/pkg/config"
	"github.com/driftline/driftline/pkg/models"
	"github.com/driftline/driftline/pkg/queue"
)

// ServiceName identifies the publisher in envelopes and logs.
const ServiceName = "publisher"

// Health is the publisher's health snapshot.
type Health struct {
	IsHealthy      bool      `json:"is_healthy"`
	SitesPublished int       `json:"sites_published"`
	LastPublish    time.Time `json:"last_publish,omitempty"`
	QueueDepth     int       `json:"queue_depth"`
	QueueError     string    `json:"queue_error,omitempty"`
}

// Publisher consumes publish-site messages and rebuilds the live site. It
// runs single-replica by design: concurrent builds would corrupt the output.
type Publisher struct {
	cfg     *config.PublisherConfig
	store   blob.Store
	queues  queue.Client
	builder SiteBuilder
	now     func() time.Time

	mu             sync.Mutex
	sitesPublished int
	lastPublish    time.Time
}

// New wires the publisher.
func New(cfg *config.PublisherConfig, store blob.Store, queues queue.Client, builder SiteBuilder) *Publisher {
	return &Publisher{
		cfg:     cfg,
		store:   store,
		queues:  queues,
		builder: builder,
		now:     time.Now,
	}
}

// Run consumes the publish-site queue until the context is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	slog.Info("Site publisher started", "poll_interval", p.cfg.Queue.PollInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Site publisher stopped")
			return
		default:
		}

		if !p.pollOnce(ctx) {
			select {
			case <-ctx.Done():
			case <-time.After(p.cfg.Queue.PollInterval):
			}
		}
	}
}

// pollOnce receives and resolves at most one publish request.
func (p *Publisher) pollOnce(ctx context.Context) bool {
	msgs, err := p.queues.Receive(ctx, models.QueuePublishSite, 1, p.cfg.Queue.VisibilityTimeout)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Publish receive failed", "error", err)
		}
		return false
	}
	if len(msgs) == 0 {
		return false
	}
	msg := msgs[0]

	log := slog.With("message_id", msg.Envelope.MessageID, "correlation_id", msg.Envelope.CorrelationID)
	log.Info("Publish request claimed", "dequeue_count", msg.Envelope.DequeueCount)

	if err := p.handlePublish(ctx, msg.Envelope); err != nil {
		// Leave the message; it reappears after the visibility timeout and the
		// rebuild is idempotent. Repeated failures age it into poison.
		log.Error("Site publish failed, message will be retried", "error", err)
		return true
	}

	// The message is deleted only after the new site is fully uploaded.
	if err := p.queues.Delete(ctx, models.QueuePublishSite, msg); err != nil {
		log.Warn("Publish message delete failed; replay is idempotent", "error", err)
	}
	return true
}

// handlePublish performs one full site rebuild.
func (p *Publisher) handlePublish(ctx context.Context, env *models.Envelope) error {
	if err := env.ValidateOperation(models.QueuePublishSite); err != nil {
		return err
	}
	var payload models.PublishSitePayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}

	log := slog.With("batch_id", payload.BatchID)
	started := p.now()

	// 1. Snapshot the live site. The old site stays recoverable whatever
	// happens after this point.
	backupPrefix := models.WebBackupPrefix(p.now().UTC())
	if err := p.snapshotWeb(ctx, backupPrefix); err != nil {
		return fmt.Errorf("backing up web root: %w", err)
	}

	// 2. Materialise markdown and the baked-in site skeleton locally.
	siteDir, count, err := p.materialise(ctx)
	if err != nil {
		return err
	}
	defer os.RemoveAll(siteDir)
	log.Info("Site sources materialised", "articles", count, "dir", siteDir)

	// 3. Build.
	outputDir, buildLog, err := p.builder.Build(ctx, siteDir)
	if err != nil {
		// The web root is untouched on a failed build.
		log.Error("Site build failed", "build_log", strings.TrimSpace(buildLog))
		return err
	}

	// 4. Upload the new site.
	uploaded, err := p.uploadSite(ctx, outputDir)
	if err != nil {
		return fmt.Errorf("uploading built site: %w", err)
	}

	// 5. Cleanup: the batch lock has served its purpose, and old locks from
	// crashed runs age out.
	p.cleanupLocks(ctx, payload.BatchID)

	p.mu.Lock()
	p.sitesPublished++
	p.lastPublish = p.now()
	p.mu.Unlock()

	log.Info("Site published",
		"files_uploaded", uploaded,
		"backup_prefix", backupPrefix,
		"duration", p.now().Sub(started))
	return nil
}

// snapshotWeb copies every object under web/ into web-backup/{timestamp}/.
// The copy happens inside the store; bytes never round-trip through here.
func (p *Publisher) snapshotWeb(ctx context.Context, backupPrefix string) error {
	objects, err := p.store.List(ctx, models.ContainerWeb, "", time.Time{})
	if err != nil {
		return err
	}
	for _, obj := range objects {
		dst := backupPrefix + obj.Path
		if err := p.store.Copy(ctx, models.ContainerWeb, obj.Path, models.ContainerWebBackup, dst); err != nil {
			return fmt.Errorf("copying %s: %w", obj.Path, err)
		}
	}
	slog.Info("Web root snapshotted", "objects", len(objects), "backup_prefix", backupPrefix)
	return nil
}

// materialise copies the baked-in site skeleton into a temp directory and
// writes every markdown article under its content directory. Returns the
// site directory and the article count.
func (p *Publisher) materialise(ctx context.Context) (string, int, error) {
	siteDir, err := os.MkdirTemp("", "driftline-site-")
	if err != nil {
		return "", 0, fmt.Errorf("creating build dir: %w", err)
	}

	if err := copyTree(p.cfg.SiteDir, siteDir); err != nil {
		os.RemoveAll(siteDir)
		return "", 0, fmt.Errorf("copying site skeleton: %w", err)
	}

	objects, err := p.store.List(ctx, models.ContainerMarkdown, "articles/", time.Time{})
	if err != nil {
		os.RemoveAll(siteDir)
		return "", 0, fmt.Errorf("listing markdown: %w", err)
	}

	contentDir := filepath.Join(siteDir, "content")
	for _, obj := range objects {
		doc, err := p.store.DownloadText(ctx, models.ContainerMarkdown, obj.Path)
		if err != nil {
			os.RemoveAll(siteDir)
			return "", 0, fmt.Errorf("downloading %s: %w", obj.Path, err)
		}
		local := filepath.Join(contentDir, filepath.FromSlash(obj.Path))
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			os.RemoveAll(siteDir)
			return "", 0, err
		}
		if err := os.WriteFile(local, []byte(doc), 0o644); err != nil {
			os.RemoveAll(siteDir)
			return "", 0, err
		}
	}
	return siteDir, len(objects), nil
}

// uploadSite walks the build output and uploads every file to web/ with its
// extension's content type.
func (p *Publisher) uploadSite(ctx context.Context, outputDir string) (int, error) {
	uploaded := 0
	err := filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		webPath := filepath.ToSlash(rel)
		if err := p.store.UploadBinary(ctx, models.ContainerWeb, webPath, data, ContentTypeFor(path)); err != nil {
			return fmt.Errorf("uploading %s: %w", webPath, err)
		}
		uploaded++
		return nil
	})
	return uploaded, err
}

// cleanupLocks deletes the completed batch's lock and any lock older than the
// retention window.
func (p *Publisher) cleanupLocks(ctx context.Context, batchID string) {
	if batchID != "" {
		if err := p.store.Delete(ctx, models.ContainerLocks, models.LockPath(batchID)); err != nil {
			slog.Warn("Batch lock delete failed", "batch_id", batchID, "error", err)
		}
	}

	cutoff := p.now().UTC().Add(-p.cfg.LockMaxAge)
	objects, err := p.store.List(ctx, models.ContainerLocks, "", time.Time{})
	if err != nil {
		slog.Warn("Lock listing failed", "error", err)
		return
	}
	for _, obj := range objects {
		if !obj.ModifiedAt.Before(cutoff) {
			continue
		}
		if err := p.store.Delete(ctx, models.ContainerLocks, obj.Path); err != nil {
			slog.Warn("Stale lock delete failed", "path", obj.Path, "error", err)
			continue
		}
		slog.Info("Deleted stale publish lock", "path", obj.Path, "modified_at", obj.ModifiedAt)
	}
}

// copyTree copies a directory tree. Symlinks are not followed; the site
// skeleton is plain files.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

// Health returns the publisher health snapshot.
func (p *Publisher) Health(ctx context.Context) *Health {
	depth, err := p.queues.Depth(ctx, models.QueuePublishSite)
	var queueErr string
	if err != nil {
		queueErr = err.Error()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return &Health{
		IsHealthy:      err == nil,
		SitesPublished: p.sitesPublished,
		LastPublish:    p.lastPublish,
		QueueDepth:     depth,
		QueueError:     queueErr,
	}
}
