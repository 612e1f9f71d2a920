package publisher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/pkg/blob"
	"github.com/driftline/driftline/pkg/config"
	"github.com/driftline/driftline/pkg/models"
	"github.com/driftline/driftline/pkg/queue"
)

// fakeBuilder writes a static output tree instead of running a generator.
type fakeBuilder struct {
	fail  bool
	built int
}

func (b *fakeBuilder) Build(_ context.Context, siteDir string) (string, string, error) {
	b.built++
	if b.fail {
		return "", "ERROR: template busted", errors.New("exit status 1")
	}
	outputDir := filepath.Join(siteDir, "public")
	if err := os.MkdirAll(filepath.Join(outputDir, "css"), 0o755); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(filepath.Join(outputDir, "index.html"), []byte("<html>new site</html>"), 0o644); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(filepath.Join(outputDir, "css", "main.css"), []byte("body{}"), 0o644); err != nil {
		return "", "", err
	}
	return outputDir, "built ok", nil
}

type fixture struct {
	store   *blob.MemoryStore
	queues  *queue.MemoryQueue
	builder *fakeBuilder
	pub     *Publisher
	siteDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	siteDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(siteDir, "config.toml"), []byte("baseURL = \"/\"\n"), 0o644))

	cfg := &config.PublisherConfig{
		Queue: config.QueueSettings{
			Driver:            config.QueueDriverMemory,
			VisibilityTimeout: 10 * time.Minute,
			PollInterval:      10 * time.Millisecond,
			MaxDequeueCount:   3,
		},
		SiteDir:      siteDir,
		BuildTimeout: time.Minute,
		LockMaxAge:   7 * 24 * time.Hour,
	}

	store := blob.NewMemoryStore()
	queues := queue.NewMemoryQueue()
	builder := &fakeBuilder{}
	return &fixture{
		store:   store,
		queues:  queues,
		builder: builder,
		pub:     New(cfg, store, queues, builder),
		siteDir: siteDir,
	}
}

func enqueuePublish(t *testing.T, queues queue.Client, batchID string) {
	t.Helper()
	env, err := models.NewEnvelope("markdowngen", models.OpPublishSiteRequest, batchID,
		models.PublishSitePayload{
			BatchID:           batchID,
			MarkdownCount:     2,
			MarkdownContainer: models.ContainerMarkdown,
			Trigger:           "batch_complete",
			ContractVersion:   models.ContractVersion,
		})
	require.NoError(t, err)
	_, err = queues.Enqueue(context.Background(), models.QueuePublishSite, env)
	require.NoError(t, err)
}

func seedContent(t *testing.T, store blob.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.UploadText(ctx, models.ContainerMarkdown,
		"articles/2026/08/20260824-first.md", "---\ntitle: \"First\"\n---\n\nBody.\n", "text/markdown"))
	require.NoError(t, store.UploadBinary(ctx, models.ContainerWeb,
		"index.html", []byte("<html>old site</html>"), "text/html"))
	require.NoError(t, store.CreateJSON(ctx, models.ContainerLocks,
		models.LockPath("col-1"), map[string]string{"batch_id": "col-1"}))
}

func TestPublisher_PublishHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedContent(t, f.store)
	enqueuePublish(t, f.queues, "col-1")

	require.True(t, f.pub.pollOnce(ctx))

	// New site uploaded with per-extension content types.
	data, ct, err := f.store.DownloadBinary(ctx, models.ContainerWeb, "index.html")
	require.NoError(t, err)
	assert.Equal(t, "<html>new site</html>", string(data))
	assert.Equal(t, "text/html", ct)

	_, ct, err = f.store.DownloadBinary(ctx, models.ContainerWeb, "css/main.css")
	require.NoError(t, err)
	assert.Equal(t, "text/css", ct)

	// Old site preserved in web-backup.
	backups, err := f.store.List(ctx, models.ContainerWebBackup, "", time.Time{})
	require.NoError(t, err)
	require.Len(t, backups, 1)
	old, err := f.store.DownloadText(ctx, models.ContainerWebBackup, backups[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "<html>old site</html>", old)

	// Message deleted, batch lock cleaned up.
	depth, err := f.queues.Depth(ctx, models.QueuePublishSite)
	require.NoError(t, err)
	assert.Zero(t, depth)
	_, err = f.store.DownloadText(ctx, models.ContainerLocks, models.LockPath("col-1"))
	assert.True(t, blob.IsNotFound(err))

	health := f.pub.Health(ctx)
	assert.Equal(t, 1, health.SitesPublished)
}

func TestPublisher_FailedBuildLeavesWebUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedContent(t, f.store)
	f.builder.fail = true
	enqueuePublish(t, f.queues, "col-1")

	require.True(t, f.pub.pollOnce(ctx))

	// The live site is unchanged and the message survives for retry.
	data, _, err := f.store.DownloadBinary(ctx, models.ContainerWeb, "index.html")
	require.NoError(t, err)
	assert.Equal(t, "<html>old site</html>", string(data))

	f.queues.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	depth, err := f.queues.Depth(ctx, models.QueuePublishSite)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "message reappears after visibility timeout")

	// The lock survives too; the batch is still unpublished.
	_, err = f.store.DownloadText(ctx, models.ContainerLocks, models.LockPath("col-1"))
	assert.NoError(t, err)
}

func TestPublisher_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedContent(t, f.store)

	enqueuePublish(t, f.queues, "col-1")
	require.True(t, f.pub.pollOnce(ctx))
	enqueuePublish(t, f.queues, "col-1")
	require.True(t, f.pub.pollOnce(ctx))

	// Same content both times.
	data, _, err := f.store.DownloadBinary(ctx, models.ContainerWeb, "index.html")
	require.NoError(t, err)
	assert.Equal(t, "<html>new site</html>", string(data))
	assert.Equal(t, 2, f.builder.built)
}

func TestPublisher_StaleLockCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedContent(t, f.store)

	// An old lock from a crashed run, written with an aged clock.
	f.store.SetClock(func() time.Time { return time.Now().Add(-30 * 24 * time.Hour) })
	require.NoError(t, f.store.CreateJSON(ctx, models.ContainerLocks,
		models.LockPath("ancient"), map[string]string{"batch_id": "ancient"}))
	f.store.SetClock(time.Now)

	enqueuePublish(t, f.queues, "col-1")
	require.True(t, f.pub.pollOnce(ctx))

	_, err := f.store.DownloadText(ctx, models.ContainerLocks, models.LockPath("ancient"))
	assert.True(t, blob.IsNotFound(err), "stale lock aged out")
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "text/html", ContentTypeFor("index.html"))
	assert.Equal(t, "text/css", ContentTypeFor("a/b/style.CSS"))
	assert.Equal(t, "application/javascript", ContentTypeFor("app.js"))
	assert.Equal(t, "image/svg+xml", ContentTypeFor("logo.svg"))
	assert.Equal(t, "application/octet-stream", ContentTypeFor("mystery.bin"))
}
