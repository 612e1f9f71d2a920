package processor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/pkg/blob"
	"github.com/driftline/driftline/pkg/llm"
	"github.com/driftline/driftline/pkg/models"
	"github.com/driftline/driftline/pkg/queue"
	"github.com/driftline/driftline/pkg/ratelimit"
)

// fakeLLM scripts completion responses per call.
type fakeLLM struct {
	calls     int
	responses []func(req llm.Request) (*llm.Result, error)
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (*llm.Result, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx](req)
}

func articleText() string {
	return "# Rewritten\n\n" + strings.Repeat("A decent paragraph of rewritten text. ", 100)
}

func okCompletion(text string) func(llm.Request) (*llm.Result, error) {
	return func(llm.Request) (*llm.Result, error) {
		return &llm.Result{
			Text:  text,
			Model: "gpt-4o-mini",
			Usage: llm.Usage{PromptTokens: 200, CompletionTokens: 800, TotalTokens: 1000},
		}, nil
	}
}

type handlerFixture struct {
	store   *blob.MemoryStore
	queues  *queue.MemoryQueue
	handler *Handler
}

func newHandlerFixture(t *testing.T, client llm.Client) *handlerFixture {
	t.Helper()
	store := blob.NewMemoryStore()
	queues := queue.NewMemoryQueue()
	gen := NewGenerator(client, ratelimit.New(), "eastus")
	leases := NewLeaseManager(store, "replica-test", 5*time.Minute)
	return &handlerFixture{
		store:   store,
		queues:  queues,
		handler: NewHandler(store, queues, gen, leases, "replica-test", "gpt-4o-mini"),
	}
}

func topicEnvelope(t *testing.T, topic models.TopicMetadata) *models.Envelope {
	t.Helper()
	env, err := models.NewEnvelope("collector", models.OpProcessTopic, topic.CollectionID, topic)
	require.NoError(t, err)
	return env
}

func sampleTopic() models.TopicMetadata {
	return models.TopicMetadata{
		TopicID:         "reddit_abc",
		Title:           "A reasonable source title",
		Content:         "Original source content about programming.",
		Source:          models.SourceReddit,
		SourceURL:       "https://example.test/abc",
		CollectedAt:     time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
		CollectionID:    "col-1",
		ContractVersion: models.ContractVersion,
		Subreddit:       "golang",
		Upvotes:         250,
	}
}

func TestHandler_Handle_Completed(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, &fakeLLM{responses: []func(llm.Request) (*llm.Result, error){
		okCompletion(articleText()),
	}})

	topic := sampleTopic()
	outcome, err := f.handler.Handle(ctx, topicEnvelope(t, topic))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	// Exactly one article persisted under the collection date.
	objects, err := f.store.List(ctx, models.ContainerProcessed,
		models.ProcessedPrefix(topic.CollectedAt), time.Time{})
	require.NoError(t, err)
	require.Len(t, objects, 1)

	var article models.ProcessedArticle
	require.NoError(t, f.store.DownloadJSON(ctx, models.ContainerProcessed, objects[0].Path, &article))
	assert.Equal(t, topic.TopicID, article.OriginalTopicID)
	assert.Equal(t, "A reasonable source title", article.Title, "clean short title kept without an LLM call")
	assert.Equal(t, "a-reasonable-source-title", article.Slug)
	assert.Equal(t, "/2026/08/a-reasonable-source-title", article.URL)
	assert.Equal(t, "20260824-a-reasonable-source-title.md", article.Filename)
	assert.Equal(t, []string{"reddit", "golang"}, article.Tags)
	assert.Equal(t, "col-1", article.CollectionID)
	assert.Equal(t, 1000, article.Costs.OpenAITokens)
	assert.Greater(t, article.Costs.OpenAICostUSD, 0.0)
	assert.Len(t, article.Provenance, 2)
	assert.Equal(t, models.StageCollection, article.Provenance[0].Stage)
	assert.Equal(t, models.StageProcessing, article.Provenance[1].Stage)

	// One Q3 message pointing at the blob.
	msgs, err := f.queues.Receive(ctx, models.QueueGenerateMarkdown, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var payload models.GenerateMarkdownPayload
	require.NoError(t, msgs[0].Envelope.DecodePayload(&payload))
	assert.Equal(t, "json", payload.ContentType)
	assert.Equal(t, objects[0].Path, payload.BlobPath)
	assert.Equal(t, article.ArticleID, payload.ArticleID)
	assert.Equal(t, "col-1", payload.BatchID)

	// The lease was released on completion.
	_, err = f.store.DownloadText(ctx, models.ContainerLeases, models.LeasePath(topic.TopicID))
	assert.True(t, blob.IsNotFound(err))
}

func TestHandler_Handle_TitleRewrite(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, &fakeLLM{responses: []func(llm.Request) (*llm.Result, error){
		okCompletion(articleText()),
		okCompletion(`"A Clean Rewritten Headline"`),
	}})

	topic := sampleTopic()
	topic.Title = "(15 Oct) " + strings.Repeat("an extremely long and rambling source title ", 4)

	outcome, err := f.handler.Handle(ctx, topicEnvelope(t, topic))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	objects, err := f.store.List(ctx, models.ContainerProcessed,
		models.ProcessedPrefix(topic.CollectedAt), time.Time{})
	require.NoError(t, err)
	require.Len(t, objects, 1)

	var article models.ProcessedArticle
	require.NoError(t, f.store.DownloadJSON(ctx, models.ContainerProcessed, objects[0].Path, &article))
	assert.Equal(t, "A Clean Rewritten Headline", article.Title, "quotes stripped from the rewrite")
	assert.Equal(t, 2000, article.Costs.OpenAITokens, "both calls accounted")
}

func TestHandler_Handle_LeaseContention(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, &fakeLLM{responses: []func(llm.Request) (*llm.Result, error){
		okCompletion(articleText()),
	}})

	topic := sampleTopic()

	// Another live replica holds the lease.
	other := NewLeaseManager(f.store, "replica-other", 5*time.Minute)
	held, err := other.Acquire(ctx, topic.TopicID)
	require.NoError(t, err)
	require.True(t, held)

	outcome, err := f.handler.Handle(ctx, topicEnvelope(t, topic))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome, "contention is the other replica's success")

	depth, err := f.queues.Depth(ctx, models.QueueGenerateMarkdown)
	require.NoError(t, err)
	assert.Zero(t, depth, "nothing generated")
}

func TestHandler_Handle_ShortCircuitExisting(t *testing.T) {
	ctx := context.Background()
	calls := &fakeLLM{responses: []func(llm.Request) (*llm.Result, error){
		okCompletion(articleText()),
	}}
	f := newHandlerFixture(t, calls)

	topic := sampleTopic()

	// First delivery processes normally.
	outcome, err := f.handler.Handle(ctx, topicEnvelope(t, topic))
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)
	llmCallsAfterFirst := calls.calls

	// A redelivered copy short-circuits without touching the LLM.
	outcome, err = f.handler.Handle(ctx, topicEnvelope(t, topic))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, llmCallsAfterFirst, calls.calls)

	// Still exactly one article and one Q3 message.
	objects, err := f.store.List(ctx, models.ContainerProcessed,
		models.ProcessedPrefix(topic.CollectedAt), time.Time{})
	require.NoError(t, err)
	assert.Len(t, objects, 1)
	depth, err := f.queues.Depth(ctx, models.QueueGenerateMarkdown)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestHandler_Handle_ForceReprocess(t *testing.T) {
	ctx := context.Background()
	calls := &fakeLLM{responses: []func(llm.Request) (*llm.Result, error){
		okCompletion(articleText()),
	}}
	f := newHandlerFixture(t, calls)

	topic := sampleTopic()
	outcome, err := f.handler.Handle(ctx, topicEnvelope(t, topic))
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)

	topic.ForceReprocess = true
	outcome, err = f.handler.Handle(ctx, topicEnvelope(t, topic))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome, "force_reprocess bypasses the short-circuit")
	assert.Greater(t, calls.calls, 1)
}

func TestHandler_Handle_SlugCollision(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, &fakeLLM{responses: []func(llm.Request) (*llm.Result, error){
		okCompletion(articleText()),
	}})

	first := sampleTopic()
	outcome, err := f.handler.Handle(ctx, topicEnvelope(t, first))
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)

	// A different topic whose title slugs identically on the same date.
	second := sampleTopic()
	second.TopicID = "reddit_xyz"
	second.Content = "Different source content entirely."

	outcome, err = f.handler.Handle(ctx, topicEnvelope(t, second))
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)

	objects, err := f.store.List(ctx, models.ContainerProcessed,
		models.ProcessedPrefix(first.CollectedAt), time.Time{})
	require.NoError(t, err)
	require.Len(t, objects, 2)

	slugs := make(map[string]bool)
	for _, obj := range objects {
		var article models.ProcessedArticle
		require.NoError(t, f.store.DownloadJSON(ctx, models.ContainerProcessed, obj.Path, &article))
		slugs[article.Slug] = true
	}
	assert.Len(t, slugs, 2, "colliding titles must yield distinct slugs")
	assert.True(t, slugs["a-reasonable-source-title"])
}

// gatedLLM blocks each completion until released, holding handlers in-flight
// between the prefix listing and the persist.
type gatedLLM struct {
	started chan struct{}
	release chan struct{}
}

func (g *gatedLLM) Complete(_ context.Context, _ llm.Request) (*llm.Result, error) {
	g.started <- struct{}{}
	<-g.release
	return okCompletion(articleText())(llm.Request{})
}

func TestHandler_Handle_ConcurrentSameTitleDistinctFilenames(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	queues := queue.NewMemoryQueue()

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	newHandler := func(replica string) *Handler {
		gen := NewGenerator(&gatedLLM{started: started, release: release}, ratelimit.New(), "eastus")
		leases := NewLeaseManager(store, replica, 5*time.Minute)
		return NewHandler(store, queues, gen, leases, replica, "gpt-4o-mini")
	}

	first := sampleTopic()
	first.TopicID = "reddit_py1"
	first.Title = "Python 3.12 Released"
	second := sampleTopic()
	second.TopicID = "reddit_py2"
	second.Title = "Python 3.12 Released"
	second.Content = "A different announcement body entirely."

	envFirst := topicEnvelope(t, first)
	envSecond := topicEnvelope(t, second)

	type result struct {
		outcome Outcome
		err     error
	}
	results := make(chan result, 2)
	go func() {
		outcome, err := newHandler("replica-a").Handle(ctx, envFirst)
		results <- result{outcome, err}
	}()
	go func() {
		outcome, err := newHandler("replica-b").Handle(ctx, envSecond)
		results <- result{outcome, err}
	}()

	// Both replicas are past the prefix listing and inside their LLM call
	// before either persists.
	<-started
	<-started
	close(release)

	for i := 0; i < 2; i++ {
		res := <-results
		require.NoError(t, res.err)
		assert.Equal(t, OutcomeCompleted, res.outcome)
	}

	objects, err := store.List(ctx, models.ContainerProcessed,
		models.ProcessedPrefix(first.CollectedAt), time.Time{})
	require.NoError(t, err)
	require.Len(t, objects, 2)

	filenames := make(map[string]bool)
	slugs := make(map[string]bool)
	for _, obj := range objects {
		var article models.ProcessedArticle
		require.NoError(t, store.DownloadJSON(ctx, models.ContainerProcessed, obj.Path, &article))
		filenames[article.Filename] = true
		slugs[article.Slug] = true
	}
	assert.Len(t, filenames, 2, "same-title topics must not share a filename")
	assert.Len(t, slugs, 2)
	assert.True(t, slugs["python-3-12-released"], "one topic keeps the base slug")
}

func TestHandler_Handle_PermanentLLMFailureIsPoison(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, &fakeLLM{responses: []func(llm.Request) (*llm.Result, error){
		func(llm.Request) (*llm.Result, error) {
			return nil, &llm.PermanentError{StatusCode: 400, Body: "content policy"}
		},
	}})

	outcome, err := f.handler.Handle(ctx, topicEnvelope(t, sampleTopic()))
	assert.Error(t, err)
	assert.Equal(t, OutcomePoison, outcome)

	// The lease is left to expire, not released.
	_, dlErr := f.store.DownloadText(ctx, models.ContainerLeases, models.LeasePath("reddit_abc"))
	assert.NoError(t, dlErr)

	// A diagnostic failure record lands under the failures prefix.
	objects, err := f.store.List(ctx, models.ContainerProcessed, "failures/", time.Time{})
	require.NoError(t, err)
	require.Len(t, objects, 1)

	var record models.FailureRecord
	require.NoError(t, f.store.DownloadJSON(ctx, models.ContainerProcessed, objects[0].Path, &record))
	assert.Equal(t, "reddit_abc", record.TopicID)
	assert.Equal(t, "col-1", record.CollectionID)
	assert.Equal(t, "article_rewrite", record.Stage)
	assert.Equal(t, "replica-test", record.ReplicaID)
	assert.Contains(t, record.Error, "content policy")
	assert.False(t, record.FailedAt.IsZero())
}

func TestHandler_Handle_MalformedPayloadIsPoison(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, &fakeLLM{responses: []func(llm.Request) (*llm.Result, error){
		okCompletion(articleText()),
	}})

	env, err := models.NewEnvelope("collector", "unknown_operation", "", models.WakeUpPayload{})
	require.NoError(t, err)

	outcome, handleErr := f.handler.Handle(ctx, env)
	assert.Error(t, handleErr)
	assert.Equal(t, OutcomePoison, outcome)
}
