package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/pkg/config"
	"github.com/driftline/driftline/pkg/llm"
	"github.com/driftline/driftline/pkg/models"
)

func workerConfig() *config.ProcessorConfig {
	return &config.ProcessorConfig{
		Queue: config.QueueSettings{
			Driver:            config.QueueDriverMemory,
			VisibilityTimeout: 300 * time.Second,
			PollInterval:      10 * time.Millisecond,
			MaxDequeueCount:   3,
		},
		WorkerCount: 1,
	}
}

func TestWorker_PollAndProcess(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, &fakeLLM{responses: []func(llm.Request) (*llm.Result, error){
		okCompletion(articleText()),
	}})

	topic := sampleTopic()
	_, err := f.queues.Enqueue(ctx, models.QueueProcessTopic, topicEnvelope(t, topic))
	require.NoError(t, err)

	w := NewWorker("w-0", workerConfig(), f.queues, f.handler)

	processed, err := w.pollAndProcess(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	// The message is gone and the article was produced.
	depth, err := f.queues.Depth(ctx, models.QueueProcessTopic)
	require.NoError(t, err)
	assert.Zero(t, depth)

	genDepth, err := f.queues.Depth(ctx, models.QueueGenerateMarkdown)
	require.NoError(t, err)
	assert.Equal(t, 1, genDepth)

	health := w.Health()
	assert.Equal(t, 1, health.TopicsProcessed)
	assert.Equal(t, WorkerStatusIdle, health.Status)
}

func TestWorker_PollAndProcess_IdleQueue(t *testing.T) {
	f := newHandlerFixture(t, &fakeLLM{responses: []func(llm.Request) (*llm.Result, error){
		okCompletion(articleText()),
	}})
	w := NewWorker("w-0", workerConfig(), f.queues, f.handler)

	processed, err := w.pollAndProcess(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestWorker_PoisonMessageLeftOnQueue(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, &fakeLLM{responses: []func(llm.Request) (*llm.Result, error){
		func(llm.Request) (*llm.Result, error) {
			return nil, &llm.PermanentError{StatusCode: 400, Body: "rejected"}
		},
	}})

	_, err := f.queues.Enqueue(ctx, models.QueueProcessTopic, topicEnvelope(t, sampleTopic()))
	require.NoError(t, err)

	w := NewWorker("w-0", workerConfig(), f.queues, f.handler)
	processed, err := w.pollAndProcess(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	// Message stays invisible until the visibility timeout; it was not deleted.
	depth, err := f.queues.Depth(ctx, models.QueueProcessTopic)
	require.NoError(t, err)
	assert.Zero(t, depth, "invisible, not deleted")

	f.queues.SetClock(func() time.Time { return time.Now().Add(10 * time.Minute) })
	depth, err = f.queues.Depth(ctx, models.QueueProcessTopic)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "reappears for dead-letter accounting")
}

func TestWorkerPool_StartStop(t *testing.T) {
	f := newHandlerFixture(t, &fakeLLM{responses: []func(llm.Request) (*llm.Result, error){
		okCompletion(articleText()),
	}})

	pool := NewWorkerPool("replica-test", workerConfig(), f.queues, f.handler, nil)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Start(context.Background()), "duplicate start is a no-op")

	health := pool.Health()
	assert.True(t, health.IsHealthy)
	assert.Equal(t, 1, health.TotalWorkers)

	pool.Stop()
}
