package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/pkg/models"
	"github.com/driftline/driftline/pkg/queue"
	"github.com/driftline/driftline/test/util"
)

func enqueueWake(t *testing.T, q queue.Client, correlationID string) string {
	t.Helper()
	env, err := models.NewEnvelope("collector", models.OpWakeUp, correlationID,
		models.WakeUpPayload{Trigger: "scheduled"})
	require.NoError(t, err)
	id, err := q.Enqueue(context.Background(), models.QueueCollectionRequests, env)
	require.NoError(t, err)
	return id
}

func TestPGQueue_FIFOOrdering(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	client := util.SetupTestDatabase(t)
	q := queue.NewPGQueue(client, 3)

	first := enqueueWake(t, q, "run-1")
	second := enqueueWake(t, q, "run-2")
	third := enqueueWake(t, q, "run-3")

	depth, err := q.Depth(ctx, models.QueueCollectionRequests)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	msgs, err := q.Receive(ctx, models.QueueCollectionRequests, 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first, msgs[0].Envelope.MessageID)
	assert.Equal(t, second, msgs[1].Envelope.MessageID)
	assert.Equal(t, 1, msgs[0].Envelope.DequeueCount)

	// The claimed messages are invisible; only the third remains receivable.
	depth, err = q.Depth(ctx, models.QueueCollectionRequests)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	msgs, err = q.Receive(ctx, models.QueueCollectionRequests, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, third, msgs[0].Envelope.MessageID)
}

func TestPGQueue_DeleteAndRedelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	client := util.SetupTestDatabase(t)
	q := queue.NewPGQueue(client, 5)

	enqueueWake(t, q, "run-1")
	kept := enqueueWake(t, q, "run-2")

	msgs, err := q.Receive(ctx, models.QueueCollectionRequests, 2, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// Delete the first; the second reappears after its visibility lapses.
	require.NoError(t, q.Delete(ctx, models.QueueCollectionRequests, msgs[0]))

	require.Eventually(t, func() bool {
		depth, err := q.Depth(ctx, models.QueueCollectionRequests)
		return err == nil && depth == 1
	}, 10*time.Second, 100*time.Millisecond, "undeleted message should become visible again")

	msgs, err = q.Receive(ctx, models.QueueCollectionRequests, 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, kept, msgs[0].Envelope.MessageID)
	assert.Equal(t, 2, msgs[0].Envelope.DequeueCount)
}

func TestPGQueue_PoisonAfterMaxDequeues(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	client := util.SetupTestDatabase(t)
	q := queue.NewPGQueue(client, 2)

	enqueueWake(t, q, "stuck")

	// Zero visibility makes the message immediately reclaimable. The third
	// claim exceeds the threshold and routes it to the poison queue.
	for i := 0; i < 2; i++ {
		msgs, err := q.Receive(ctx, models.QueueCollectionRequests, 1, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
	}

	msgs, err := q.Receive(ctx, models.QueueCollectionRequests, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	depth, err := q.Depth(ctx, models.QueueCollectionRequests)
	require.NoError(t, err)
	assert.Zero(t, depth)

	var poisoned int
	err = client.DB().QueryRowContext(ctx,
		`SELECT count(*) FROM queue_poison WHERE queue = $1`,
		models.QueueCollectionRequests).Scan(&poisoned)
	require.NoError(t, err)
	assert.Equal(t, 1, poisoned)
}

func TestPGQueue_PeekDoesNotConsume(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	client := util.SetupTestDatabase(t)
	q := queue.NewPGQueue(client, 3)

	id := enqueueWake(t, q, "run-1")

	envs, err := q.Peek(ctx, models.QueueCollectionRequests, 5)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, id, envs[0].MessageID)

	depth, err := q.Depth(ctx, models.QueueCollectionRequests)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "peek must not claim the message")
}
