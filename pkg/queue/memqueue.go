package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/driftline/driftline/pkg/models"
)

type memMessage struct {
	seq          int64
	body         []byte
	visibleAt    time.Time
	dequeueCount int
}

// MemoryQueue is an in-process Client with full visibility-timeout and
// poison-routing semantics. Tests and single-node setups use it.
type MemoryQueue struct {
	mu         sync.Mutex
	queues     map[string][]*memMessage
	poison     map[string][]*memMessage
	nextSeq    int64
	maxDequeue int
	now        func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue set.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues:     make(map[string][]*memMessage),
		poison:     make(map[string][]*memMessage),
		maxDequeue: DefaultMaxDequeueCount,
		now:        time.Now,
	}
}

// SetMaxDequeueCount overrides the poison threshold.
func (q *MemoryQueue) SetMaxDequeueCount(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxDequeue = n
}

// SetClock overrides the queue's clock; tests use it to expire visibility
// timeouts instantly.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enqueue implements Client.
func (q *MemoryQueue) Enqueue(_ context.Context, queue string, env *models.Envelope) (string, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshaling envelope for %s: %w", queue, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	q.queues[queue] = append(q.queues[queue], &memMessage{
		seq:       q.nextSeq,
		body:      body,
		visibleAt: q.now(),
	})
	return env.MessageID, nil
}

// Receive implements Client.
func (q *MemoryQueue) Receive(_ context.Context, queue string, max int, visibility time.Duration) ([]*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var out []*Message
	remaining := q.queues[queue][:0]
	for _, m := range q.queues[queue] {
		if len(out) >= max || m.visibleAt.After(now) {
			remaining = append(remaining, m)
			continue
		}
		m.dequeueCount++
		if m.dequeueCount > q.maxDequeue {
			q.poison[queue] = append(q.poison[queue], m)
			continue
		}
		m.visibleAt = now.Add(visibility)
		env, err := decodeEnvelope(m.body, m.dequeueCount)
		if err != nil {
			q.poison[queue] = append(q.poison[queue], m)
			continue
		}
		out = append(out, &Message{Envelope: env, receipt: m.seq})
		remaining = append(remaining, m)
	}
	q.queues[queue] = remaining
	return out, nil
}

// Delete implements Client.
func (q *MemoryQueue) Delete(_ context.Context, queue string, msg *Message) error {
	seq, ok := msg.receipt.(int64)
	if !ok {
		return fmt.Errorf("delete on %s: foreign receipt", queue)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.queues[queue]
	for i, m := range msgs {
		if m.seq == seq {
			q.queues[queue] = append(msgs[:i], msgs[i+1:]...)
			return nil
		}
	}
	// Already deleted or expired into a redelivery that was deleted first.
	return nil
}

// Peek implements Client.
func (q *MemoryQueue) Peek(_ context.Context, queue string, max int) ([]*models.Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var out []*models.Envelope
	for _, m := range q.queues[queue] {
		if len(out) >= max {
			break
		}
		if m.visibleAt.After(now) {
			continue
		}
		env, err := decodeEnvelope(m.body, m.dequeueCount)
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// Depth implements Client.
func (q *MemoryQueue) Depth(_ context.Context, queue string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	n := 0
	for _, m := range q.queues[queue] {
		if !m.visibleAt.After(now) {
			n++
		}
	}
	return n, nil
}

// PoisonDepth returns the number of dead-lettered messages for a queue.
func (q *MemoryQueue) PoisonDepth(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.poison[queue])
}

func decodeEnvelope(body []byte, dequeueCount int) (*models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	env.DequeueCount = dequeueCount
	return &env, nil
}
