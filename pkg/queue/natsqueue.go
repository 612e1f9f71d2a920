package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/driftline/driftline/pkg/models"
)

// NATSQueue is the JetStream-backed Client. Each logical queue is a
// work-queue stream with a shared durable consumer; the consumer's AckWait is
// the visibility timeout and acking a message is the delete.
type NATSQueue struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	maxDequeue int

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
}

// NewNATSQueue connects to the NATS server and returns a queue Client.
func NewNATSQueue(ctx context.Context, url string, maxDequeueCount int) (*NATSQueue, error) {
	if maxDequeueCount <= 0 {
		maxDequeueCount = DefaultMaxDequeueCount
	}
	nc, err := nats.Connect(url,
		nats.Name("driftline"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	return &NATSQueue{
		nc:         nc,
		js:         js,
		maxDequeue: maxDequeueCount,
		consumers:  make(map[string]jetstream.Consumer),
	}, nil
}

// Close drains the underlying connection.
func (q *NATSQueue) Close() error {
	return q.nc.Drain()
}

func streamName(queue string) string {
	return "DL_" + strings.ToUpper(strings.ReplaceAll(queue, "-", "_"))
}

func subjectName(queue string) string {
	return "driftline.q." + queue
}

func poisonSubject(queue string) string {
	return "driftline.poison." + queue
}

func (q *NATSQueue) ensureStream(ctx context.Context, queue string) (jetstream.Stream, error) {
	stream, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName(queue),
		Subjects:  []string{subjectName(queue)},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring stream for %s: %w", queue, err)
	}
	return stream, nil
}

func (q *NATSQueue) ensurePoisonStream(ctx context.Context, queue string) error {
	_, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName(queue) + "_POISON",
		Subjects: []string{poisonSubject(queue)},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensuring poison stream for %s: %w", queue, err)
	}
	return nil
}

func (q *NATSQueue) consumer(ctx context.Context, queue string, visibility time.Duration) (jetstream.Consumer, error) {
	q.mu.Lock()
	if cons, ok := q.consumers[queue]; ok {
		q.mu.Unlock()
		return cons, nil
	}
	q.mu.Unlock()

	stream, err := q.ensureStream(ctx, queue)
	if err != nil {
		return nil, err
	}
	if err := q.ensurePoisonStream(ctx, queue); err != nil {
		return nil, err
	}

	// MaxDeliver is threshold+1: the final delivery is the one Receive routes
	// to the poison stream.
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:    "workers",
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    visibility,
		MaxDeliver: q.maxDequeue + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring consumer for %s: %w", queue, err)
	}

	q.mu.Lock()
	q.consumers[queue] = cons
	q.mu.Unlock()
	return cons, nil
}

// Enqueue implements Client.
func (q *NATSQueue) Enqueue(ctx context.Context, queue string, env *models.Envelope) (string, error) {
	if _, err := q.ensureStream(ctx, queue); err != nil {
		return "", err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshaling envelope for %s: %w", queue, err)
	}
	if _, err := q.js.Publish(ctx, subjectName(queue), body,
		jetstream.WithMsgID(env.MessageID)); err != nil {
		return "", fmt.Errorf("enqueue on %s: %w", queue, err)
	}
	return env.MessageID, nil
}

// Receive implements Client. Deliveries past the dequeue threshold are copied
// to the poison stream and acked away.
func (q *NATSQueue) Receive(ctx context.Context, queue string, max int, visibility time.Duration) ([]*Message, error) {
	cons, err := q.consumer(ctx, queue, visibility)
	if err != nil {
		return nil, err
	}

	batch, err := cons.Fetch(max, jetstream.FetchMaxWait(500*time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("receive on %s: %w", queue, err)
	}

	var out []*Message
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			_ = msg.Nak()
			continue
		}
		delivered := int(meta.NumDelivered)
		if delivered > q.maxDequeue {
			if _, perr := q.js.Publish(ctx, poisonSubject(queue), msg.Data()); perr == nil {
				_ = msg.Ack()
			} else {
				_ = msg.Nak()
			}
			continue
		}
		env, err := decodeEnvelope(msg.Data(), delivered)
		if err != nil {
			// Undecodable bodies go straight to poison.
			if _, perr := q.js.Publish(ctx, poisonSubject(queue), msg.Data()); perr == nil {
				_ = msg.Ack()
			}
			continue
		}
		out = append(out, &Message{Envelope: env, receipt: msg})
	}
	if err := batch.Error(); err != nil {
		return out, fmt.Errorf("receive on %s: %w", queue, err)
	}
	return out, nil
}

// Delete implements Client.
func (q *NATSQueue) Delete(_ context.Context, queue string, msg *Message) error {
	jmsg, ok := msg.receipt.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("delete on %s: foreign receipt", queue)
	}
	if err := jmsg.Ack(); err != nil {
		return fmt.Errorf("delete on %s: %w", queue, err)
	}
	return nil
}

// Peek implements Client. Work-queue streams allow a single consumer, so
// non-consuming inspection is not available on this backend.
func (q *NATSQueue) Peek(context.Context, string, int) ([]*models.Envelope, error) {
	return nil, ErrPeekUnsupported
}

// Depth implements Client. The count includes in-flight (invisible) messages;
// JetStream does not expose the visible subset cheaply.
func (q *NATSQueue) Depth(ctx context.Context, queue string) (int, error) {
	stream, err := q.ensureStream(ctx, queue)
	if err != nil {
		return 0, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("depth on %s: %w", queue, err)
	}
	return int(info.State.Msgs), nil
}
