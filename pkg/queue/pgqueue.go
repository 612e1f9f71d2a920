package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftline/driftline/pkg/database"
	"github.com/driftline/driftline/pkg/models"
)

// PGQueue is the PostgreSQL-backed Client. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent receivers never block each other, and
// the visibility timeout is a visible_at column pushed forward on receive.
type PGQueue struct {
	db         *sql.DB
	maxDequeue int
}

// NewPGQueue wraps a database client as a queue Client.
func NewPGQueue(client *database.Client, maxDequeueCount int) *PGQueue {
	if maxDequeueCount <= 0 {
		maxDequeueCount = DefaultMaxDequeueCount
	}
	return &PGQueue{db: client.DB(), maxDequeue: maxDequeueCount}
}

// Enqueue implements Client.
func (q *PGQueue) Enqueue(ctx context.Context, queue string, env *models.Envelope) (string, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshaling envelope for %s: %w", queue, err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (queue, message_id, body)
		VALUES ($1, $2, $3)`,
		queue, env.MessageID, body)
	if err != nil {
		return "", fmt.Errorf("enqueue on %s: %w", queue, err)
	}
	return env.MessageID, nil
}

// Receive implements Client. Messages past the dequeue threshold are moved to
// queue_poison inside the same transaction and not returned.
func (q *PGQueue) Receive(ctx context.Context, queue string, max int, visibility time.Duration) ([]*Message, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("receive on %s: begin: %w", queue, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, body, dequeue_count
		FROM queue_messages
		WHERE queue = $1 AND visible_at <= now()
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		queue, max)
	if err != nil {
		return nil, fmt.Errorf("receive on %s: select: %w", queue, err)
	}

	type claimed struct {
		id           int64
		body         []byte
		dequeueCount int
	}
	var claims []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.id, &c.body, &c.dequeueCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("receive on %s: scan: %w", queue, err)
		}
		claims = append(claims, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("receive on %s: rows: %w", queue, err)
	}

	var out []*Message
	for _, c := range claims {
		newCount := c.dequeueCount + 1
		if newCount > q.maxDequeue {
			if err := q.poisonLocked(ctx, tx, queue, c.id, c.body, newCount); err != nil {
				return nil, err
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_messages
			SET dequeue_count = $2, visible_at = now() + $3 * interval '1 second'
			WHERE id = $1`,
			c.id, newCount, visibility.Seconds()); err != nil {
			return nil, fmt.Errorf("receive on %s: update: %w", queue, err)
		}
		env, err := decodeEnvelope(c.body, newCount)
		if err != nil {
			if err := q.poisonLocked(ctx, tx, queue, c.id, c.body, newCount); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, &Message{Envelope: env, receipt: c.id})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("receive on %s: commit: %w", queue, err)
	}
	return out, nil
}

func (q *PGQueue) poisonLocked(ctx context.Context, tx *sql.Tx, queue string, id int64, body []byte, count int) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_poison (queue, message_id, body, dequeue_count)
		SELECT queue, message_id, $2, $3 FROM queue_messages WHERE id = $1`,
		id, body, count); err != nil {
		return fmt.Errorf("poisoning message %d on %s: %w", id, queue, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("poisoning message %d on %s: %w", id, queue, err)
	}
	return nil
}

// Delete implements Client. Deleting an already-removed message is a no-op.
func (q *PGQueue) Delete(ctx context.Context, queue string, msg *Message) error {
	id, ok := msg.receipt.(int64)
	if !ok {
		return fmt.Errorf("delete on %s: foreign receipt", queue)
	}
	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE id = $1 AND queue = $2`, id, queue); err != nil {
		return fmt.Errorf("delete on %s: %w", queue, err)
	}
	return nil
}

// Peek implements Client.
func (q *PGQueue) Peek(ctx context.Context, queue string, max int) ([]*models.Envelope, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT body, dequeue_count
		FROM queue_messages
		WHERE queue = $1 AND visible_at <= now()
		ORDER BY id
		LIMIT $2`,
		queue, max)
	if err != nil {
		return nil, fmt.Errorf("peek on %s: %w", queue, err)
	}
	defer rows.Close()

	var out []*models.Envelope
	for rows.Next() {
		var body []byte
		var count int
		if err := rows.Scan(&body, &count); err != nil {
			return nil, fmt.Errorf("peek on %s: %w", queue, err)
		}
		env, err := decodeEnvelope(body, count)
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// Depth implements Client.
func (q *PGQueue) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT count(*) FROM queue_messages
		WHERE queue = $1 AND visible_at <= now()`, queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("depth on %s: %w", queue, err)
	}
	return n, nil
}
