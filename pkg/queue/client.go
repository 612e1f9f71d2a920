// Package queue defines the FIFO message queue abstraction with
// visibility-timeout semantics, plus in-memory, PostgreSQL and NATS JetStream
// backends.
//
// A received message is invisible to other receivers for the visibility
// timeout; it reappears unless deleted. Messages whose dequeue count exceeds
// the configured threshold are moved to the queue's poison counterpart.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/driftline/driftline/pkg/models"
)

// DefaultMaxDequeueCount is the delivery threshold after which a message is
// routed to the poison queue.
const DefaultMaxDequeueCount = 3

// ErrPeekUnsupported is returned by backends that cannot inspect messages
// without consuming them.
var ErrPeekUnsupported = errors.New("peek not supported by this queue backend")

// Message is a received envelope together with the backend's delivery handle.
type Message struct {
	Envelope *models.Envelope

	// receipt identifies this delivery to the backend; opaque to callers.
	receipt any
}

// Client is the queue adapter shared by all services.
type Client interface {
	// Enqueue serialises the envelope onto the named queue and returns the
	// assigned message ID.
	Enqueue(ctx context.Context, queue string, env *models.Envelope) (string, error)

	// Receive returns up to max messages, each invisible to other receivers
	// for the visibility duration. Zero messages means the queue is idle.
	Receive(ctx context.Context, queue string, max int, visibility time.Duration) ([]*Message, error)

	// Delete removes a received message after successful processing.
	Delete(ctx context.Context, queue string, msg *Message) error

	// Peek returns up to max visible envelopes without consuming them.
	// Diagnostics only.
	Peek(ctx context.Context, queue string, max int) ([]*models.Envelope, error)

	// Depth returns the number of visible messages waiting on the queue.
	Depth(ctx context.Context, queue string) (int, error)
}
