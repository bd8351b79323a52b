package domain

import (
	"context"
	"errors"
)

var (
	// ErrQueueUnavailable is returned when the queue cannot accept a line and no WAL is configured.
	ErrQueueUnavailable = errors.New("queue is unavailable and WAL is not configured")

	// ErrNotFound is returned when a lookup has nothing to return.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned by the store when a hierarchical key cannot be
	// used as a document path (e.g. a missing hex ident).
	ErrInvalidKey = errors.New("invalid hierarchical key")

	// ErrNotImplemented is returned by adapters for operations their backend does not support.
	ErrNotImplemented = errors.New("method not implemented for this repository type")
)

// Delivery is a raw line handed out by the queue, together with the handle
// needed to acknowledge it.
type Delivery struct {
	ID       string
	Line     string
	Attempts int64
}

// LinePublisher is the producer side of the queue relay.
type LinePublisher interface {
	// Publish enqueues one raw line. One round trip per call.
	Publish(ctx context.Context, line string) error
}

// DeliverySource is the consumer side of the queue relay.
// Deliveries that are never acknowledged are handed out again by the broker.
type DeliverySource interface {
	// Fetch blocks for a bounded time and returns up to max deliveries.
	// An empty result with a nil error means nothing arrived.
	Fetch(ctx context.Context, max int) ([]Delivery, error)

	// Ack marks deliveries as processed.
	Ack(ctx context.Context, ids ...string) error

	// Nack releases a delivery for redelivery without waiting for the ack timeout.
	Nack(ctx context.Context, id string) error

	// DeadLetter parks a delivery for operator inspection and acknowledges it.
	DeadLetter(ctx context.Context, d Delivery, reason string) error
}

// ReportStore is the hierarchical store sink.
type ReportStore interface {
	// AppendReport atomically appends entry to the array at key inside the
	// aggregate document selected by partition, creating the document if absent.
	AppendReport(ctx context.Context, partition string, key HierarchicalKey, entry StoredReport) error
}

// LastSeenCache is the last-seen cache sink.
type LastSeenCache interface {
	SetLast(ctx context.Context, line string) error
	GetLast(ctx context.Context) (string, error)
}

// AuditLog is the per-day append-only audit log sink.
type AuditLog interface {
	AppendLine(ctx context.Context, date, line string) error
}

// WALRepository defines the interface for the Write-Ahead Log failover mechanism.
type WALRepository interface {
	// Write appends a raw line to the local WAL file.
	Write(ctx context.Context, line string) error

	// Drain hands every logged line to handler in write order and removes
	// them once all were handled. On a handler error nothing is removed.
	// The handler is responsible for re-publishing the line (e.g., to Redis).
	Drain(ctx context.Context, handler func(line string) error) (int, error)

	// Size returns the number of bytes currently logged.
	Size() int64
}
