package stores

import (
	"context"
	"database/sql"
	"time"
)

// DeliveryStatus is the outcome of one callback delivery attempt.
type DeliveryStatus string

const (
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// Delivery records one attempt to hand a callback to the authorizer.
type Delivery struct {
	ID          string         `json:"id"`
	ExecutionID uint64         `json:"execution_id"`
	Result      string         `json:"result"`          // success, partially_executed, rejected
	ResultIndex uint64         `json:"result_index"`    // failing function for partially executed results
	ResultError *string        `json:"result_error,omitempty"`
	Sink        string         `json:"sink"`            // e.g. "webhook", "func"
	Status      DeliveryStatus `json:"status"`
	Error       *string        `json:"error,omitempty"` // delivery failure
	Height      uint64         `json:"height"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Event is an append-only engine event.
type Event struct {
	ID          int64     `json:"id"`
	EventID     string    `json:"event_id"`
	ExecutionID uint64    `json:"execution_id"`
	Type        string    `json:"type"` // enqueued, advanced, retried, resolved, ...
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// AuditEntry represents an audit trail entry for operator actions.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "queue.evict", "processor.pause"
	Actor     string    `json:"actor"`               // operator or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // execution id or queue
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// EventFilter narrows GetEvents. Nil fields match everything.
type EventFilter struct {
	ExecutionID *uint64
	Type        *string
}

// PurgeResult reports how many rows a purge removed.
type PurgeResult struct {
	Deliveries int64
	Events     int64
	Audit      int64
}

// Store defines the interface for the journal
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Delivery operations
	RecordDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	ListDeliveries(ctx context.Context, executionID *uint64, status *DeliveryStatus, limit, offset int) ([]*Delivery, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*Event, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Maintenance
	PurgeBefore(ctx context.Context, cutoff time.Time) (PurgeResult, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
