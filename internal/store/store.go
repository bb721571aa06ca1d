// Package store persists inbound events in the task_storage table.
//
// Rows are written before the processing task is enqueued and are never
// deleted. Insert, enqueue and the dispatched flag update run as separate
// statements with no surrounding transaction; the queue's task-name dedup is
// what keeps a retried ingestion from producing a second task.
package store

import (
	"context"
	"time"

	"github.com/austindbirch/parcelhook/internal/logging"
	"github.com/austindbirch/parcelhook/internal/metrics"
)

const defaultListLimit = 100

// StoredEvent is one row of task_storage
type StoredEvent struct {
	ID            int64     `db:"id"`
	QueueName     string    `db:"queue_name"`
	SourceEventID string    `db:"task_id"`
	Payload       string    `db:"storage_contents"`
	Dispatched    bool      `db:"task_created"`
	Processed     bool      `db:"processed"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// PendingFilter selects unprocessed rows for replay. An empty QueueName
// matches every queue.
type PendingFilter struct {
	QueueName        string
	UndispatchedOnly bool
	Limit            int
}

func (f PendingFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// Store hands out sessions over a shared connection pool
type Store interface {
	// Open acquires a single connection; callers must Close the session on every path
	Open(ctx context.Context) (Session, error)
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// Session is the per-invocation view of the store
type Session interface {
	Insert(ctx context.Context, queueName, sourceEventID, payload string) (int64, error)
	// MarkDispatched reports whether exactly one row changed; anomalies are logged, never returned
	MarkDispatched(ctx context.Context, id int64) bool
	// MarkProcessed reports whether exactly one unprocessed row changed
	MarkProcessed(ctx context.Context, id int64) bool
	// Get returns nil, nil when no row has the given id
	Get(ctx context.Context, id int64) (*StoredEvent, error)
	ListPending(ctx context.Context, filter PendingFilter) ([]StoredEvent, error)
	Close()
}

const (
	opMarkDispatched = "mark_dispatched"
	opMarkProcessed  = "mark_processed"
)

// checkUpdate applies the observe-but-proceed policy shared by both dialects
func checkUpdate(ctx context.Context, log *logging.Logger, op, query string, id, affected int64, err error) bool {
	if err != nil {
		metrics.RecordStoreAnomaly(op)
		log.WithContext(ctx).
			WithStorage(id).
			WithField("op", op).
			WithField("query", query).
			WithError(err).
			Error("conditional update failed")
		return false
	}
	if affected != 1 {
		metrics.RecordStoreAnomaly(op)
		log.WithContext(ctx).
			WithStorage(id).
			WithField("op", op).
			WithField("query", query).
			WithField("rows_affected", affected).
			Warn("conditional update did not change exactly one row")
		return false
	}
	return true
}
