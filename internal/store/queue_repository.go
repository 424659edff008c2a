package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

var (
	queueOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_queue_repository_operations_total",
			Help: "Total number of message queue repository operations",
		},
		[]string{"operation", "status"},
	)

	queueOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_queue_repository_operation_duration_seconds",
			Help:    "Duration of message queue repository operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

const (
	insertQueueItemSQL = `
        INSERT INTO message_queue (
            queue_id, user_id, message, priority, status, attempts,
            worker_id, created_at, scheduled_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (queue_id) DO NOTHING`

	markProcessingSQL = `
        UPDATE message_queue SET status = 'processing', worker_id = $2, started_at = now()
        WHERE queue_id = $1`

	markCompletedSQL = `
        UPDATE message_queue SET status = 'completed', completed_at = now()
        WHERE queue_id = $1`

	markDeadLetterSQL = `
        UPDATE message_queue SET status = 'dead_letter', last_error = $2, completed_at = now()
        WHERE queue_id = $1`

	markRetrySQL = `
        UPDATE message_queue SET status = $2, attempts = $3, last_error = $4,
               scheduled_at = $5, worker_id = $6
        WHERE queue_id = $1`

	findStaleProcessingSQL = `
        SELECT queue_id, user_id, message, priority, status, attempts,
               worker_id, created_at, scheduled_at, last_error
        FROM message_queue
        WHERE status = 'processing' AND started_at < $1`
)

// QueueRepository is the durable system of record for queued items,
// used for crash recovery and as the audit trail Redis does not keep.
type QueueRepository struct {
	db *DB
}

// NewQueueRepository constructs a QueueRepository.
func NewQueueRepository(db *DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// Insert records a newly enqueued item.
func (r *QueueRepository) Insert(ctx context.Context, item *model.QueuedItem) error {
	timer := prometheus.NewTimer(queueOpDuration.WithLabelValues("insert"))
	defer timer.ObserveDuration()

	msgJSON, err := json.Marshal(item.Message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal queued message")
	}

	_, err = r.db.ExecContext(ctx, insertQueueItemSQL,
		item.QueueID, item.UserID, msgJSON, int(item.Priority), string(item.Status),
		item.Attempts, item.WorkerID, item.CreatedAt, item.ScheduledAt,
	)
	if err != nil {
		queueOps.WithLabelValues("insert", "error").Inc()
		return errors.Wrap(err, "failed to insert queued item")
	}

	queueOps.WithLabelValues("insert", "success").Inc()
	return nil
}

// MarkProcessing flags an item as claimed by a worker.
func (r *QueueRepository) MarkProcessing(ctx context.Context, queueID, workerID string) error {
	_, err := r.db.ExecContext(ctx, markProcessingSQL, queueID, workerID)
	if err != nil {
		queueOps.WithLabelValues("mark_processing", "error").Inc()
		return errors.Wrap(err, "failed to mark item processing")
	}
	queueOps.WithLabelValues("mark_processing", "success").Inc()
	return nil
}

// MarkCompleted flags an item as successfully processed.
func (r *QueueRepository) MarkCompleted(ctx context.Context, queueID string) error {
	_, err := r.db.ExecContext(ctx, markCompletedSQL, queueID)
	if err != nil {
		queueOps.WithLabelValues("mark_completed", "error").Inc()
		return errors.Wrap(err, "failed to mark item completed")
	}
	queueOps.WithLabelValues("mark_completed", "success").Inc()
	return nil
}

// MarkDeadLetter flags an item as permanently failed.
func (r *QueueRepository) MarkDeadLetter(ctx context.Context, queueID, lastError string) error {
	_, err := r.db.ExecContext(ctx, markDeadLetterSQL, queueID, lastError)
	if err != nil {
		queueOps.WithLabelValues("mark_dead_letter", "error").Inc()
		return errors.Wrap(err, "failed to mark item dead-letter")
	}
	queueOps.WithLabelValues("mark_dead_letter", "success").Inc()
	return nil
}

// MarkFailedForRetry persists the post-failure state of an item that is
// going back onto a priority list with a backoff delay.
func (r *QueueRepository) MarkFailedForRetry(ctx context.Context, item *model.QueuedItem) error {
	_, err := r.db.ExecContext(ctx, markRetrySQL,
		item.QueueID, string(item.Status), item.Attempts, item.LastError,
		item.ScheduledAt, item.WorkerID,
	)
	if err != nil {
		queueOps.WithLabelValues("mark_retry", "error").Inc()
		return errors.Wrap(err, "failed to persist retry state")
	}
	queueOps.WithLabelValues("mark_retry", "success").Inc()
	return nil
}

// FindStaleProcessing returns items stuck in the processing state since
// before cutoff, used by the startup reconciliation pass.
func (r *QueueRepository) FindStaleProcessing(ctx context.Context, cutoff time.Time) ([]*model.QueuedItem, error) {
	timer := prometheus.NewTimer(queueOpDuration.WithLabelValues("find_stale"))
	defer timer.ObserveDuration()

	rows, err := r.db.QueryContext(ctx, findStaleProcessingSQL, cutoff)
	if err != nil {
		queueOps.WithLabelValues("find_stale", "error").Inc()
		return nil, errors.Wrap(err, "failed to query stale processing items")
	}
	defer rows.Close()

	var items []*model.QueuedItem
	for rows.Next() {
		var item model.QueuedItem
		var msgJSON []byte
		var priority int
		var status string
		var workerID, lastError sql.NullString

		if err := rows.Scan(&item.QueueID, &item.UserID, &msgJSON, &priority, &status,
			&item.Attempts, &workerID, &item.CreatedAt, &item.ScheduledAt, &lastError); err != nil {
			queueOps.WithLabelValues("find_stale", "error").Inc()
			return nil, errors.Wrap(err, "failed to scan queued item row")
		}
		item.WorkerID = workerID.String
		item.LastError = lastError.String

		if err := json.Unmarshal(msgJSON, &item.Message); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal queued message")
		}
		item.Priority = model.Priority(priority)
		item.Status = model.ItemStatus(status)

		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating queued item rows")
	}

	queueOps.WithLabelValues("find_stale", "success").Inc()
	return items, nil
}
