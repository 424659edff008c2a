// Package queue implements the four-level priority queue (C4) that sits
// between admission/burst-coalescing and the worker pool. Each priority
// level is a Redis list acting as a FIFO; a fairness hook prevents one
// user's backlog from starving the rest of a level.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/kairos-labs/convo-dispatcher/internal/config"
	"github.com/kairos-labs/convo-dispatcher/internal/errs"
	"github.com/kairos-labs/convo-dispatcher/internal/metrics"
	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

// redisCmds is the narrow slice of go-redis operations the queue
// depends on, so tests can substitute an in-memory fake without a real
// Redis instance.
type redisCmds interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
}

// repository is the durable system-of-record operations Queue needs
// from internal/store.QueueRepository, narrowed to an interface so
// tests can substitute an in-memory fake.
type repository interface {
	Insert(ctx context.Context, item *model.QueuedItem) error
	MarkProcessing(ctx context.Context, queueID, workerID string) error
	MarkCompleted(ctx context.Context, queueID string) error
	MarkDeadLetter(ctx context.Context, queueID, lastError string) error
	MarkFailedForRetry(ctx context.Context, item *model.QueuedItem) error
	FindStaleProcessing(ctx context.Context, cutoff time.Time) ([]*model.QueuedItem, error)
}

func queueKey(p model.Priority) string {
	return "dispatcher:queue:" + p.String()
}

const deadLetterKey = "dispatcher:queue:dead_letter"

// fairnessScanDepth bounds how many head-of-list items Dequeue inspects,
// keeping worst case O(scanDepth) instead of O(len(list)); when none of
// them is eligible the level yields nothing for this pass.
const fairnessScanDepth = 25

// Queue is the Redis-backed four-level priority queue with a durable
// system of record in Postgres for crash recovery and observability.
type Queue struct {
	redis    redisCmds
	repo     repository
	breaker  *gobreaker.CircuitBreaker
	fairness *fairnessTracker
	recent   *recentSet
	cfg      config.QueueConfig
}

// New constructs a Queue.
func New(redisClient redisCmds, repo repository, cfg config.QueueConfig) *Queue {
	cbSettings := gobreaker.Settings{
		Name:        "queue-redis",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	}

	return &Queue{
		redis:    redisClient,
		repo:     repo,
		breaker:  gobreaker.NewCircuitBreaker(cbSettings),
		fairness: newFairnessTracker(),
		recent:   newRecentSet(cfg.RecentSetPerUser),
		cfg:      cfg,
	}
}

// Enqueue persists item durably and pushes it onto its priority list.
// Durable persistence happens first so a Redis failure after a
// successful Postgres write never loses the item outright: Reconcile
// can still discover and requeue it.
func (q *Queue) Enqueue(ctx context.Context, item *model.QueuedItem) error {
	hash := item.Message.MessageHash()
	if q.recent != nil && q.recent.seen(item.UserID, hash) {
		metrics.MessagesAdmitted.WithLabelValues("queue", "duplicate_submit").Inc()
		return errs.New(errs.Duplicate, "item already submitted recently for this user")
	}

	if item.QueueID == "" {
		item.QueueID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = item.CreatedAt
	}
	item.Status = model.StatusPending

	if err := q.repo.Insert(ctx, item); err != nil {
		return errs.Wrap(errs.StoreUnavailable, err, "failed to persist queued item")
	}

	data, err := json.Marshal(item)
	if err != nil {
		return errs.Wrap(errs.BadRequest, err, "failed to marshal queued item")
	}

	_, err = q.breaker.Execute(func() (interface{}, error) {
		return nil, q.redis.RPush(ctx, queueKey(item.Priority), data).Err()
	})
	if err != nil {
		// The durable row survives; a reconciliation pass will pick it
		// back up once Redis recovers.
		return errs.Wrap(errs.CacheUnavailable, err, "failed to push queued item to redis")
	}

	if q.recent != nil {
		q.recent.record(item.UserID, hash)
	}
	metrics.MessagesQueued.WithLabelValues(item.Priority.String()).Inc()
	metrics.QueueDepth.WithLabelValues(item.Priority.String()).Inc()
	return nil
}

// Dequeue pops the next item to process, scanning priority levels from
// PriorityUrgent to PriorityLow. Within a level it applies the fairness
// hook: a head-of-list item whose user already has another item
// in-flight is skipped in favor of the next eligible user, so one
// user's backlog can never monopolize a level while their prior item
// is still being processed.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*model.QueuedItem, error) {
	for _, p := range model.Priorities {
		item, err := q.dequeueFrom(ctx, p, workerID)
		if err != nil {
			return nil, err
		}
		if item != nil {
			return item, nil
		}
	}
	return nil, nil
}

func (q *Queue) dequeueFrom(ctx context.Context, p model.Priority, workerID string) (*model.QueuedItem, error) {
	key := queueKey(p)

	raw, err := q.redis.LRange(ctx, key, 0, fairnessScanDepth-1).Result()
	if err != nil {
		return nil, errs.Wrap(errs.CacheUnavailable, err, "failed to range queue list")
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var chosen string
	var item model.QueuedItem
	found := false
	now := time.Now()
	for _, entry := range raw {
		var candidate model.QueuedItem
		if err := json.Unmarshal([]byte(entry), &candidate); err != nil {
			// Drop the unparseable entry rather than wedge the queue on it.
			q.redis.LRem(ctx, key, 1, entry)
			continue
		}
		if candidate.ScheduledAt.After(now) {
			// A retried item sits in the list before its backoff elapses;
			// leave it for a later pass rather than lease it early.
			continue
		}
		if q.fairness.isProcessing(candidate.UserID) {
			continue
		}
		chosen = entry
		item = candidate
		found = true
		break
	}
	if !found {
		// Every scanned head-of-list candidate already has an item in
		// flight; wait rather than violate the fairness invariant by
		// falling back to strict FIFO.
		return nil, nil
	}

	if err := q.redis.LRem(ctx, key, 1, chosen).Err(); err != nil {
		return nil, errs.Wrap(errs.CacheUnavailable, err, "failed to remove dequeued item")
	}

	q.fairness.start(item.UserID)
	metrics.QueueDepth.WithLabelValues(p.String()).Dec()

	startedAt := time.Now()
	item.Status = model.StatusProcessing
	item.StartedAt = &startedAt
	item.WorkerID = workerID
	if err := q.repo.MarkProcessing(ctx, item.QueueID, workerID); err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "failed to mark item processing")
	}

	return &item, nil
}

// Ack marks item as completed in the durable store and releases the
// user's fairness slot.
func (q *Queue) Ack(ctx context.Context, item *model.QueuedItem) error {
	q.fairness.finish(item.UserID)
	return q.repo.MarkCompleted(ctx, item.QueueID)
}

// Nack records a failed attempt. If the item can still be retried it is
// re-pushed with exponential backoff applied to ScheduledAt; otherwise
// it moves to the dead-letter queue. The returned bool reports whether
// the item was dead-lettered, so callers can trigger a one-shot apology
// to the user on that transition.
func (q *Queue) Nack(ctx context.Context, item *model.QueuedItem, cause error) (bool, error) {
	q.fairness.finish(item.UserID)

	item.Attempts++
	item.LastError = cause.Error()

	limit := q.cfg.RetryLimit
	if limit <= 0 {
		limit = model.MaxAttempts
	}
	permanent := errs.Is(cause, errs.PermanentTransport) || errs.Is(cause, errs.BadRequest)
	if permanent || item.Attempts >= limit {
		item.Status = model.StatusDeadLetter
		if err := q.repo.MarkDeadLetter(ctx, item.QueueID, item.LastError); err != nil {
			return false, errs.Wrap(errs.StoreUnavailable, err, "failed to mark item dead-letter")
		}
		data, _ := json.Marshal(item)
		q.redis.RPush(ctx, deadLetterKey, data)
		return true, nil
	}

	item.Status = model.StatusPending
	backoff := RetryBackoff(item.Attempts, q.cfg.BaseBackoff, q.cfg.MaxBackoff)
	item.ScheduledAt = time.Now().Add(backoff)

	if err := q.repo.MarkFailedForRetry(ctx, item); err != nil {
		return false, errs.Wrap(errs.StoreUnavailable, err, "failed to persist retry state")
	}

	data, err := json.Marshal(item)
	if err != nil {
		return false, errs.Wrap(errs.BadRequest, err, "failed to marshal retried item")
	}
	if err := q.redis.RPush(ctx, queueKey(item.Priority), data).Err(); err != nil {
		return false, errs.Wrap(errs.CacheUnavailable, err, "failed to requeue retried item")
	}
	metrics.QueueDepth.WithLabelValues(item.Priority.String()).Inc()
	return false, nil
}

// RetryBackoff computes exponential backoff with a hard cap, shared by
// the queue's retry path and the follow-up scheduler's retry path.
func RetryBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

// Depth returns the current list length for a priority level, used by
// the worker pool's scaling supervisor.
func (q *Queue) Depth(ctx context.Context, p model.Priority) (int64, error) {
	n, err := q.redis.LLen(ctx, queueKey(p)).Result()
	if err != nil {
		return 0, errs.Wrap(errs.CacheUnavailable, err, "failed to read queue depth")
	}
	return n, nil
}

// OverCap reports whether total pending depth across every priority
// level has reached the configured soft cap, the signal admission uses
// to start shedding load with a friendly "busy" rejection instead of
// letting the backlog grow unbounded. A zero or negative SoftCap
// disables the check; a Redis error reads as not-over-cap so a cache
// blip doesn't turn into an inbound outage.
func (q *Queue) OverCap(ctx context.Context) bool {
	if q.cfg.SoftCap <= 0 {
		return false
	}
	var total int64
	for _, p := range model.Priorities {
		n, err := q.Depth(ctx, p)
		if err != nil {
			return false
		}
		total += n
	}
	return total >= int64(q.cfg.SoftCap)
}

// Reconcile runs at startup, reverting any item left in the processing
// state by a worker that died mid-flight back to pending so it is
// requeued rather than lost.
func (q *Queue) Reconcile(ctx context.Context, livenessThreshold time.Duration) (int, error) {
	stale, err := q.repo.FindStaleProcessing(ctx, time.Now().Add(-livenessThreshold))
	if err != nil {
		return 0, errs.Wrap(errs.StoreUnavailable, err, "failed to find stale processing items")
	}

	recovered := 0
	for _, item := range stale {
		item.Status = model.StatusPending
		item.WorkerID = ""
		if err := q.repo.MarkFailedForRetry(ctx, item); err != nil {
			continue
		}
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		if err := q.redis.RPush(ctx, queueKey(item.Priority), data).Err(); err != nil {
			continue
		}
		recovered++
	}
	return recovered, nil
}
