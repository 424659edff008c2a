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

var followUpOps = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatcher_followup_repository_operations_total",
		Help: "Total number of follow-up repository operations",
	},
	[]string{"operation", "status"},
)

const (
	insertFollowUpJobSQL = `
        INSERT INTO follow_up_jobs (job_id, user_id, stage_index, scheduled_for, status, attempts, context_snapshot, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	cancelPendingJobsSQL = `
        UPDATE follow_up_jobs SET status = 'cancelled', processed_at = now()
        WHERE user_id = $1 AND status = 'pending'`

	markJobSentSQL = `
        UPDATE follow_up_jobs SET status = 'sent', processed_at = now() WHERE job_id = $1`

	markJobFailedSQL = `
        UPDATE follow_up_jobs SET status = $2, attempts = $3, scheduled_for = $4 WHERE job_id = $1`

	rescheduleJobSQL = `
        UPDATE follow_up_jobs SET scheduled_for = $2 WHERE job_id = $1`

	dueJobsSQL = `
        SELECT job_id, user_id, stage_index, scheduled_for, status, attempts, context_snapshot, created_at
        FROM follow_up_jobs
        WHERE status = 'pending' AND scheduled_for <= $1
        ORDER BY scheduled_for ASC`

	failedJobsSQL = `
        SELECT job_id, user_id, stage_index, scheduled_for, status, attempts, context_snapshot, created_at
        FROM follow_up_jobs
        WHERE status = 'failed' AND scheduled_for <= $1
        ORDER BY scheduled_for ASC`

	stuckProcessingJobsSQL = `
        UPDATE follow_up_jobs SET status = 'pending' WHERE status = 'processing'`

	markJobProcessingSQL = `UPDATE follow_up_jobs SET status = 'processing' WHERE job_id = $1`
)

// FollowUpRepository is the durable store for C9's scheduled jobs, daily
// rate limits, permanent blacklist, and sent-message history.
type FollowUpRepository struct {
	db *DB
}

// NewFollowUpRepository constructs a FollowUpRepository.
func NewFollowUpRepository(db *DB) *FollowUpRepository {
	return &FollowUpRepository{db: db}
}

// Insert records a new pending job. The partial unique index on
// (user_id, stage_index) where status='pending' enforces the
// at-most-one-pending-per-stage invariant at the database layer;
// callers are expected to have already cancelled any prior pending job
// for the user via CancelPending.
func (r *FollowUpRepository) Insert(ctx context.Context, job *model.FollowUpJob) error {
	snapshot, err := json.Marshal(job.ContextSnapshot)
	if err != nil {
		return errors.Wrap(err, "failed to marshal follow-up context snapshot")
	}
	_, err = r.db.ExecContext(ctx, insertFollowUpJobSQL,
		job.JobID, job.UserID, job.StageIndex, job.ScheduledFor, string(job.Status),
		job.Attempts, snapshot, job.CreatedAt)
	if err != nil {
		followUpOps.WithLabelValues("insert", "error").Inc()
		return errors.Wrap(err, "failed to insert follow-up job")
	}
	followUpOps.WithLabelValues("insert", "success").Inc()
	return nil
}

// CancelPending cancels every pending job for userID, implementing the
// stage-0 reset triggered by any inbound user activity.
func (r *FollowUpRepository) CancelPending(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, cancelPendingJobsSQL, userID)
	if err != nil {
		followUpOps.WithLabelValues("cancel_pending", "error").Inc()
		return errors.Wrap(err, "failed to cancel pending follow-up jobs")
	}
	followUpOps.WithLabelValues("cancel_pending", "success").Inc()
	return nil
}

// MarkProcessing claims a job for sending, so a crash mid-send leaves a
// recoverable trail instead of silently vanishing.
func (r *FollowUpRepository) MarkProcessing(ctx context.Context, jobID string) error {
	_, err := r.db.ExecContext(ctx, markJobProcessingSQL, jobID)
	if err != nil {
		return errors.Wrap(err, "failed to mark follow-up job processing")
	}
	return nil
}

// MarkSent marks a job as successfully delivered.
func (r *FollowUpRepository) MarkSent(ctx context.Context, jobID string) error {
	_, err := r.db.ExecContext(ctx, markJobSentSQL, jobID)
	if err != nil {
		followUpOps.WithLabelValues("mark_sent", "error").Inc()
		return errors.Wrap(err, "failed to mark follow-up job sent")
	}
	followUpOps.WithLabelValues("mark_sent", "success").Inc()
	return nil
}

// MarkFailed records a failed send attempt with its rescheduled time
// (status stays "failed" until attempts is exhausted, at which point the
// caller passes status "failed" with a far-future scheduledFor so it is
// never picked up again).
func (r *FollowUpRepository) MarkFailed(ctx context.Context, jobID string, status model.FollowUpStatus, attempts int, scheduledFor time.Time) error {
	_, err := r.db.ExecContext(ctx, markJobFailedSQL, jobID, string(status), attempts, scheduledFor)
	if err != nil {
		followUpOps.WithLabelValues("mark_failed", "error").Inc()
		return errors.Wrap(err, "failed to mark follow-up job failed")
	}
	followUpOps.WithLabelValues("mark_failed", "success").Inc()
	return nil
}

// Reschedule pushes a job's scheduledFor forward without advancing its
// stage or attempt count, used when a dispatch guard fails.
func (r *FollowUpRepository) Reschedule(ctx context.Context, jobID string, scheduledFor time.Time) error {
	_, err := r.db.ExecContext(ctx, rescheduleJobSQL, jobID, scheduledFor)
	if err != nil {
		return errors.Wrap(err, "failed to reschedule follow-up job")
	}
	return nil
}

// DueJobs returns every pending job scheduled at or before now.
func (r *FollowUpRepository) DueJobs(ctx context.Context, now time.Time) ([]*model.FollowUpJob, error) {
	return r.scanJobs(ctx, dueJobsSQL, now)
}

// FailedJobs returns every failed job eligible for a retry attempt,
// scanned separately from DueJobs because migration mode suppresses
// retries of this set while leaving DueJobs untouched.
func (r *FollowUpRepository) FailedJobs(ctx context.Context, now time.Time) ([]*model.FollowUpJob, error) {
	return r.scanJobs(ctx, failedJobsSQL, now)
}

func (r *FollowUpRepository) scanJobs(ctx context.Context, query string, now time.Time) ([]*model.FollowUpJob, error) {
	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query follow-up jobs")
	}
	defer rows.Close()

	var jobs []*model.FollowUpJob
	for rows.Next() {
		var job model.FollowUpJob
		var status string
		var snapshot []byte
		if err := rows.Scan(&job.JobID, &job.UserID, &job.StageIndex, &job.ScheduledFor,
			&status, &job.Attempts, &snapshot, &job.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan follow-up job row")
		}
		job.Status = model.FollowUpStatus(status)
		if err := json.Unmarshal(snapshot, &job.ContextSnapshot); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal follow-up context snapshot")
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// ReconcileStuckProcessing reverts any job a previous process left in
// the processing state back to pending, mirroring the queue's own
// crash-recovery pass.
func (r *FollowUpRepository) ReconcileStuckProcessing(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, stuckProcessingJobsSQL)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reconcile stuck follow-up jobs")
	}
	return res.RowsAffected()
}

// RecordHistory appends a sent-follow-up audit row.
func (r *FollowUpRepository) RecordHistory(ctx context.Context, userID string, stage int, messageSent string, sentAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO follow_up_history (user_id, stage_index, message_sent, sent_at) VALUES ($1, $2, $3, $4)`,
		userID, stage, messageSent, sentAt)
	if err != nil {
		return errors.Wrap(err, "failed to record follow-up history")
	}
	return nil
}

// GetRateLimit loads a user's daily follow-up cap bookkeeping, returning
// a zero-value record (not an error) if none exists yet.
func (r *FollowUpRepository) GetRateLimit(ctx context.Context, userID string) (*model.FollowUpRateLimit, error) {
	var rl model.FollowUpRateLimit
	var lastSent sql.NullTime
	var resetDate time.Time

	row := r.db.QueryRowContext(ctx,
		`SELECT user_id, last_followup_sent_at, daily_count, reset_date FROM follow_up_rate_limits WHERE user_id = $1`,
		userID)
	err := row.Scan(&rl.UserID, &lastSent, &rl.DailyCount, &resetDate)
	if err == sql.ErrNoRows {
		return &model.FollowUpRateLimit{UserID: userID, ResetDate: time.Time{}}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query follow-up rate limit")
	}
	rl.LastFollowupSentAt = lastSent.Time
	rl.ResetDate = resetDate
	return &rl, nil
}

// UpsertRateLimit persists the daily-cap bookkeeping after a successful
// send as given; the caller resets dailyCount when the civil day rolls.
func (r *FollowUpRepository) UpsertRateLimit(ctx context.Context, rl *model.FollowUpRateLimit) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO follow_up_rate_limits (user_id, last_followup_sent_at, daily_count, reset_date)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (user_id) DO UPDATE SET
            last_followup_sent_at = EXCLUDED.last_followup_sent_at,
            daily_count = EXCLUDED.daily_count,
            reset_date = EXCLUDED.reset_date`,
		rl.UserID, rl.LastFollowupSentAt, rl.DailyCount, rl.ResetDate)
	if err != nil {
		return errors.Wrap(err, "failed to upsert follow-up rate limit")
	}
	return nil
}

// IsBlacklisted reports whether userID must never receive follow-ups.
func (r *FollowUpRepository) IsBlacklisted(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM follow_up_blacklist WHERE user_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to query follow-up blacklist")
	}
	return exists, nil
}

// Blacklist adds userID to the permanent follow-up blacklist.
func (r *FollowUpRepository) Blacklist(ctx context.Context, userID, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO follow_up_blacklist (user_id, reason) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
		userID, reason)
	if err != nil {
		return errors.Wrap(err, "failed to blacklist user from follow-ups")
	}
	return nil
}

// Unblacklist removes userID from the permanent follow-up blacklist,
// used by the admin reactivation endpoint.
func (r *FollowUpRepository) Unblacklist(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM follow_up_blacklist WHERE user_id = $1`, userID)
	if err != nil {
		return errors.Wrap(err, "failed to remove user from follow-up blacklist")
	}
	return nil
}

// LatestJobForUser returns the most recently created follow-up job for
// userID, or nil if none exists, for the admin status endpoint.
func (r *FollowUpRepository) LatestJobForUser(ctx context.Context, userID string) (*model.FollowUpJob, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT job_id, user_id, stage_index, scheduled_for, status, attempts, context_snapshot, created_at
        FROM follow_up_jobs
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT 1`, userID)

	var job model.FollowUpJob
	var status string
	var snapshot []byte
	err := row.Scan(&job.JobID, &job.UserID, &job.StageIndex, &job.ScheduledFor,
		&status, &job.Attempts, &snapshot, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query latest follow-up job")
	}
	job.Status = model.FollowUpStatus(status)
	if err := json.Unmarshal(snapshot, &job.ContextSnapshot); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal follow-up context snapshot")
	}
	return &job, nil
}
