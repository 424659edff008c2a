// Package followup implements the 14-stage follow-up scheduler (C9): it
// arms a stage-0 job after every successful dispatch, cancels pending
// jobs on any fresh inbound message (the "rewinds to stage 0"
// invariant), and runs a ticker that evaluates dispatch guards and
// fires due jobs through the transport router.
package followup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kairos-labs/convo-dispatcher/internal/config"
	"github.com/kairos-labs/convo-dispatcher/internal/errs"
	"github.com/kairos-labs/convo-dispatcher/internal/metrics"
	"github.com/kairos-labs/convo-dispatcher/internal/model"
	"github.com/kairos-labs/convo-dispatcher/internal/queue"
)

// repository is the durable store this scheduler drives.
type repository interface {
	Insert(ctx context.Context, job *model.FollowUpJob) error
	CancelPending(ctx context.Context, userID string) error
	MarkProcessing(ctx context.Context, jobID string) error
	MarkSent(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID string, status model.FollowUpStatus, attempts int, scheduledFor time.Time) error
	Reschedule(ctx context.Context, jobID string, scheduledFor time.Time) error
	DueJobs(ctx context.Context, now time.Time) ([]*model.FollowUpJob, error)
	FailedJobs(ctx context.Context, now time.Time) ([]*model.FollowUpJob, error)
	ReconcileStuckProcessing(ctx context.Context) (int64, error)
	RecordHistory(ctx context.Context, userID string, stage int, messageSent string, sentAt time.Time) error
	GetRateLimit(ctx context.Context, userID string) (*model.FollowUpRateLimit, error)
	UpsertRateLimit(ctx context.Context, rl *model.FollowUpRateLimit) error
	IsBlacklisted(ctx context.Context, userID string) (bool, error)
	Blacklist(ctx context.Context, userID, reason string) error
	Unblacklist(ctx context.Context, userID string) error
	LatestJobForUser(ctx context.Context, userID string) (*model.FollowUpJob, error)
}

// botGate is C7's narrow capability the scheduler needs.
type botGate interface {
	IsPaused(ctx context.Context, userID string) (bool, error)
}

// contextReader is C6's narrow capability the scheduler needs to check
// for a fresher inbound since the job's snapshot was taken.
type contextReader interface {
	Get(ctx context.Context, userID string, now time.Time) (*model.ConversationContext, error)
}

// sender is C1's narrow capability the scheduler needs.
type sender interface {
	SendOutbound(ctx context.Context, source model.Source, userID, conversationID, text string) error
}

// Scheduler is C9: the 14-stage follow-up scheduler.
type Scheduler struct {
	cfg     config.FollowupConfig
	repo    repository
	gate    botGate
	context contextReader
	sender  sender
	logger  *zap.Logger
	loc     *time.Location
}

// New constructs a Scheduler. cfg.TimeZone must name a zone loadable by
// time.LoadLocation; an invalid zone falls back to UTC.
func New(cfg config.FollowupConfig, repo repository, gate botGate, ctxReader contextReader, sender sender, logger *zap.Logger) *Scheduler {
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil || loc == nil {
		loc = time.UTC
	}
	return &Scheduler{cfg: cfg, repo: repo, gate: gate, context: ctxReader, sender: sender, logger: logger, loc: loc}
}

// OnUserActivity is called by the worker pool after every successful
// dispatch. It cancels any pending job for userID, snapshots convCtx,
// and arms a fresh stage-0 job.
func (s *Scheduler) OnUserActivity(ctx context.Context, userID string, convCtx *model.ConversationContext) error {
	if err := s.repo.CancelPending(ctx, userID); err != nil {
		return errs.Wrap(errs.StoreUnavailable, err, "failed to cancel pending follow-ups")
	}

	snapshot := convCtx.TakeSnapshot()
	now := time.Now()
	job := &model.FollowUpJob{
		JobID:           uuid.NewString(),
		UserID:          userID,
		StageIndex:      0,
		ScheduledFor:    now.Add(model.StageOffset(0)),
		Status:          model.FollowUpPending,
		ContextSnapshot: snapshot,
		CreatedAt:       now,
	}
	if err := s.repo.Insert(ctx, job); err != nil {
		return errs.Wrap(errs.StoreUnavailable, err, "failed to arm stage-0 follow-up")
	}
	metrics.FollowupsScheduled.WithLabelValues("stage_0").Inc()
	return nil
}

// OnInboundMessage implements the reply-reset invariant: any admitted
// inbound message cancels all pending jobs for its user, so the next
// successful reply starts the sequence over from stage 0.
func (s *Scheduler) OnInboundMessage(ctx context.Context, userID string) error {
	if err := s.repo.CancelPending(ctx, userID); err != nil {
		return errs.Wrap(errs.StoreUnavailable, err, "failed to cancel pending follow-ups on reply reset")
	}
	return nil
}

// StatusReport summarizes a user's follow-up standing for the admin
// status endpoint.
type StatusReport struct {
	Blacklisted bool
	LatestJob   *model.FollowUpJob
}

// Status reports a user's current follow-up standing: whether they are
// blacklisted and their most recently created job, if any.
func (s *Scheduler) Status(ctx context.Context, userID string) (*StatusReport, error) {
	blacklisted, err := s.repo.IsBlacklisted(ctx, userID)
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "failed to check follow-up blacklist")
	}
	job, err := s.repo.LatestJobForUser(ctx, userID)
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "failed to load latest follow-up job")
	}
	return &StatusReport{Blacklisted: blacklisted, LatestJob: job}, nil
}

// Deactivate cancels any pending follow-up for userID and blacklists
// them permanently, the admin override for a user who should never
// receive another scheduled follow-up.
func (s *Scheduler) Deactivate(ctx context.Context, userID, reason string) error {
	if err := s.repo.CancelPending(ctx, userID); err != nil {
		return errs.Wrap(errs.StoreUnavailable, err, "failed to cancel pending follow-ups")
	}
	if err := s.repo.Blacklist(ctx, userID, reason); err != nil {
		return errs.Wrap(errs.StoreUnavailable, err, "failed to blacklist user from follow-ups")
	}
	return nil
}

// Activate clears an admin blacklist entry for userID and arms a fresh
// stage-0 job from their current conversation context, the inverse of
// Deactivate.
func (s *Scheduler) Activate(ctx context.Context, userID string) error {
	if err := s.repo.Unblacklist(ctx, userID); err != nil {
		return errs.Wrap(errs.StoreUnavailable, err, "failed to clear follow-up blacklist")
	}
	convCtx, err := s.context.Get(ctx, userID, time.Now())
	if err != nil {
		return errs.Wrap(errs.StoreUnavailable, err, "failed to load conversation context for follow-up activation")
	}
	return s.OnUserActivity(ctx, userID, convCtx)
}

// Reconcile runs at startup: it repairs jobs left in "processing" by a
// previous crash back to "pending".
func (s *Scheduler) Reconcile(ctx context.Context) (int64, error) {
	n, err := s.repo.ReconcileStuckProcessing(ctx)
	if err != nil {
		return 0, errs.Wrap(errs.StoreUnavailable, err, "failed to reconcile stuck follow-up jobs")
	}
	return n, nil
}

// inMigrationMode reports whether now is still before cfg.MigrationModeUntil.
func (s *Scheduler) inMigrationMode(now time.Time) bool {
	if s.cfg.MigrationModeUntil == "" {
		return false
	}
	until, err := time.Parse(time.RFC3339, s.cfg.MigrationModeUntil)
	if err != nil {
		return false
	}
	return now.Before(until)
}

// RunTicker runs the dispatch loop every cfg.TickInterval until ctx is
// canceled. An unset interval, or one longer than a minute, runs every
// minute instead.
func (s *Scheduler) RunTicker(ctx context.Context) {
	interval := s.cfg.TickInterval
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every due job (and, outside migration mode, every
// eligible failed job) once, as of the current time.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tick(ctx, time.Now())
}

// tick is Tick evaluated as of now.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	due, err := s.repo.DueJobs(ctx, now)
	if err != nil {
		s.logger.Warn("failed to load due follow-up jobs", zap.Error(err))
	}
	for _, job := range due {
		s.dispatchOne(ctx, job, now)
	}

	if s.inMigrationMode(now) {
		return
	}
	failed, err := s.repo.FailedJobs(ctx, now)
	if err != nil {
		s.logger.Warn("failed to load retryable follow-up jobs", zap.Error(err))
		return
	}
	for _, job := range failed {
		s.dispatchOne(ctx, job, now)
	}
}

// dispatchOne evaluates guards for job and, if every guard passes,
// renders and sends it; otherwise reschedules to the next valid window
// without advancing stage.
func (s *Scheduler) dispatchOne(ctx context.Context, job *model.FollowUpJob, now time.Time) {
	if reason, ok := s.evaluateGuards(ctx, job, now); !ok {
		metrics.FollowupsSent.WithLabelValues("skipped_guard_" + reason).Inc()
		next := s.nextValidWindow(now)
		if err := s.repo.Reschedule(ctx, job.JobID, next); err != nil {
			s.logger.Warn("failed to reschedule guarded follow-up", zap.String("job_id", job.JobID), zap.Error(err))
		}
		return
	}

	text := Render(job.StageIndex, job.ContextSnapshot, humanizeSince(job.CreatedAt, now))

	if err := s.repo.MarkProcessing(ctx, job.JobID); err != nil {
		s.logger.Warn("failed to mark follow-up processing", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}

	err := s.sender.SendOutbound(ctx, model.SourceWhatsApp, job.UserID, "", text)
	if err != nil {
		s.handleSendFailure(ctx, job, err, now)
		return
	}

	if err := s.repo.MarkSent(ctx, job.JobID); err != nil {
		s.logger.Warn("failed to mark follow-up sent", zap.String("job_id", job.JobID), zap.Error(err))
	}
	if err := s.repo.RecordHistory(ctx, job.UserID, job.StageIndex, text, now); err != nil {
		s.logger.Warn("failed to record follow-up history", zap.String("job_id", job.JobID), zap.Error(err))
	}
	s.bumpDailyCount(ctx, job.UserID, now)
	metrics.FollowupsSent.WithLabelValues("sent").Inc()

	s.armNextStage(ctx, job)
}

func (s *Scheduler) handleSendFailure(ctx context.Context, job *model.FollowUpJob, cause error, now time.Time) {
	job.Attempts++
	if job.Attempts >= model.MaxFollowUpAttempts {
		// Leave status "failed" with a far-future schedule so it is
		// never picked up by FailedJobs again.
		if err := s.repo.MarkFailed(ctx, job.JobID, model.FollowUpFailed, job.Attempts, now.AddDate(100, 0, 0)); err != nil {
			s.logger.Warn("failed to mark follow-up permanently failed", zap.String("job_id", job.JobID), zap.Error(err))
		}
		s.logger.Error("follow-up exhausted retries", zap.String("job_id", job.JobID), zap.Error(cause))
		return
	}
	backoff := queue.RetryBackoff(job.Attempts, time.Minute, time.Hour)
	if err := s.repo.MarkFailed(ctx, job.JobID, model.FollowUpFailed, job.Attempts, now.Add(backoff)); err != nil {
		s.logger.Warn("failed to mark follow-up failed for retry", zap.String("job_id", job.JobID), zap.Error(err))
	}
}

// armNextStage inserts the next stage's pending job after a successful
// send, preserving the prior snapshot (a fresh snapshot is only taken
// on OnUserActivity). Stage offsets are absolute from the activation
// instant, so the next stage anchors on job.CreatedAt, not on when this
// stage happened to fire.
func (s *Scheduler) armNextStage(ctx context.Context, job *model.FollowUpJob) {
	next := &model.FollowUpJob{
		JobID:           uuid.NewString(),
		UserID:          job.UserID,
		StageIndex:      job.StageIndex + 1,
		ScheduledFor:    job.CreatedAt.Add(model.StageOffset(job.StageIndex + 1)),
		Status:          model.FollowUpPending,
		ContextSnapshot: job.ContextSnapshot,
		CreatedAt:       job.CreatedAt,
	}
	if err := s.repo.Insert(ctx, next); err != nil {
		s.logger.Warn("failed to arm next follow-up stage", zap.String("user_id", job.UserID), zap.Error(err))
		return
	}
	metrics.FollowupsScheduled.WithLabelValues(fmt.Sprintf("stage_%d", next.StageIndex)).Inc()
}

func (s *Scheduler) bumpDailyCount(ctx context.Context, userID string, now time.Time) {
	rl, err := s.repo.GetRateLimit(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to load follow-up rate limit", zap.String("user_id", userID), zap.Error(err))
		rl = &model.FollowUpRateLimit{UserID: userID}
	}
	today := civilDay(now, s.loc)
	if !sameDay(rl.ResetDate, today) {
		rl.DailyCount = 0
	}
	rl.DailyCount++
	rl.LastFollowupSentAt = now
	rl.ResetDate = today
	if err := s.repo.UpsertRateLimit(ctx, rl); err != nil {
		s.logger.Warn("failed to persist follow-up rate limit", zap.String("user_id", userID), zap.Error(err))
	}
}

// evaluateGuards checks every dispatch guard in order, returning the
// first failing guard's name for metrics/logging.
func (s *Scheduler) evaluateGuards(ctx context.Context, job *model.FollowUpJob, now time.Time) (string, bool) {
	blacklisted, err := s.repo.IsBlacklisted(ctx, job.UserID)
	if err != nil {
		s.logger.Warn("failed to check follow-up blacklist", zap.String("user_id", job.UserID), zap.Error(err))
		return "blacklist_check_error", false
	}
	if blacklisted {
		return "blacklisted", false
	}

	local := now.In(s.loc)
	if local.Hour() < s.cfg.StartHour || local.Hour() >= s.cfg.EndHour {
		return "hour_window", false
	}
	if !weekdayAllowed(local.Weekday(), s.cfg.AllowedWeekdays) {
		return "weekday", false
	}

	rl, err := s.repo.GetRateLimit(ctx, job.UserID)
	if err != nil {
		s.logger.Warn("failed to check follow-up rate limit", zap.String("user_id", job.UserID), zap.Error(err))
		return "rate_limit_check_error", false
	}
	if sameDay(rl.ResetDate, civilDay(now, s.loc)) && rl.DailyCount >= model.DailyCap {
		return "daily_cap", false
	}

	paused, err := s.gate.IsPaused(ctx, job.UserID)
	if err != nil {
		s.logger.Warn("failed to check bot-state gate for follow-up", zap.String("user_id", job.UserID), zap.Error(err))
		return "paused_check_error", false
	}
	if paused {
		return "paused", false
	}

	convCtx, err := s.context.Get(ctx, job.UserID, now)
	if err != nil {
		s.logger.Warn("failed to check context freshness for follow-up", zap.String("user_id", job.UserID), zap.Error(err))
		return "context_check_error", false
	}
	if convCtx.LastInteraction.After(job.CreatedAt) {
		return "recent_inbound", false
	}

	return "", true
}

// nextValidWindow returns the next timestamp worth retrying a
// guard-failed job at: today's window start if before hours, the next
// day's window start if after hours or on a disallowed weekday,
// otherwise a short retry delay.
func (s *Scheduler) nextValidWindow(now time.Time) time.Time {
	local := now.In(s.loc)
	if local.Hour() < s.cfg.StartHour {
		return time.Date(local.Year(), local.Month(), local.Day(), s.cfg.StartHour, 0, 0, 0, s.loc)
	}
	next := local.AddDate(0, 0, 1)
	if local.Hour() >= s.cfg.EndHour || !weekdayAllowed(local.Weekday(), s.cfg.AllowedWeekdays) {
		return time.Date(next.Year(), next.Month(), next.Day(), s.cfg.StartHour, 0, 0, 0, s.loc)
	}
	return now.Add(30 * time.Minute)
}

func weekdayAllowed(day time.Weekday, allowed []int) bool {
	if len(allowed) == 0 {
		// Default Mon..Sat.
		return day != time.Sunday
	}
	for _, d := range allowed {
		if time.Weekday(d) == day {
			return true
		}
	}
	return false
}

func civilDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}

func humanizeSince(since, now time.Time) string {
	d := now.Sub(since)
	switch {
	case d < time.Hour:
		return "hace un momento"
	case d < 24*time.Hour:
		return "hace un rato"
	default:
		return "hace unos días"
	}
}
