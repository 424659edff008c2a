package followup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kairos-labs/convo-dispatcher/internal/config"
	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

type fakeRepo struct {
	mu          sync.Mutex
	jobs        map[string]*model.FollowUpJob
	rateLimits  map[string]*model.FollowUpRateLimit
	blacklisted map[string]bool
	history     int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		jobs:        map[string]*model.FollowUpJob{},
		rateLimits:  map[string]*model.FollowUpRateLimit{},
		blacklisted: map[string]bool{},
	}
}

func (f *fakeRepo) Insert(ctx context.Context, job *model.FollowUpJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.JobID] = job
	return nil
}

func (f *fakeRepo) CancelPending(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.UserID == userID && j.Status == model.FollowUpPending {
			j.Status = model.FollowUpCancelled
		}
	}
	return nil
}

func (f *fakeRepo) MarkProcessing(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID].Status = model.FollowUpProcessing
	return nil
}

func (f *fakeRepo) MarkSent(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID].Status = model.FollowUpSent
	return nil
}

func (f *fakeRepo) MarkFailed(ctx context.Context, jobID string, status model.FollowUpStatus, attempts int, scheduledFor time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[jobID]
	j.Status = status
	j.Attempts = attempts
	j.ScheduledFor = scheduledFor
	return nil
}

func (f *fakeRepo) Reschedule(ctx context.Context, jobID string, scheduledFor time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID].ScheduledFor = scheduledFor
	return nil
}

func (f *fakeRepo) DueJobs(ctx context.Context, now time.Time) ([]*model.FollowUpJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.FollowUpJob
	for _, j := range f.jobs {
		if j.Status == model.FollowUpPending && !j.ScheduledFor.After(now) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeRepo) FailedJobs(ctx context.Context, now time.Time) ([]*model.FollowUpJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.FollowUpJob
	for _, j := range f.jobs {
		if j.Status == model.FollowUpFailed && !j.ScheduledFor.After(now) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeRepo) ReconcileStuckProcessing(ctx context.Context) (int64, error) { return 0, nil }

func (f *fakeRepo) RecordHistory(ctx context.Context, userID string, stage int, messageSent string, sentAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history++
	return nil
}

func (f *fakeRepo) GetRateLimit(ctx context.Context, userID string) (*model.FollowUpRateLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rl, ok := f.rateLimits[userID]; ok {
		return rl, nil
	}
	return &model.FollowUpRateLimit{UserID: userID}, nil
}

func (f *fakeRepo) UpsertRateLimit(ctx context.Context, rl *model.FollowUpRateLimit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rateLimits[rl.UserID] = rl
	return nil
}

func (f *fakeRepo) IsBlacklisted(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blacklisted[userID], nil
}

func (f *fakeRepo) Blacklist(ctx context.Context, userID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blacklisted[userID] = true
	return nil
}

func (f *fakeRepo) Unblacklist(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blacklisted, userID)
	return nil
}

func (f *fakeRepo) LatestJobForUser(ctx context.Context, userID string) (*model.FollowUpJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *model.FollowUpJob
	for _, j := range f.jobs {
		if j.UserID != userID {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			latest = j
		}
	}
	return latest, nil
}

type fakeGate struct{ paused map[string]bool }

func (g *fakeGate) IsPaused(ctx context.Context, userID string) (bool, error) {
	return g.paused[userID], nil
}

type fakeContextReader struct{ ctxs map[string]*model.ConversationContext }

func (f *fakeContextReader) Get(ctx context.Context, userID string, now time.Time) (*model.ConversationContext, error) {
	if c, ok := f.ctxs[userID]; ok {
		return c, nil
	}
	c := model.NewConversationContext(userID, now)
	return &c, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) SendOutbound(ctx context.Context, source model.Source, userID, conversationID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

func testCfg() config.FollowupConfig {
	return config.FollowupConfig{
		TickInterval:    time.Minute,
		StartHour:       9,
		EndHour:         21,
		TimeZone:        "UTC",
		AllowedWeekdays: []int{1, 2, 3, 4, 5, 6},
	}
}

func newTestScheduler(repo *fakeRepo, gate *fakeGate, ctxReader *fakeContextReader, sender *fakeSender) *Scheduler {
	return New(testCfg(), repo, gate, ctxReader, sender, zap.NewNop())
}

// noonWednesday returns a fixed, guard-friendly instant: within the
// 9-21 window and on an allowed weekday.
func noonWednesday() time.Time {
	return time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
}

func TestOnUserActivityArmsStageZeroAndCancelsPrior(t *testing.T) {
	repo := newFakeRepo()
	sched := newTestScheduler(repo, &fakeGate{paused: map[string]bool{}}, &fakeContextReader{ctxs: map[string]*model.ConversationContext{}}, &fakeSender{})

	c := model.NewConversationContext("u1", noonWednesday())
	require.NoError(t, sched.OnUserActivity(context.Background(), "u1", &c))

	var pendingCount int
	for _, j := range repo.jobs {
		if j.Status == model.FollowUpPending {
			pendingCount++
			assert.Equal(t, 0, j.StageIndex)
		}
	}
	assert.Equal(t, 1, pendingCount)
}

func TestOnInboundMessageCancelsPending(t *testing.T) {
	repo := newFakeRepo()
	sched := newTestScheduler(repo, &fakeGate{paused: map[string]bool{}}, &fakeContextReader{ctxs: map[string]*model.ConversationContext{}}, &fakeSender{})

	c := model.NewConversationContext("u1", noonWednesday())
	require.NoError(t, sched.OnUserActivity(context.Background(), "u1", &c))
	require.NoError(t, sched.OnInboundMessage(context.Background(), "u1"))

	for _, j := range repo.jobs {
		assert.Equal(t, model.FollowUpCancelled, j.Status)
	}
}

func TestDispatchOneSendsAndArmsNextStageWhenGuardsPass(t *testing.T) {
	repo := newFakeRepo()
	now := noonWednesday()
	job := &model.FollowUpJob{JobID: "j1", UserID: "u1", StageIndex: 0, ScheduledFor: now, Status: model.FollowUpPending, CreatedAt: now.Add(-2 * time.Hour)}
	repo.jobs["j1"] = job

	ctxReader := &fakeContextReader{ctxs: map[string]*model.ConversationContext{
		"u1": func() *model.ConversationContext { c := model.NewConversationContext("u1", job.CreatedAt); return &c }(),
	}}
	sender := &fakeSender{}
	sched := newTestScheduler(repo, &fakeGate{paused: map[string]bool{}}, ctxReader, sender)

	sched.dispatchOne(context.Background(), job, now)

	assert.Equal(t, model.FollowUpSent, job.Status)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, 1, repo.history)

	var next *model.FollowUpJob
	for _, j := range repo.jobs {
		if j.StageIndex == 1 && j.Status == model.FollowUpPending {
			next = j
		}
	}
	require.NotNil(t, next)
	assert.Equal(t, job.CreatedAt.Add(model.StageOffset(1)), next.ScheduledFor,
		"stage offsets are absolute from activation, not from the prior stage's fire time")
	assert.Equal(t, job.CreatedAt, next.CreatedAt, "the activation anchor must carry across stages")
}

func TestDispatchOneSkipsBlacklistedUserWithoutAdvancingStage(t *testing.T) {
	repo := newFakeRepo()
	now := noonWednesday()
	job := &model.FollowUpJob{JobID: "j1", UserID: "u1", StageIndex: 0, ScheduledFor: now, Status: model.FollowUpPending, CreatedAt: now.Add(-2 * time.Hour)}
	repo.jobs["j1"] = job
	repo.blacklisted["u1"] = true

	ctxReader := &fakeContextReader{ctxs: map[string]*model.ConversationContext{}}
	sender := &fakeSender{}
	sched := newTestScheduler(repo, &fakeGate{paused: map[string]bool{}}, ctxReader, sender)

	sched.dispatchOne(context.Background(), job, now)

	assert.Empty(t, sender.sent)
	assert.Equal(t, model.FollowUpPending, job.Status)
	assert.Equal(t, 0, job.StageIndex)
}

func TestDispatchOneSkipsOutsideHourWindow(t *testing.T) {
	repo := newFakeRepo()
	night := time.Date(2026, 7, 29, 23, 0, 0, 0, time.UTC)
	job := &model.FollowUpJob{JobID: "j1", UserID: "u1", StageIndex: 0, ScheduledFor: night, Status: model.FollowUpPending, CreatedAt: night.Add(-time.Hour)}
	repo.jobs["j1"] = job

	ctxReader := &fakeContextReader{ctxs: map[string]*model.ConversationContext{}}
	sender := &fakeSender{}
	sched := newTestScheduler(repo, &fakeGate{paused: map[string]bool{}}, ctxReader, sender)

	sched.dispatchOne(context.Background(), job, night)

	assert.Empty(t, sender.sent)
	assert.True(t, job.ScheduledFor.After(night))
}

func TestDispatchOneSkipsPausedUser(t *testing.T) {
	repo := newFakeRepo()
	now := noonWednesday()
	job := &model.FollowUpJob{JobID: "j1", UserID: "u1", StageIndex: 0, ScheduledFor: now, Status: model.FollowUpPending, CreatedAt: now.Add(-time.Hour)}
	repo.jobs["j1"] = job

	ctxReader := &fakeContextReader{ctxs: map[string]*model.ConversationContext{}}
	sender := &fakeSender{}
	sched := newTestScheduler(repo, &fakeGate{paused: map[string]bool{"u1": true}}, ctxReader, sender)

	sched.dispatchOne(context.Background(), job, now)
	assert.Empty(t, sender.sent)
}

func TestDispatchOneSkipsWhenRecentInboundSinceSnapshot(t *testing.T) {
	repo := newFakeRepo()
	now := noonWednesday()
	job := &model.FollowUpJob{JobID: "j1", UserID: "u1", StageIndex: 0, ScheduledFor: now, Status: model.FollowUpPending, CreatedAt: now.Add(-time.Hour)}
	repo.jobs["j1"] = job

	fresh := model.NewConversationContext("u1", now)
	fresh.LastInteraction = now // after job.CreatedAt
	ctxReader := &fakeContextReader{ctxs: map[string]*model.ConversationContext{"u1": &fresh}}
	sender := &fakeSender{}
	sched := newTestScheduler(repo, &fakeGate{paused: map[string]bool{}}, ctxReader, sender)

	sched.dispatchOne(context.Background(), job, now)
	assert.Empty(t, sender.sent, "a reply since the snapshot must suppress the follow-up")
}

func TestDispatchOneRespectsDailyCap(t *testing.T) {
	repo := newFakeRepo()
	now := noonWednesday()
	repo.rateLimits["u1"] = &model.FollowUpRateLimit{UserID: "u1", DailyCount: 1, ResetDate: civilDay(now, time.UTC)}
	job := &model.FollowUpJob{JobID: "j1", UserID: "u1", StageIndex: 0, ScheduledFor: now, Status: model.FollowUpPending, CreatedAt: now.Add(-time.Hour)}
	repo.jobs["j1"] = job

	ctxReader := &fakeContextReader{ctxs: map[string]*model.ConversationContext{}}
	sender := &fakeSender{}
	sched := newTestScheduler(repo, &fakeGate{paused: map[string]bool{}}, ctxReader, sender)

	sched.dispatchOne(context.Background(), job, now)
	assert.Empty(t, sender.sent)
}

func TestHandleSendFailureRetriesThenGivesUp(t *testing.T) {
	repo := newFakeRepo()
	now := noonWednesday()
	job := &model.FollowUpJob{JobID: "j1", UserID: "u1", StageIndex: 0, Status: model.FollowUpPending, CreatedAt: now.Add(-time.Hour), Attempts: model.MaxFollowUpAttempts - 1}
	repo.jobs["j1"] = job

	ctxReader := &fakeContextReader{ctxs: map[string]*model.ConversationContext{
		"u1": func() *model.ConversationContext { c := model.NewConversationContext("u1", job.CreatedAt); return &c }(),
	}}
	sender := &fakeSender{err: assert.AnError}
	sched := newTestScheduler(repo, &fakeGate{paused: map[string]bool{}}, ctxReader, sender)

	sched.dispatchOne(context.Background(), job, now)
	assert.Equal(t, model.FollowUpFailed, job.Status)
	assert.Equal(t, model.MaxFollowUpAttempts, job.Attempts)
	assert.True(t, job.ScheduledFor.After(now.AddDate(50, 0, 0)), "exhausted retries must push far into the future")
}

func TestMigrationModeSuppressesFailedRetriesButNotDueJobs(t *testing.T) {
	repo := newFakeRepo()
	now := noonWednesday()
	due := &model.FollowUpJob{JobID: "due", UserID: "u1", StageIndex: 0, ScheduledFor: now.Add(-time.Minute), Status: model.FollowUpPending, CreatedAt: now.Add(-2 * time.Hour)}
	failed := &model.FollowUpJob{JobID: "failed", UserID: "u2", StageIndex: 0, ScheduledFor: now.Add(-time.Minute), Status: model.FollowUpFailed, CreatedAt: now.Add(-2 * time.Hour)}
	repo.jobs["due"] = due
	repo.jobs["failed"] = failed

	ctxReader := &fakeContextReader{ctxs: map[string]*model.ConversationContext{
		"u1": func() *model.ConversationContext { c := model.NewConversationContext("u1", due.CreatedAt); return &c }(),
	}}
	sender := &fakeSender{}
	cfg := testCfg()
	cfg.MigrationModeUntil = now.Add(time.Hour).Format(time.RFC3339)
	sched := New(cfg, repo, &fakeGate{paused: map[string]bool{}}, ctxReader, sender, zap.NewNop())

	sched.tick(context.Background(), now)

	assert.Equal(t, model.FollowUpSent, due.Status, "due pending jobs still process during migration mode")
	assert.Equal(t, model.FollowUpFailed, failed.Status, "failed jobs must not be retried during migration mode")
}

func TestRenderNeverLeaksUnsetPlaceholders(t *testing.T) {
	text := Render(0, model.Snapshot{}, "hace una hora")
	assert.NotContains(t, text, "{")
	assert.NotContains(t, text, "}")
}

func TestDeactivateCancelsPendingAndBlacklists(t *testing.T) {
	repo := newFakeRepo()
	now := noonWednesday()
	job := &model.FollowUpJob{JobID: "j1", UserID: "u1", StageIndex: 0, Status: model.FollowUpPending, CreatedAt: now}
	repo.jobs["j1"] = job

	sched := newTestScheduler(repo, &fakeGate{paused: map[string]bool{}}, &fakeContextReader{ctxs: map[string]*model.ConversationContext{}}, &fakeSender{})

	require.NoError(t, sched.Deactivate(context.Background(), "u1", "operator request"))
	assert.Equal(t, model.FollowUpCancelled, job.Status)
	blacklisted, err := repo.IsBlacklisted(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, blacklisted)
}

func TestActivateClearsBlacklistAndArmsStageZero(t *testing.T) {
	repo := newFakeRepo()
	repo.blacklisted["u1"] = true
	convCtx := model.NewConversationContext("u1", noonWednesday())
	ctxReader := &fakeContextReader{ctxs: map[string]*model.ConversationContext{"u1": &convCtx}}
	sched := newTestScheduler(repo, &fakeGate{paused: map[string]bool{}}, ctxReader, &fakeSender{})

	require.NoError(t, sched.Activate(context.Background(), "u1"))

	blacklisted, err := repo.IsBlacklisted(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, blacklisted)

	status, err := sched.Status(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, status.LatestJob)
	assert.Equal(t, 0, status.LatestJob.StageIndex)
}
