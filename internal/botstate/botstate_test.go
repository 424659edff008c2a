package botstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

type fakeRepo struct {
	states map[string]*model.BotState
}

func newFakeRepo() *fakeRepo { return &fakeRepo{states: make(map[string]*model.BotState)} }

func (f *fakeRepo) Upsert(ctx context.Context, s *model.BotState) error {
	cp := *s
	f.states[s.UserID] = &cp
	return nil
}

func (f *fakeRepo) Get(ctx context.Context, userID string) (*model.BotState, error) {
	s, ok := f.states[userID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) ListPaused(ctx context.Context) ([]string, error) {
	var ids []string
	for userID, s := range f.states {
		if s.Paused {
			ids = append(ids, userID)
		}
	}
	return ids, nil
}

func TestUnknownUserIsNotPaused(t *testing.T) {
	g := New(nil, newFakeRepo(), zap.NewNop())
	paused, err := g.IsPaused(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestPauseThenIsPausedReturnsTrue(t *testing.T) {
	g := New(nil, newFakeRepo(), zap.NewNop())
	require.NoError(t, g.Pause(context.Background(), "u1", "agent-assigned", "agent", 0))

	paused, err := g.IsPaused(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, paused)
}

func TestExpiredPauseIsTreatedAsInactive(t *testing.T) {
	repo := newFakeRepo()
	repo.states["u1"] = &model.BotState{
		UserID:    "u1",
		Paused:    true,
		PausedAt:  time.Now().Add(-48 * time.Hour),
		ExpiresAt: time.Now().Add(-24 * time.Hour),
	}
	g := New(nil, repo, zap.NewNop())

	paused, err := g.IsPaused(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestForceActivateOverridesPause(t *testing.T) {
	g := New(nil, newFakeRepo(), zap.NewNop())
	require.NoError(t, g.Pause(context.Background(), "u1", "tag", "agent", 0))
	require.NoError(t, g.ForceActivate(context.Background(), "u1"))

	paused, err := g.IsPaused(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestResumeIsNoopAgainstForceActive(t *testing.T) {
	repo := newFakeRepo()
	g := New(nil, repo, zap.NewNop())
	require.NoError(t, g.ForceActivate(context.Background(), "u1"))
	require.NoError(t, g.Resume(context.Background(), "u1"))

	state, err := repo.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.ForceActive)
}
