// Package botstate implements the supervisory pause/resume gate (C7):
// a per-user paused flag with TTL and reason, backed by the L2 cache
// for fast checks and mirrored to L3 for crash recovery. It is
// consulted by the worker pool before every dispatch and mutated by
// the supervisory signal handler (C8) and the admin API.
package botstate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/kairos-labs/convo-dispatcher/internal/errs"
	"github.com/kairos-labs/convo-dispatcher/internal/metrics"
	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

// repository is the L3 mirror Gate writes through to for crash recovery.
type repository interface {
	Upsert(ctx context.Context, s *model.BotState) error
	Get(ctx context.Context, userID string) (*model.BotState, error)
	ListPaused(ctx context.Context) ([]string, error)
}

func redisKey(userID string) string {
	return "dispatcher:botstate:" + userID
}

// Gate is the pause/resume gate. A nil *redis.Client degrades every
// check to the L3 mirror, consistent with the cache-outage behavior
// documented for C6.
type Gate struct {
	l2     *redis.Client
	l3     repository
	logger *zap.Logger
}

// New constructs a Gate.
func New(l2 *redis.Client, l3 repository, logger *zap.Logger) *Gate {
	return &Gate{l2: l2, l3: l3, logger: logger}
}

// IsPaused reports whether userID's conversation is currently paused.
// Absence of any record, or a record whose TTL has lapsed (and which is
// not force-active), is treated as not paused.
func (g *Gate) IsPaused(ctx context.Context, userID string) (bool, error) {
	state, err := g.load(ctx, userID)
	if err != nil {
		return false, err
	}
	if state == nil {
		return false, nil
	}
	now := time.Now()
	if state.ForceActive {
		return false, nil
	}
	return state.Active(now), nil
}

func (g *Gate) load(ctx context.Context, userID string) (*model.BotState, error) {
	if g.l2 != nil {
		state, err := g.loadL2(ctx, userID)
		if err != nil {
			g.logger.Warn("L2 bot-state cache unavailable, falling back to L3",
				zap.String("user_id", userID), zap.Error(err))
		} else if state != nil {
			return state, nil
		}
	}

	state, err := g.l3.Get(ctx, userID)
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "failed to load bot state")
	}
	if state != nil {
		g.saveL2BestEffort(ctx, state)
	}
	return state, nil
}

func (g *Gate) loadL2(ctx context.Context, userID string) (*model.BotState, error) {
	data, err := g.l2.Get(ctx, redisKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state model.BotState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Pause marks userID paused, idempotently updating reason/expiry if
// already paused. ttl of zero applies model.DefaultPauseTTL. A
// force-active user is left as is; only ClearForceActive demotes them.
func (g *Gate) Pause(ctx context.Context, userID, reason, setBy string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = model.DefaultPauseTTL
	}
	existing, err := g.load(ctx, userID)
	if err != nil {
		return err
	}
	if existing != nil && existing.ForceActive {
		return nil
	}
	now := time.Now()
	state := &model.BotState{
		UserID:    userID,
		Paused:    true,
		Reason:    reason,
		SetBy:     setBy,
		PausedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := g.persist(ctx, state); err != nil {
		return err
	}
	metrics.BotPauseChanges.WithLabelValues(setBy, "pause").Inc()
	return nil
}

// Resume clears the paused flag for userID. Resume is a no-op (not an
// error) if the user was never paused.
func (g *Gate) Resume(ctx context.Context, userID string) error {
	existing, err := g.load(ctx, userID)
	if err != nil {
		return err
	}
	if existing != nil && existing.ForceActive {
		// ForceActive can only be cleared by another ForceActive or an
		// explicit operator call, never an ordinary Resume.
		return nil
	}
	state := &model.BotState{UserID: userID, Paused: false}
	if err := g.persist(ctx, state); err != nil {
		return err
	}
	metrics.BotPauseChanges.WithLabelValues("system", "resume").Inc()
	return nil
}

// ForceActivate unconditionally clears any paused state, including one
// set by a previous ForceActivate, and marks the user force-active so
// an ordinary Pause/Resume cycle cannot silently re-pause them.
func (g *Gate) ForceActivate(ctx context.Context, userID string) error {
	state := &model.BotState{UserID: userID, Paused: false, ForceActive: true}
	if err := g.persist(ctx, state); err != nil {
		return err
	}
	metrics.BotPauseChanges.WithLabelValues("operator", "force_active").Inc()
	return nil
}

// ClearForceActive releases the force-active override via an explicit
// operator call, the only path permitted to demote it.
func (g *Gate) ClearForceActive(ctx context.Context, userID string) error {
	state := &model.BotState{UserID: userID, Paused: false, ForceActive: false}
	return g.persist(ctx, state)
}

// Status returns the stored bot state for userID, or nil if absent.
func (g *Gate) Status(ctx context.Context, userID string) (*model.BotState, error) {
	return g.load(ctx, userID)
}

// ListPaused returns every user ID currently paused in L3, for bulk
// operator recovery via /bot/resume-all. It reads through L3 directly
// since L2 has no secondary index over paused users.
func (g *Gate) ListPaused(ctx context.Context) ([]string, error) {
	userIDs, err := g.l3.ListPaused(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "failed to list paused users")
	}
	return userIDs, nil
}

func (g *Gate) persist(ctx context.Context, state *model.BotState) error {
	if err := g.l3.Upsert(ctx, state); err != nil {
		return errs.Wrap(errs.StoreUnavailable, err, "failed to persist bot state")
	}
	g.saveL2BestEffort(ctx, state)
	return nil
}

func (g *Gate) saveL2BestEffort(ctx context.Context, state *model.BotState) {
	if g.l2 == nil {
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	ttl := time.Until(state.ExpiresAt)
	if state.ForceActive || ttl <= 0 {
		ttl = model.DefaultPauseTTL
	}
	if err := g.l2.Set(ctx, redisKey(state.UserID), data, ttl).Err(); err != nil {
		g.logger.Warn("failed to mirror bot state to L2",
			zap.String("user_id", state.UserID), zap.Error(err))
	}
}
