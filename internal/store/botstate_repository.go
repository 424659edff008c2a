package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

var botStateOps = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatcher_botstate_repository_operations_total",
		Help: "Total number of bot-state repository operations",
	},
	[]string{"operation", "status"},
)

const (
	upsertBotStateSQL = `
        INSERT INTO bot_state (user_id, paused, reason, set_by, paused_at, expires_at, force_active)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (user_id) DO UPDATE SET
            paused = EXCLUDED.paused,
            reason = EXCLUDED.reason,
            set_by = EXCLUDED.set_by,
            paused_at = EXCLUDED.paused_at,
            expires_at = EXCLUDED.expires_at,
            force_active = EXCLUDED.force_active`

	getBotStateSQL = `
        SELECT user_id, paused, reason, set_by, paused_at, expires_at, force_active
        FROM bot_state WHERE user_id = $1`
)

// BotStateRepository is the L3 mirror of supervisory pause/resume state,
// consulted on crash recovery so a paused conversation does not silently
// reopen after a restart before the L2 cache repopulates.
type BotStateRepository struct {
	db *DB
}

// NewBotStateRepository constructs a BotStateRepository.
func NewBotStateRepository(db *DB) *BotStateRepository {
	return &BotStateRepository{db: db}
}

// Upsert persists the current bot state for a user.
func (r *BotStateRepository) Upsert(ctx context.Context, s *model.BotState) error {
	var pausedAt, expiresAt sql.NullTime
	if !s.PausedAt.IsZero() {
		pausedAt = sql.NullTime{Time: s.PausedAt, Valid: true}
	}
	if !s.ExpiresAt.IsZero() {
		expiresAt = sql.NullTime{Time: s.ExpiresAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, upsertBotStateSQL,
		s.UserID, s.Paused, s.Reason, s.SetBy, pausedAt, expiresAt, s.ForceActive)
	if err != nil {
		botStateOps.WithLabelValues("upsert", "error").Inc()
		return errors.Wrap(err, "failed to upsert bot state")
	}
	botStateOps.WithLabelValues("upsert", "success").Inc()
	return nil
}

// Get loads the durable bot state for userID. Returns (nil, nil) if the
// user has never had a pause/resume recorded.
func (r *BotStateRepository) Get(ctx context.Context, userID string) (*model.BotState, error) {
	var s model.BotState
	var reason, setBy sql.NullString
	var pausedAt, expiresAt sql.NullTime

	row := r.db.QueryRowContext(ctx, getBotStateSQL, userID)
	err := row.Scan(&s.UserID, &s.Paused, &reason, &setBy, &pausedAt, &expiresAt, &s.ForceActive)
	if err == sql.ErrNoRows {
		botStateOps.WithLabelValues("get", "miss").Inc()
		return nil, nil
	}
	if err != nil {
		botStateOps.WithLabelValues("get", "error").Inc()
		return nil, errors.Wrap(err, "failed to query bot state")
	}

	s.Reason = reason.String
	s.SetBy = setBy.String
	if pausedAt.Valid {
		s.PausedAt = pausedAt.Time
	}
	if expiresAt.Valid {
		s.ExpiresAt = expiresAt.Time
	}

	botStateOps.WithLabelValues("get", "hit").Inc()
	return &s, nil
}

// ListPaused returns the user ids of every currently-paused user (not
// force-active), used by the bulk resume-all admin operation.
func (r *BotStateRepository) ListPaused(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM bot_state WHERE paused = true AND force_active = false`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query paused users")
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, errors.Wrap(err, "failed to scan paused user row")
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, rows.Err()
}

// ExpireStale clears the paused flag on every non-force-active row whose
// expiry has lapsed. Nothing in the dispatcher calls it; a lapsed pause
// already reads as not paused through model.BotState.Active.
func (r *BotStateRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE bot_state SET paused = false WHERE paused = true AND force_active = false AND expires_at < $1`,
		now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to expire stale bot state")
	}
	return res.RowsAffected()
}
