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
	contextOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_context_repository_operations_total",
			Help: "Total number of conversation context repository operations",
		},
		[]string{"operation", "status"},
	)

	contextOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_context_repository_operation_duration_seconds",
			Help:    "Duration of conversation context repository operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

const (
	upsertContextSQL = `
        INSERT INTO conversation_contexts (
            user_id, profile, recent_products, interaction_history,
            state, conversation_started, last_interaction
        ) VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (user_id) DO UPDATE SET
            profile = EXCLUDED.profile,
            recent_products = EXCLUDED.recent_products,
            interaction_history = EXCLUDED.interaction_history,
            state = EXCLUDED.state,
            last_interaction = EXCLUDED.last_interaction`

	getContextSQL = `
        SELECT user_id, profile, recent_products, interaction_history,
               state, conversation_started, last_interaction
        FROM conversation_contexts
        WHERE user_id = $1`
)

// ContextRepository is the L3 durable tier for conversation context.
type ContextRepository struct {
	db *DB
}

// NewContextRepository constructs a ContextRepository.
func NewContextRepository(db *DB) *ContextRepository {
	return &ContextRepository{db: db}
}

// Upsert persists ctx, replacing any prior row for the same user.
func (r *ContextRepository) Upsert(ctx context.Context, c *model.ConversationContext) error {
	timer := prometheus.NewTimer(contextOpDuration.WithLabelValues("upsert"))
	defer timer.ObserveDuration()

	profileJSON, err := json.Marshal(c.Profile)
	if err != nil {
		return errors.Wrap(err, "failed to marshal profile")
	}
	productsJSON, err := json.Marshal(c.RecentProducts)
	if err != nil {
		return errors.Wrap(err, "failed to marshal recent products")
	}
	historyJSON, err := json.Marshal(c.InteractionHistory)
	if err != nil {
		return errors.Wrap(err, "failed to marshal interaction history")
	}

	_, err = r.db.ExecContext(ctx, upsertContextSQL,
		c.UserID, profileJSON, productsJSON, historyJSON,
		string(c.State), c.ConversationStarted, c.LastInteraction,
	)
	if err != nil {
		contextOps.WithLabelValues("upsert", "error").Inc()
		return errors.Wrap(err, "failed to upsert conversation context")
	}

	contextOps.WithLabelValues("upsert", "success").Inc()
	return nil
}

// Get loads the durable conversation context for userID. It returns
// (nil, nil) if no row exists yet.
func (r *ContextRepository) Get(ctx context.Context, userID string) (*model.ConversationContext, error) {
	timer := prometheus.NewTimer(contextOpDuration.WithLabelValues("get"))
	defer timer.ObserveDuration()

	var c model.ConversationContext
	var profileJSON, productsJSON, historyJSON []byte
	var state string

	row := r.db.QueryRowContext(ctx, getContextSQL, userID)
	err := row.Scan(&c.UserID, &profileJSON, &productsJSON, &historyJSON,
		&state, &c.ConversationStarted, &c.LastInteraction)
	if err == sql.ErrNoRows {
		contextOps.WithLabelValues("get", "miss").Inc()
		return nil, nil
	}
	if err != nil {
		contextOps.WithLabelValues("get", "error").Inc()
		return nil, errors.Wrap(err, "failed to query conversation context")
	}

	if err := json.Unmarshal(profileJSON, &c.Profile); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal profile")
	}
	if err := json.Unmarshal(productsJSON, &c.RecentProducts); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal recent products")
	}
	if err := json.Unmarshal(historyJSON, &c.InteractionHistory); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal interaction history")
	}
	c.State = model.ConversationState(state)

	contextOps.WithLabelValues("get", "hit").Inc()
	return &c, nil
}

// Touch updates only last_interaction, used for lightweight liveness
// bookkeeping that does not warrant a full snapshot write.
func (r *ContextRepository) Touch(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE conversation_contexts SET last_interaction = $2 WHERE user_id = $1`,
		userID, at)
	if err != nil {
		return errors.Wrap(err, "failed to touch conversation context")
	}
	return nil
}
