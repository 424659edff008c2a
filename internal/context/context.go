// Package context implements the three-tier conversation context store
// (C6): an in-process LRU (L1), a Redis mirror (L2), and the Postgres
// system of record (L3). Reads prefer the fastest tier that has the
// data; writes fan out to all tiers but only the L3 write is required
// to succeed.
package context

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/kairos-labs/convo-dispatcher/internal/errs"
	"github.com/kairos-labs/convo-dispatcher/internal/metrics"
	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

const redisTTL = 6 * time.Hour

// Mutator mutates a conversation context in place; it must not retain c
// beyond the call, since Update reuses the pointer across tiers.
type Mutator func(c *model.ConversationContext)

// l3Repository is the subset of store.ContextRepository the store needs.
type l3Repository interface {
	Get(ctx context.Context, userID string) (*model.ConversationContext, error)
	Upsert(ctx context.Context, c *model.ConversationContext) error
}

// Store is the three-tier conversation context cache.
type Store struct {
	l1     *lru.Cache[string, *model.ConversationContext]
	l2     *redis.Client
	l3     l3Repository
	logger *zap.Logger

	userLocksMu sync.Mutex
	userLocks   map[string]*sync.Mutex
}

// New constructs a Store. l2 may be nil, in which case the store
// degrades to L1+L3 as documented for a Redis outage.
func New(l1Size int, l2 *redis.Client, l3 l3Repository, logger *zap.Logger) (*Store, error) {
	cache, err := lru.New[string, *model.ConversationContext](l1Size)
	if err != nil {
		return nil, errs.Wrap(errs.BadRequest, err, "failed to construct L1 cache")
	}
	return &Store{l1: cache, l2: l2, l3: l3, logger: logger, userLocks: make(map[string]*sync.Mutex)}, nil
}

// lockFor returns the per-user mutex guarding read-modify-write access to
// userID's context, creating it on first use.
func (s *Store) lockFor(userID string) *sync.Mutex {
	s.userLocksMu.Lock()
	defer s.userLocksMu.Unlock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

func redisKey(userID string) string {
	return "dispatcher:context:" + userID
}

// Get returns the conversation context for userID, creating a fresh one
// if none exists in any tier. A Redis outage degrades to L1+L3 silently;
// a Postgres outage on an L1/L2 miss is a hard failure, since L3 is the
// only tier guaranteed to hold the full history.
func (s *Store) Get(ctx context.Context, userID string, now time.Time) (*model.ConversationContext, error) {
	if c, ok := s.l1.Get(userID); ok {
		metrics.CacheTierHits.WithLabelValues("l1", "hit").Inc()
		return c, nil
	}
	metrics.CacheTierHits.WithLabelValues("l1", "miss").Inc()

	if s.l2 != nil {
		if c, err := s.getL2(ctx, userID); err != nil {
			s.logger.Warn("L2 context cache unavailable, degrading to L3",
				zap.String("user_id", userID), zap.Error(err))
			metrics.CacheTierHits.WithLabelValues("l2", "error").Inc()
		} else if c != nil {
			metrics.CacheTierHits.WithLabelValues("l2", "hit").Inc()
			s.l1.Add(userID, c)
			return c, nil
		} else {
			metrics.CacheTierHits.WithLabelValues("l2", "miss").Inc()
		}
	}

	c, err := s.l3.Get(ctx, userID)
	if err != nil {
		metrics.CacheTierHits.WithLabelValues("l3", "error").Inc()
		return nil, errs.Wrap(errs.StoreUnavailable, err, "failed to load conversation context from durable store")
	}
	if c == nil {
		metrics.CacheTierHits.WithLabelValues("l3", "miss").Inc()
		fresh := model.NewConversationContext(userID, now)
		s.l1.Add(userID, &fresh)
		return &fresh, nil
	}

	metrics.CacheTierHits.WithLabelValues("l3", "hit").Inc()
	s.l1.Add(userID, c)
	s.setL2BestEffort(ctx, c)
	return c, nil
}

func (s *Store) getL2(ctx context.Context, userID string) (*model.ConversationContext, error) {
	data, err := s.l2.Get(ctx, redisKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c model.ConversationContext
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save persists c to every tier: L1 unconditionally, L2 best-effort,
// and L3 as the required durable write.
func (s *Store) Save(ctx context.Context, c *model.ConversationContext) error {
	if err := s.l3.Upsert(ctx, c); err != nil {
		return errs.Wrap(errs.StoreUnavailable, err, "failed to persist conversation context")
	}
	s.l1.Add(c.UserID, c)
	s.setL2BestEffort(ctx, c)
	return nil
}

func (s *Store) setL2BestEffort(ctx context.Context, c *model.ConversationContext) {
	if s.l2 == nil {
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := s.l2.Set(ctx, redisKey(c.UserID), data, redisTTL).Err(); err != nil {
		s.logger.Warn("failed to mirror conversation context to L2",
			zap.String("user_id", c.UserID), zap.Error(err))
	}
}

// Update applies mutator to userID's context under that user's mutex,
// then writes the result through every tier. This is the only path by
// which a worker may change a conversation's stored context, so replies
// observed by the same user stay serialized in dequeue order.
func (s *Store) Update(ctx context.Context, userID string, now time.Time, mutator Mutator) (*model.ConversationContext, error) {
	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.Get(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	mutator(c)

	if err := s.Save(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Touch refreshes lastInteraction without otherwise changing the
// context, used for lightweight liveness bookkeeping.
func (s *Store) Touch(ctx context.Context, userID string, now time.Time) error {
	_, err := s.Update(ctx, userID, now, func(c *model.ConversationContext) {
		if now.After(c.LastInteraction) {
			c.LastInteraction = now
		}
	})
	return err
}

// Invalidate drops a user's context from L1 and L2, forcing the next
// Get to reload from L3.
func (s *Store) Invalidate(ctx context.Context, userID string) {
	s.l1.Remove(userID)
	if s.l2 != nil {
		s.l2.Del(ctx, redisKey(userID))
	}
}
