// Package admission implements the deduplicator and rate limiter (C2):
// the first gate an inbound message passes through before it can reach
// the burst buffer and priority queue. Deduplication uses the L2 cache
// when available (so the dedupe window survives a handler restart);
// rate limiting uses sliding-fixed-window per-identifier counters
// guarded by a single shared mutex.
package admission

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kairos-labs/convo-dispatcher/internal/config"
	"github.com/kairos-labs/convo-dispatcher/internal/metrics"
	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

// Decision is the outcome of an Admit call.
type Decision string

const (
	Admit           Decision = "admit"
	RejectEmpty     Decision = "empty"
	RejectDuplicate Decision = "duplicate"
	RejectRate      Decision = "rate"
)

const globalIdentifier = "global"

// Admitter is C2: the combined deduplicator and three-bucket rate
// limiter (per-user, per-IP, global).
type Admitter struct {
	l2     *redis.Client
	cfg    config.AdmissionConfig
	mu     sync.Mutex
	seen   map[string]time.Time // in-memory dedupe fallback when l2 is nil
	bucket map[string]*model.RateBucket
}

// New constructs an Admitter. l2 may be nil, in which case dedupe state
// lives only in process memory for this instance's lifetime.
func New(l2 *redis.Client, cfg config.AdmissionConfig) *Admitter {
	return &Admitter{
		l2:     l2,
		cfg:    cfg,
		seen:   make(map[string]time.Time),
		bucket: make(map[string]*model.RateBucket),
	}
}

// Check runs C2's admit path: dedup first, then rate limiting. VIP
// users bypass the per-user bucket but never the global one.
func (a *Admitter) Check(ctx context.Context, msg model.InboundMessage, ip string, vip bool) Decision {
	if msg.Empty() {
		metrics.MessagesAdmitted.WithLabelValues(string(msg.Source), "dropped_empty").Inc()
		return RejectEmpty
	}

	if a.isDuplicate(ctx, msg.UserID, msg.MessageHash()) {
		metrics.MessagesAdmitted.WithLabelValues(string(msg.Source), "duplicate").Inc()
		return RejectDuplicate
	}

	if !vip && !a.allow(msg.UserID, a.cfg.PerUserPerMinute) {
		metrics.MessagesAdmitted.WithLabelValues(string(msg.Source), "rate_user").Inc()
		return RejectRate
	}
	if ip != "" && !a.allow("ip:"+ip, a.cfg.PerIPPerMinute) {
		metrics.MessagesAdmitted.WithLabelValues(string(msg.Source), "rate_ip").Inc()
		return RejectRate
	}
	if !a.allow(globalIdentifier, a.cfg.GlobalPerMinute) {
		metrics.MessagesAdmitted.WithLabelValues(string(msg.Source), "rate_global").Inc()
		return RejectRate
	}

	a.remember(ctx, msg.UserID, msg.MessageHash())
	metrics.MessagesAdmitted.WithLabelValues(string(msg.Source), "admit").Inc()
	return Admit
}

func dedupeKey(userID, hash string) string {
	return "dispatcher:dedupe:" + userID + ":" + hash
}

func (a *Admitter) isDuplicate(ctx context.Context, userID, hash string) bool {
	key := dedupeKey(userID, hash)
	if a.l2 != nil {
		exists, err := a.l2.Exists(ctx, key).Result()
		if err == nil {
			return exists > 0
		}
		// Redis unavailable: fall through to the in-memory fallback
		// rather than fail admission outright.
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	seenAt, ok := a.seen[key]
	return ok && time.Since(seenAt) < a.dedupeTTL()
}

func (a *Admitter) remember(ctx context.Context, userID, hash string) {
	key := dedupeKey(userID, hash)
	if a.l2 != nil {
		if err := a.l2.Set(ctx, key, "1", a.dedupeTTL()).Err(); err == nil {
			return
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen[key] = time.Now()
}

func (a *Admitter) dedupeTTL() time.Duration {
	if a.cfg.DedupeTTL > 0 {
		return a.cfg.DedupeTTL
	}
	return model.DedupeTTL
}

// allow applies a sliding-fixed-window token ceiling: the bucket resets
// once its window has fully elapsed, otherwise the request is counted
// against the current window.
func (a *Admitter) allow(identifier string, max int) bool {
	if max <= 0 {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	b, ok := a.bucket[identifier]
	if !ok || b.Expired(now) {
		b = &model.RateBucket{
			Identifier:    identifier,
			WindowSeconds: 60,
			MaxRequests:   max,
			WindowStart:   now,
		}
		a.bucket[identifier] = b
	}
	if b.Exceeded() {
		return false
	}
	b.CurrentRequests++
	return true
}
