// Package burst implements per-user message coalescing (C3): rapid-fire
// messages from the same user are buffered and merged into a single
// InboundMessage before admission into the priority queue, instead of
// dispatching each one as a separate unit of work.
package burst

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kairos-labs/convo-dispatcher/internal/metrics"
	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

type entry struct {
	messages  []model.InboundMessage
	timer     *time.Timer
	firstSeen time.Time
}

// FlushFunc receives the coalesced message once a buffer's window
// closes.
type FlushFunc func(ctx context.Context, msg model.InboundMessage)

// Buffer coalesces bursts of messages per user. A new message resets
// the per-user window timer, up to MaxCoalesceWait after the first
// message in the burst, at which point the buffer is flushed
// regardless of continued activity so a chatty user can never defer
// processing indefinitely.
type Buffer struct {
	mu              sync.Mutex
	entries         map[string]*entry
	coalesceWindow  time.Duration
	maxCoalesceWait time.Duration
	flush           FlushFunc
	logger          *zap.Logger
}

// New constructs a Buffer. coalesceWindow is the quiet period required
// before a burst flushes; maxCoalesceWait is the hard ceiling on how
// long a burst may be held open.
func New(coalesceWindow, maxCoalesceWait time.Duration, flush FlushFunc, logger *zap.Logger) *Buffer {
	return &Buffer{
		entries:         make(map[string]*entry),
		coalesceWindow:  coalesceWindow,
		maxCoalesceWait: maxCoalesceWait,
		flush:           flush,
		logger:          logger,
	}
}

// Add appends msg to its user's burst buffer, (re)starting the
// coalescing timer. If the user's burst has already been open for
// maxCoalesceWait, it flushes immediately instead of extending further.
func (b *Buffer) Add(msg model.InboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[msg.UserID]
	if !ok {
		e = &entry{firstSeen: msg.ArrivedAt}
		b.entries[msg.UserID] = e
	}
	e.messages = append(e.messages, msg)

	if e.timer != nil {
		e.timer.Stop()
	}

	wait := b.coalesceWindow
	if elapsed := time.Since(e.firstSeen); elapsed+wait > b.maxCoalesceWait {
		if remaining := b.maxCoalesceWait - elapsed; remaining > 0 {
			wait = remaining
		} else {
			wait = 0
		}
	}

	userID := msg.UserID
	e.timer = time.AfterFunc(wait, func() {
		b.flushUser(userID)
	})
}

func (b *Buffer) flushUser(userID string) {
	b.mu.Lock()
	e, ok := b.entries[userID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.entries, userID)
	b.mu.Unlock()

	merged := model.Coalesce(e.messages)
	if len(e.messages) > 1 {
		metrics.CoalescedBursts.Inc()
		b.logger.Debug("coalesced burst",
			zap.String("user_id", userID),
			zap.Int("message_count", len(e.messages)))
	}

	b.flush(context.Background(), merged)
}

// Flush forces an immediate flush of a user's pending burst, used when
// a higher-priority signal (e.g. a supervisory pause) must take effect
// without waiting for the coalescing window to close.
func (b *Buffer) Flush(userID string) {
	b.mu.Lock()
	e, ok := b.entries[userID]
	if ok && e.timer != nil {
		e.timer.Stop()
	}
	b.mu.Unlock()
	if ok {
		b.flushUser(userID)
	}
}

// Pending reports how many users currently have an open burst buffer.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
