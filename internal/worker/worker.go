// Package worker implements the dynamic worker pool (C5): a bounded set
// of goroutines leasing items from the priority queue, resolving
// conversation context, honoring the bot-state gate, invoking the AI
// agent behind a circuit breaker, persisting the reply, dispatching it
// outbound, and arming the follow-up scheduler on success.
package worker

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kairos-labs/convo-dispatcher/internal/agent"
	"github.com/kairos-labs/convo-dispatcher/internal/config"
	convctx "github.com/kairos-labs/convo-dispatcher/internal/context"
	"github.com/kairos-labs/convo-dispatcher/internal/errs"
	"github.com/kairos-labs/convo-dispatcher/internal/metrics"
	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

// contextStore is C6's narrow capability the pool needs.
type contextStore interface {
	Get(ctx context.Context, userID string, now time.Time) (*model.ConversationContext, error)
	Update(ctx context.Context, userID string, now time.Time, mutator convctx.Mutator) (*model.ConversationContext, error)
}

// botGate is C7's narrow capability the pool needs.
type botGate interface {
	IsPaused(ctx context.Context, userID string) (bool, error)
}

// sender is C1's narrow capability the pool needs.
type sender interface {
	SendOutbound(ctx context.Context, source model.Source, userID, conversationID, text string) error
}

// activityRecorder is C9's narrow capability the pool needs.
type activityRecorder interface {
	OnUserActivity(ctx context.Context, userID string, convCtx *model.ConversationContext) error
}

// dequeuer is C4's narrow capability the pool needs.
type dequeuer interface {
	Dequeue(ctx context.Context, workerID string) (*model.QueuedItem, error)
	Ack(ctx context.Context, item *model.QueuedItem) error
	Nack(ctx context.Context, item *model.QueuedItem, cause error) (bool, error)
	Depth(ctx context.Context, p model.Priority) (int64, error)
}

// Pool is the dynamic worker pool that drains the priority queue.
type Pool struct {
	cfg     config.WorkerConfig
	queue   dequeuer
	context contextStore
	gate    botGate
	sender  sender
	agent   agent.InferReply
	followup activityRecorder
	logger  *zap.Logger
	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	cancels []context.CancelFunc
	running int

	stopOnce sync.Once
	wg       sync.WaitGroup

	leaseEmpty int32 // atomic counter of consecutive empty leases, used only for tests/observability

	latencyMu sync.Mutex
	latencies []time.Duration // rolling sample of recent process() durations, for the scaling supervisor's p95 signal

	utilMu   sync.Mutex
	busyTime time.Duration // accumulated time workers spent inside process() since the last scaling window reset
}

// New constructs a Pool. Workers are not started until Start is called.
func New(cfg config.WorkerConfig, queue dequeuer, ctxStore contextStore, gate botGate, sender sender, inferer agent.InferReply, followup activityRecorder, logger *zap.Logger) *Pool {
	breakerSettings := gobreaker.Settings{
		Name:        "agent-infer",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	}
	return &Pool{
		cfg:      cfg,
		queue:    queue,
		context:  ctxStore,
		gate:     gate,
		sender:   sender,
		agent:    inferer,
		followup: followup,
		logger:   logger,
		breaker:  gobreaker.NewCircuitBreaker(breakerSettings),
	}
}

// Start launches cfg.Min workers and returns immediately; call Shutdown
// to stop them.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.cfg.Min; i++ {
		p.spawnLocked(ctx)
	}
}

// spawnLocked starts one more worker goroutine. Caller must hold p.mu.
func (p *Pool) spawnLocked(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	p.cancels = append(p.cancels, cancel)
	p.running++
	metrics.ActiveWorkers.Set(float64(p.running))

	workerID := "w-" + time.Now().Format("150405.000000") + "-" + strconv.Itoa(p.running)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runLoop(workerCtx, workerID)
	}()
}

// runLoop is one worker's main loop: lease, process, loop. It exits
// when ctx is canceled.
func (p *Pool) runLoop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			p.logger.Warn("dequeue failed", zap.String("worker_id", workerID), zap.Error(err))
			atomic.AddInt32(&p.leaseEmpty, 1)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if item == nil {
			atomic.AddInt32(&p.leaseEmpty, 1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}
		atomic.StoreInt32(&p.leaseEmpty, 0)

		p.process(ctx, item)
	}
}

// process drives a single leased item through context read, pause
// check, InferReply, outbound dispatch, context write, Ack, and
// follow-up arming.
func (p *Pool) process(ctx context.Context, item *model.QueuedItem) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		metrics.MessageProcessingDuration.WithLabelValues("worker_total").Observe(elapsed.Seconds())
		p.recordLatency(elapsed)
		p.addBusyTime(elapsed)
	}()

	now := time.Now()
	convCtx, err := p.context.Get(ctx, item.UserID, now)
	if err != nil {
		p.fail(ctx, item, err)
		return
	}

	paused, err := p.gate.IsPaused(ctx, item.UserID)
	if err != nil {
		p.fail(ctx, item, err)
		return
	}
	if paused {
		metrics.MessagesProcessed.WithLabelValues("skipped_paused").Inc()
		if ackErr := p.queue.Ack(ctx, item); ackErr != nil {
			p.logger.Warn("ack failed for paused-skip item", zap.Error(ackErr))
		}
		return
	}

	agentCtx, cancel := context.WithTimeout(ctx, p.cfg.AgentTimeout)
	reply, err := p.inferReply(agentCtx, item.UserID, item.Message.Text, convCtx)
	cancel()
	if err != nil {
		p.fail(ctx, item, err)
		return
	}

	// The reply is dispatched before the interaction is persisted to C6.
	// A queue-level redelivery after a dispatch failure must be able to
	// retry the send without having already appended the turn to
	// history; appending first and sending second would double-append
	// on any retry that reaches SendOutbound a second time.
	transportCtx, cancel := context.WithTimeout(ctx, p.cfg.TransportTimeout)
	err = p.sender.SendOutbound(transportCtx, item.Message.Source, item.UserID, item.Message.ConversationID, reply)
	cancel()
	if err != nil {
		p.fail(ctx, item, err)
		return
	}

	updated, err := p.context.Update(ctx, item.UserID, time.Now(), func(c *model.ConversationContext) {
		c.AppendInteraction(model.RoleUser, item.Message.Text, item.Message.ArrivedAt)
		c.AppendInteraction(model.RoleAssistant, reply, time.Now())
	})
	if err != nil {
		// The reply already reached the user: a retry here would send it
		// twice. Ack so the item is not redelivered, and log loudly since
		// this conversation's history now omits this turn.
		p.logger.Error("failed to persist conversation context after successful dispatch",
			zap.String("queue_id", item.QueueID), zap.String("user_id", item.UserID), zap.Error(err))
		if ackErr := p.queue.Ack(ctx, item); ackErr != nil {
			p.logger.Warn("ack failed after dispatch with failed context update", zap.Error(ackErr))
		}
		metrics.MessagesProcessed.WithLabelValues("success_context_unpersisted").Inc()
		return
	}

	if ackErr := p.queue.Ack(ctx, item); ackErr != nil {
		p.logger.Warn("ack failed after successful dispatch", zap.Error(ackErr))
	}
	metrics.MessagesProcessed.WithLabelValues("success").Inc()

	if p.followup != nil {
		if err := p.followup.OnUserActivity(ctx, item.UserID, updated); err != nil {
			p.logger.Warn("failed to arm follow-up after dispatch", zap.String("user_id", item.UserID), zap.Error(err))
		}
	}
}

// inferReply calls the agent through the circuit breaker, recording
// latency and translating a tripped breaker into errs.CircuitOpen.
func (p *Pool) inferReply(ctx context.Context, userID, text string, convCtx *model.ConversationContext) (string, error) {
	start := time.Now()
	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.agent.InferReply(ctx, userID, text, convCtx)
	})
	metrics.AgentInferenceDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", errs.New(errs.CircuitOpen, "agent circuit breaker open")
		}
		return "", errs.Wrap(errs.TransientAgent, err, "agent inference failed")
	}
	return result.(string), nil
}

// fail classifies err and Nacks the item, or drops it permanently. When
// Nack reports the item was dead-lettered, the user is sent a one-shot
// apology through their original transport, since they will otherwise
// never hear back at all.
func (p *Pool) fail(ctx context.Context, item *model.QueuedItem, err error) {
	metrics.MessagesProcessed.WithLabelValues("failed").Inc()
	// Nack inspects the cause: a permanent error dead-letters the item
	// immediately regardless of remaining attempts.
	deadLettered, nackErr := p.queue.Nack(ctx, item, err)
	if nackErr != nil {
		p.logger.Error("nack failed", zap.String("queue_id", item.QueueID), zap.Error(nackErr))
	}
	p.logger.Warn("failed to process queued item",
		zap.String("queue_id", item.QueueID), zap.String("user_id", item.UserID), zap.Error(err))

	if deadLettered {
		p.sendDeadLetterApology(ctx, item)
	}
}

// sendDeadLetterApology dispatches model.DeadLetterApologyText through
// the item's original transport once it has been dead-lettered, so the
// user gets a reply instead of silence.
func (p *Pool) sendDeadLetterApology(ctx context.Context, item *model.QueuedItem) {
	transportCtx, cancel := context.WithTimeout(ctx, p.cfg.TransportTimeout)
	defer cancel()
	if err := p.sender.SendOutbound(transportCtx, item.Message.Source, item.UserID, item.Message.ConversationID, model.DeadLetterApologyText); err != nil {
		p.logger.Warn("failed to send dead-letter apology",
			zap.String("queue_id", item.QueueID), zap.String("user_id", item.UserID), zap.Error(err))
		return
	}
	metrics.MessagesProcessed.WithLabelValues("dead_letter_apology").Inc()
}

// Shutdown cancels every worker and waits up to cfg.DrainTimeout for
// in-flight processing to finish.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		for _, cancel := range p.cancels {
			cancel()
		}
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(p.cfg.DrainTimeout):
			p.logger.Warn("worker pool drain timed out")
		}
	})
}

// Running returns the current worker count, used by the scaling
// supervisor and health endpoint.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
