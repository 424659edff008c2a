// Package agent defines the boundary between the dispatcher and the AI
// agent runtime. InferReply is a narrow synchronous contract the worker
// pool drives behind a circuit breaker, plus a deterministic stub
// implementation for tests and local development without a real model
// behind it.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

// InferReply is the out-of-scope AI agent call: given the user's
// current conversation context and inbound text, it returns the reply
// text to dispatch back to the transport.
type InferReply interface {
	InferReply(ctx context.Context, userID, text string, convCtx *model.ConversationContext) (string, error)
}

// Func adapts a plain function to the InferReply interface, the way
// http.HandlerFunc adapts a function to http.Handler.
type Func func(ctx context.Context, userID, text string, convCtx *model.ConversationContext) (string, error)

// InferReply implements InferReply by calling fn.
func (fn Func) InferReply(ctx context.Context, userID, text string, convCtx *model.ConversationContext) (string, error) {
	return fn(ctx, userID, text, convCtx)
}

// Echo is a deterministic stub agent suitable for tests and local runs
// without a model behind the dispatcher. It acknowledges the message,
// with a longer greeting when the context marks the user as VIP.
type Echo struct{}

// NewEcho constructs the stub agent.
func NewEcho() Echo { return Echo{} }

// InferReply returns a deterministic canned reply, never erroring.
func (Echo) InferReply(ctx context.Context, userID, text string, convCtx *model.ConversationContext) (string, error) {
	if convCtx != nil && convCtx.Profile.VIP {
		return fmt.Sprintf("Thanks for reaching out, got your message: %q", text), nil
	}
	return fmt.Sprintf("Got your message: %q", text), nil
}

// Latency-simulating stub, useful for exercising worker-pool
// backpressure and circuit-breaker behavior in tests without a real
// agent runtime.
type delayed struct {
	inner InferReply
	delay time.Duration
}

// WithDelay wraps inner so every call sleeps for delay first, unless
// ctx is canceled first.
func WithDelay(inner InferReply, delay time.Duration) InferReply {
	return delayed{inner: inner, delay: delay}
}

func (d delayed) InferReply(ctx context.Context, userID, text string, convCtx *model.ConversationContext) (string, error) {
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return d.inner.InferReply(ctx, userID, text, convCtx)
}
