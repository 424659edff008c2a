package burst

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

func TestBufferCoalescesBurstIntoOneMessage(t *testing.T) {
	var mu sync.Mutex
	var flushed []model.InboundMessage

	b := New(20*time.Millisecond, 200*time.Millisecond, func(ctx context.Context, msg model.InboundMessage) {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, msg)
	}, zap.NewNop())

	now := time.Now()
	b.Add(model.InboundMessage{UserID: "u1", Text: "hola", ArrivedAt: now})
	b.Add(model.InboundMessage{UserID: "u1", Text: "tenes anillos?", ArrivedAt: now.Add(2 * time.Millisecond)})
	b.Add(model.InboundMessage{UserID: "u1", Text: "de plata", ArrivedAt: now.Add(4 * time.Millisecond)})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushed) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "hola\ntenes anillos?\nde plata", flushed[0].Text)
}

func TestBufferKeepsUsersIndependent(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}

	b := New(10*time.Millisecond, 100*time.Millisecond, func(ctx context.Context, msg model.InboundMessage) {
		mu.Lock()
		defer mu.Unlock()
		seen[msg.UserID]++
	}, zap.NewNop())

	b.Add(model.InboundMessage{UserID: "u1", Text: "a", ArrivedAt: time.Now()})
	b.Add(model.InboundMessage{UserID: "u2", Text: "b", ArrivedAt: time.Now()})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["u1"] == 1 && seen["u2"] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestFlushForcesImmediateDelivery(t *testing.T) {
	flushedCh := make(chan model.InboundMessage, 1)
	b := New(time.Hour, time.Hour, func(ctx context.Context, msg model.InboundMessage) {
		flushedCh <- msg
	}, zap.NewNop())

	b.Add(model.InboundMessage{UserID: "u1", Text: "hola", ArrivedAt: time.Now()})
	assert.Equal(t, 1, b.Pending())

	b.Flush("u1")

	select {
	case msg := <-flushedCh:
		assert.Equal(t, "hola", msg.Text)
	case <-time.After(time.Second):
		t.Fatal("expected forced flush to deliver promptly")
	}
	assert.Equal(t, 0, b.Pending())
}
