package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAppendInteractionEvictsFromHead(t *testing.T) {
	now := time.Now()
	ctx := NewConversationContext("u1", now)

	for i := 0; i < MaxInteractionHistory+5; i++ {
		ctx.AppendInteraction(RoleUser, "msg", now.Add(time.Duration(i)*time.Second))
	}

	assert.Len(t, ctx.InteractionHistory, MaxInteractionHistory)
	// The oldest five entries should have been evicted, so the first
	// surviving entry is the sixth appended (index 5).
	assert.Equal(t, now.Add(5*time.Second), ctx.InteractionHistory[0].At)
}

func TestAppendProductEvictsFromHead(t *testing.T) {
	ctx := NewConversationContext("u1", time.Now())
	for i := 0; i < MaxRecentProducts+3; i++ {
		ctx.AppendProduct(Product{Name: "p"})
	}
	assert.Len(t, ctx.RecentProducts, MaxRecentProducts)
}

func TestNewConversationContextStartsBrowsing(t *testing.T) {
	now := time.Now()
	ctx := NewConversationContext("u1", now)
	assert.Equal(t, StateBrowsing, ctx.State)
	assert.Empty(t, ctx.InteractionHistory)
	assert.Empty(t, ctx.RecentProducts)
	assert.True(t, !ctx.LastInteraction.Before(ctx.ConversationStarted))
}

func TestCoalescePreservesOrderAndEarliestArrival(t *testing.T) {
	t0 := time.Now()
	msgs := []InboundMessage{
		{UserID: "u1", Text: "hola", ArrivedAt: t0, TransportMessageID: "m1"},
		{UserID: "u1", Text: "tenes anillos?", ArrivedAt: t0.Add(2 * time.Second), TransportMessageID: "m2"},
		{UserID: "u1", Text: "de plata", ArrivedAt: t0.Add(5 * time.Second), TransportMessageID: "m3"},
	}
	merged := Coalesce(msgs)
	assert.Equal(t, "hola\ntenes anillos?\nde plata", merged.Text)
	assert.Equal(t, "m3", merged.TransportMessageID)
	assert.Equal(t, t0, merged.ArrivedAt)
}
