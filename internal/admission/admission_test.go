package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kairos-labs/convo-dispatcher/internal/config"
	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

func testCfg() config.AdmissionConfig {
	return config.AdmissionConfig{
		PerUserPerMinute: 2,
		PerIPPerMinute:   50,
		GlobalPerMinute:  1000,
		DedupeTTL:        10 * time.Minute,
	}
}

func TestAdmitsFirstMessage(t *testing.T) {
	a := New(nil, testCfg())
	msg := model.InboundMessage{UserID: "u1", Text: "hola", ArrivedAt: time.Now()}
	assert.Equal(t, Admit, a.Check(context.Background(), msg, "1.2.3.4", false))
}

func TestRejectsDuplicateWithinTTL(t *testing.T) {
	a := New(nil, testCfg())
	msg := model.InboundMessage{UserID: "u1", Text: "hola", ArrivedAt: time.Now()}
	require := assert.New(t)
	require.Equal(Admit, a.Check(context.Background(), msg, "1.2.3.4", false))
	require.Equal(RejectDuplicate, a.Check(context.Background(), msg, "1.2.3.4", false))
}

func TestRejectsEmptyMessage(t *testing.T) {
	a := New(nil, testCfg())
	msg := model.InboundMessage{UserID: "", Text: "", ArrivedAt: time.Now()}
	assert.Equal(t, RejectEmpty, a.Check(context.Background(), msg, "1.2.3.4", false))
}

func TestPerUserRateLimitTripsAfterCeiling(t *testing.T) {
	a := New(nil, testCfg())
	for i := 0; i < 2; i++ {
		msg := model.InboundMessage{UserID: "u1", Text: "msg", ArrivedAt: time.Now()}
		msg.Text = msg.Text + string(rune('a'+i))
		assert.Equal(t, Admit, a.Check(context.Background(), msg, "1.2.3.4", false))
	}
	msg := model.InboundMessage{UserID: "u1", Text: "one too many", ArrivedAt: time.Now()}
	assert.Equal(t, RejectRate, a.Check(context.Background(), msg, "1.2.3.4", false))
}

func TestVIPBypassesPerUserBucketButNotGlobal(t *testing.T) {
	cfg := testCfg()
	cfg.GlobalPerMinute = 1
	a := New(nil, cfg)

	first := model.InboundMessage{UserID: "vip", Text: "a", ArrivedAt: time.Now()}
	assert.Equal(t, Admit, a.Check(context.Background(), first, "1.2.3.4", true))

	second := model.InboundMessage{UserID: "vip", Text: "b", ArrivedAt: time.Now()}
	assert.Equal(t, RejectRate, a.Check(context.Background(), second, "1.2.3.4", true))
}
