package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kairos-labs/convo-dispatcher/internal/config"
	"github.com/kairos-labs/convo-dispatcher/internal/errs"
	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

// fakeRedis is an in-memory stand-in for the narrow redisCmds interface,
// backed by plain slices so tests don't require a live Redis instance.
type fakeRedis struct {
	lists map[string][]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{lists: make(map[string][]string)}
}

func (f *fakeRedis) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	for _, v := range values {
		f.lists[key] = append(f.lists[key], toString(v))
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(f.lists[key])))
	return cmd
}

func (f *fakeRedis) LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	list := f.lists[key]
	cmd := redis.NewStringSliceCmd(ctx)
	if int(start) >= len(list) {
		cmd.SetVal(nil)
		return cmd
	}
	end := int(stop) + 1
	if end > len(list) || stop < 0 {
		end = len(list)
	}
	out := make([]string, end-int(start))
	copy(out, list[start:end])
	cmd.SetVal(out)
	return cmd
}

func (f *fakeRedis) LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd {
	list := f.lists[key]
	target := toString(value)
	cmd := redis.NewIntCmd(ctx)
	for i, v := range list {
		if v == target {
			f.lists[key] = append(list[:i], list[i+1:]...)
			cmd.SetVal(1)
			return cmd
		}
	}
	cmd.SetVal(0)
	return cmd
}

func (f *fakeRedis) LLen(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(f.lists[key])))
	return cmd
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// fakeQueueRepo satisfies the repository calls Queue makes without a
// database, recording state transitions in memory.
type fakeQueueRepo struct{}

func (fakeQueueRepo) Insert(ctx context.Context, item *model.QueuedItem) error { return nil }
func (fakeQueueRepo) MarkProcessing(ctx context.Context, queueID, workerID string) error {
	return nil
}
func (fakeQueueRepo) MarkCompleted(ctx context.Context, queueID string) error       { return nil }
func (fakeQueueRepo) MarkDeadLetter(ctx context.Context, queueID, lastErr string) error {
	return nil
}
func (fakeQueueRepo) MarkFailedForRetry(ctx context.Context, item *model.QueuedItem) error {
	return nil
}
func (fakeQueueRepo) FindStaleProcessing(ctx context.Context, cutoff time.Time) ([]*model.QueuedItem, error) {
	return nil, nil
}

func TestRetryBackoffDoublesUntilCap(t *testing.T) {
	base := 500 * time.Millisecond
	max := 10 * time.Second

	assert.Equal(t, base, RetryBackoff(1, base, max))
	assert.Equal(t, 2*base, RetryBackoff(2, base, max))
	assert.Equal(t, 4*base, RetryBackoff(3, base, max))
	assert.Equal(t, max, RetryBackoff(20, base, max))
}

func TestDequeueDrainsUrgentBeforeLower(t *testing.T) {
	r := newFakeRedis()
	qcfg := config.QueueConfig{BaseBackoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second}

	highItem := mustJSON(t, model.QueuedItem{QueueID: "1", UserID: "u1", Priority: model.PriorityHigh})
	urgentItem := mustJSON(t, model.QueuedItem{QueueID: "2", UserID: "u1", Priority: model.PriorityUrgent})
	r.lists[queueKey(model.PriorityHigh)] = []string{highItem}
	r.lists[queueKey(model.PriorityUrgent)] = []string{urgentItem}

	q := &Queue{redis: r, fairness: newFairnessTracker(), cfg: qcfg, repo: fakeQueueRepo{}}

	item, err := q.dequeueFrom(context.Background(), model.PriorityUrgent, "w1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "2", item.QueueID)
}

func TestFairnessSkipsUserWithInFlightItem(t *testing.T) {
	r := newFakeRedis()
	a1 := mustJSON(t, model.QueuedItem{QueueID: "a1", UserID: "userA", Priority: model.PriorityNormal})
	b1 := mustJSON(t, model.QueuedItem{QueueID: "b1", UserID: "userB", Priority: model.PriorityNormal})
	r.lists[queueKey(model.PriorityNormal)] = []string{a1, b1}

	q := &Queue{redis: r, fairness: newFairnessTracker(), cfg: config.QueueConfig{}, repo: fakeQueueRepo{}}
	q.fairness.start("userA") // userA already has an item leased out, still being processed

	item, err := q.dequeueFrom(context.Background(), model.PriorityNormal, "w1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "userB", item.UserID, "a user with an item still in flight must be skipped in favor of another user")
}

func TestFairnessDoesNotSkipUserAfterTheirItemCompletes(t *testing.T) {
	r := newFakeRedis()
	a1 := mustJSON(t, model.QueuedItem{QueueID: "a1", UserID: "userA", Priority: model.PriorityNormal})
	r.lists[queueKey(model.PriorityNormal)] = []string{a1}

	q := &Queue{redis: r, fairness: newFairnessTracker(), cfg: config.QueueConfig{}, repo: fakeQueueRepo{}}
	q.fairness.start("userA")
	q.fairness.finish("userA") // userA's prior item was Acked/Nacked, no longer in flight

	item, err := q.dequeueFrom(context.Background(), model.PriorityNormal, "w1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "userA", item.UserID, "a user must not be skipped once their in-flight item has completed")
}

func TestDequeueWaitsWhenAllHeadsAreInFlight(t *testing.T) {
	r := newFakeRedis()
	a1 := mustJSON(t, model.QueuedItem{QueueID: "a1", UserID: "userA", Priority: model.PriorityNormal})
	r.lists[queueKey(model.PriorityNormal)] = []string{a1}

	q := &Queue{redis: r, fairness: newFairnessTracker(), cfg: config.QueueConfig{}, repo: fakeQueueRepo{}}
	q.fairness.start("userA")

	item, err := q.dequeueFrom(context.Background(), model.PriorityNormal, "w1")
	require.NoError(t, err)
	assert.Nil(t, item, "dequeue must wait rather than redeliver an already in-flight item")
}

func TestEnqueueDeduplicatesRecentSubmissions(t *testing.T) {
	r := newFakeRedis()
	q := New(r, fakeQueueRepo{}, config.QueueConfig{RecentSetPerUser: 20})

	msg := model.InboundMessage{UserID: "u1", Text: "hola", Source: model.SourceWhatsApp}
	first := &model.QueuedItem{UserID: "u1", Message: msg, Priority: model.PriorityNormal}
	second := &model.QueuedItem{UserID: "u1", Message: msg, Priority: model.PriorityNormal}

	require.NoError(t, q.Enqueue(context.Background(), first))
	err := q.Enqueue(context.Background(), second)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Duplicate))
	assert.Len(t, r.lists[queueKey(model.PriorityNormal)], 1, "a duplicate submission must not reach the priority list")
}

func TestEnqueueAllowsSameTextFromDifferentUsers(t *testing.T) {
	r := newFakeRedis()
	q := New(r, fakeQueueRepo{}, config.QueueConfig{RecentSetPerUser: 20})

	require.NoError(t, q.Enqueue(context.Background(), &model.QueuedItem{
		UserID: "u1", Priority: model.PriorityNormal,
		Message: model.InboundMessage{UserID: "u1", Text: "hola"},
	}))
	require.NoError(t, q.Enqueue(context.Background(), &model.QueuedItem{
		UserID: "u2", Priority: model.PriorityNormal,
		Message: model.InboundMessage{UserID: "u2", Text: "hola"},
	}))
	assert.Len(t, r.lists[queueKey(model.PriorityNormal)], 2)
}

func TestDequeueSkipsItemStillInBackoff(t *testing.T) {
	r := newFakeRedis()
	retrying := mustJSON(t, model.QueuedItem{
		QueueID: "r1", UserID: "userA", Priority: model.PriorityNormal,
		ScheduledAt: time.Now().Add(time.Minute),
	})
	ready := mustJSON(t, model.QueuedItem{
		QueueID: "r2", UserID: "userB", Priority: model.PriorityNormal,
	})
	r.lists[queueKey(model.PriorityNormal)] = []string{retrying, ready}

	q := &Queue{redis: r, fairness: newFairnessTracker(), cfg: config.QueueConfig{}, repo: fakeQueueRepo{}}

	item, err := q.dequeueFrom(context.Background(), model.PriorityNormal, "w1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "r2", item.QueueID, "an item whose backoff has not elapsed must not be leased")
}

func TestNackDeadLettersPermanentCauseImmediately(t *testing.T) {
	r := newFakeRedis()
	q := New(r, fakeQueueRepo{}, config.QueueConfig{RetryLimit: 3})

	item := &model.QueuedItem{
		QueueID: "p1", UserID: "u1", Priority: model.PriorityNormal,
		Message: model.InboundMessage{UserID: "u1", Text: "hola"},
	}
	deadLettered, err := q.Nack(context.Background(), item, errs.New(errs.PermanentTransport, "gateway returned 410"))
	require.NoError(t, err)
	assert.True(t, deadLettered, "a permanent transport error must dead-letter on the first attempt")
	assert.Empty(t, r.lists[queueKey(model.PriorityNormal)], "a dead-lettered item must not be requeued")
}

func TestNackRequeuesTransientCauseWithBackoff(t *testing.T) {
	r := newFakeRedis()
	q := New(r, fakeQueueRepo{}, config.QueueConfig{RetryLimit: 3, BaseBackoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second})

	item := &model.QueuedItem{
		QueueID: "t1", UserID: "u1", Priority: model.PriorityNormal,
		Message: model.InboundMessage{UserID: "u1", Text: "hola"},
	}
	deadLettered, err := q.Nack(context.Background(), item, errs.New(errs.TransientTransport, "timeout"))
	require.NoError(t, err)
	assert.False(t, deadLettered)
	assert.Equal(t, model.StatusPending, item.Status)
	assert.True(t, item.ScheduledAt.After(time.Now()), "a retried item must carry a backoff delay")
	assert.Len(t, r.lists[queueKey(model.PriorityNormal)], 1)
}

func TestOverCapTripsAtSoftCap(t *testing.T) {
	r := newFakeRedis()
	q := New(r, fakeQueueRepo{}, config.QueueConfig{SoftCap: 2, RecentSetPerUser: 20})

	assert.False(t, q.OverCap(context.Background()))

	for i, user := range []string{"u1", "u2"} {
		require.NoError(t, q.Enqueue(context.Background(), &model.QueuedItem{
			UserID: user, Priority: model.PriorityNormal,
			Message: model.InboundMessage{UserID: user, Text: "msg" + string(rune('a'+i))},
		}))
	}
	assert.True(t, q.OverCap(context.Background()), "total depth at the soft cap must start shedding load")
}

func mustJSON(t *testing.T, item model.QueuedItem) string {
	t.Helper()
	b, err := json.Marshal(item)
	require.NoError(t, err)
	return string(b)
}
