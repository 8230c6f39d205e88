package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imob-leads-go/internal/model"
	"imob-leads-go/pkg/tasks"
)

type fakeProcessor struct {
	err   error
	calls int
}

func (p *fakeProcessor) Process(_ context.Context, _ tasks.LeadRetryTask) error {
	p.calls++
	return p.err
}

func newCounter(t *testing.T) (AttemptCounter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisAttemptCounter(rdb), mr
}

func message(t *testing.T, id string) []byte {
	t.Helper()
	b, err := json.Marshal(tasks.LeadRetryTask{Lead: model.Lead{LeadID: id}})
	require.NoError(t, err)
	return b
}

func TestHandleMessageSuccessCommitsAndResets(t *testing.T) {
	ctx := context.Background()
	counter, mr := newCounter(t)
	_, err := counter.Incr(ctx, "l1")
	require.NoError(t, err)

	p := &fakeProcessor{}
	assert.True(t, HandleMessage(ctx, message(t, "l1"), p, counter))
	assert.Equal(t, 1, p.calls)
	assert.False(t, mr.Exists(attemptsKey("l1")))
}

func TestHandleMessageGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	counter, mr := newCounter(t)
	p := &fakeProcessor{err: errors.New("still down")}

	for i := 1; i < MaxAttempts; i++ {
		assert.False(t, HandleMessage(ctx, message(t, "l2"), p, counter), "attempt %d", i)
	}
	assert.True(t, HandleMessage(ctx, message(t, "l2"), p, counter))
	assert.Equal(t, MaxAttempts, p.calls)
	assert.True(t, mr.TTL(attemptsKey("l2")) > 0)
}

func TestHandleMessageMalformedIsCommitted(t *testing.T) {
	counter, _ := newCounter(t)
	p := &fakeProcessor{}
	assert.True(t, HandleMessage(context.Background(), []byte("{not json"), p, counter))
	assert.Zero(t, p.calls)
}

func TestBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, brokers(" a:9092, ,b:9092 "))
	assert.Empty(t, brokers(""))
}
