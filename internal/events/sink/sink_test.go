package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/events"
)

type recordingWriter struct {
	mu     sync.Mutex
	events []events.Event
	fail   bool
}

func (w *recordingWriter) AppendEvent(_ context.Context, evt events.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("disk full")
	}
	w.events = append(w.events, evt)
	return nil
}

func TestAttachDeliversInOrderAndSurvivesFailures(t *testing.T) {
	bus := events.New()
	good := &recordingWriter{}
	bad := &recordingWriter{fail: true}

	okAttach := Attach(bus, NewRepositorySink(good))
	badAttach := Attach(bus, NewRepositorySink(bad))

	for i := 0; i < 5; i++ {
		bus.Publish("alpha", events.CategoryMonitor, "tick", nil)
	}
	require.NoError(t, okAttach.Close())
	require.NoError(t, badAttach.Close())

	require.Len(t, good.events, 5)
	for i, evt := range good.events {
		assert.Equal(t, uint64(i+1), evt.ID)
	}
	assert.Empty(t, bad.events)
}

type deadlineSink struct {
	mu        sync.Mutex
	remaining []time.Duration
}

func (s *deadlineSink) Name() string { return "deadline" }
func (s *deadlineSink) Close() error { return nil }

func (s *deadlineSink) Deliver(ctx context.Context, _ events.Event) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return errors.New("no deadline")
	}
	s.mu.Lock()
	s.remaining = append(s.remaining, time.Until(deadline))
	s.mu.Unlock()
	return nil
}

func TestAttachAppliesDeliverTimeout(t *testing.T) {
	bus := events.New()
	s := &deadlineSink{}
	a := Attach(bus, s, WithDeliverTimeout(50*time.Millisecond))

	bus.Publish("alpha", events.CategoryWake, "tick", nil)
	require.NoError(t, a.Close())

	require.Len(t, s.remaining, 1)
	assert.LessOrEqual(t, s.remaining[0], 50*time.Millisecond)
	assert.Greater(t, s.remaining[0], time.Duration(0))
}

type fakeRedis struct {
	pushed    []string
	trimStop  int64
	published []string
	pushErr   error
	closed    bool
}

func (f *fakeRedis) LPush(_ context.Context, _ string, values ...interface{}) *redis.IntCmd {
	if f.pushErr != nil {
		return redis.NewIntResult(0, f.pushErr)
	}
	for _, v := range values {
		f.pushed = append(f.pushed, string(v.([]byte)))
	}
	return redis.NewIntResult(int64(len(f.pushed)), nil)
}

func (f *fakeRedis) LTrim(_ context.Context, _ string, _, stop int64) *redis.StatusCmd {
	f.trimStop = stop
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Publish(_ context.Context, _ string, message interface{}) *redis.IntCmd {
	f.published = append(f.published, string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisSinkPushesTrimsAndPublishes(t *testing.T) {
	client := &fakeRedis{}
	s := newRedisSink(client, RedisConfig{Channel: "fleet", MaxHistory: 10})

	evt := events.Event{ID: 7, AgentID: "alpha", Category: events.CategoryTransfer, Message: "sent"}
	require.NoError(t, s.Deliver(context.Background(), evt))

	require.Len(t, client.pushed, 1)
	var decoded events.Event
	require.NoError(t, json.Unmarshal([]byte(client.pushed[0]), &decoded))
	assert.Equal(t, uint64(7), decoded.ID)
	assert.Equal(t, int64(9), client.trimStop)
	assert.Equal(t, client.pushed, client.published)

	require.NoError(t, s.Close())
	assert.True(t, client.closed)
}

func TestRedisSinkWrapsFailures(t *testing.T) {
	s := newRedisSink(&fakeRedis{pushErr: errors.New("READONLY")}, RedisConfig{})
	err := s.Deliver(context.Background(), events.Event{ID: 1})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeSinkFailure, xerrors.CodeOf(err))
}

type fakeChannel struct {
	msgs []amqp.Publishing
	keys []string
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.keys = append(f.keys, key)
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestRabbitMQSinkPublishesJSON(t *testing.T) {
	ch := &fakeChannel{}
	s := &RabbitMQSink{ch: ch, queue: "fleet.events"}

	require.NoError(t, s.Deliver(context.Background(), events.Event{ID: 3, Category: events.CategoryRecall}))
	require.Len(t, ch.msgs, 1)
	assert.Equal(t, "fleet.events", ch.keys[0])
	assert.Equal(t, "application/json", ch.msgs[0].ContentType)
	assert.Equal(t, "recall", ch.msgs[0].Type)

	require.NoError(t, s.Close())
	err := s.Deliver(context.Background(), events.Event{ID: 4})
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}
