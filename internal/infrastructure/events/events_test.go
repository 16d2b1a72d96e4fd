package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/davidleathers/compliance-tracker/internal/domain/compliance"
	"github.com/davidleathers/compliance-tracker/internal/domain/errors"
)

type collector struct {
	mu  sync.Mutex
	got []compliance.Notification
}

func (c *collector) Notify(_ context.Context, n compliance.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
}

func (c *collector) all() []compliance.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]compliance.Notification(nil), c.got...)
}

var failed = compliance.Notification{
	Title:       "Failed to record consent",
	Description: "database unavailable",
	Variant:     compliance.VariantDestructive,
}

func TestLogNotifier_LevelByVariant(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	n := NewLogNotifier(zap.New(core))

	n.Notify(context.Background(), compliance.Notification{Title: "Consent recorded", Variant: compliance.VariantDefault})
	n.Notify(context.Background(), failed)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "Failed to record consent", entries[1].ContextMap()["title"])
	assert.Equal(t, "notifications", entries[1].LoggerName)
}

func TestFanout(t *testing.T) {
	a, b := &collector{}, &collector{}
	f := NewFanout(a, nil, b)
	require.Len(t, f, 2)

	f.Notify(context.Background(), failed)

	assert.Equal(t, []compliance.Notification{failed}, a.all())
	assert.Equal(t, []compliance.Notification{failed}, b.all())
}

func TestEnvelope_RoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.FixedZone("CET", 3600))
	env := NewEnvelope(failed, now)

	data, err := SerializeEnvelope(env)
	require.NoError(t, err)

	got, err := DeserializeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, got.EventID)
	assert.Equal(t, failed, got.Data)
	assert.True(t, got.Timestamp.Equal(now))
	assert.Equal(t, time.UTC, env.Timestamp.Location())
}

func TestDeserializeEnvelope_Rejects(t *testing.T) {
	tests := map[string]struct {
		payload string
		code    string
	}{
		"malformed":     {payload: "{", code: CodeInvalidEnvelope},
		"wrong type":    {payload: `{"event_type":"call.started","version":"1"}`, code: CodeUnsupportedVersion},
		"wrong version": {payload: `{"event_type":"compliance.notification","version":"9"}`, code: CodeUnsupportedVersion},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DeserializeEnvelope([]byte(tt.payload))
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestCircuitBreaker(t *testing.T) {
	b := NewCircuitBreaker(2, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	assert.True(t, b.Allow())
	b.Failure()
	assert.Equal(t, "closed", b.State())
	b.Failure()
	assert.Equal(t, "open", b.State())
	assert.False(t, b.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow(), "probe after reset timeout")
	assert.Equal(t, "half-open", b.State())
	assert.False(t, b.Allow(), "only one probe in half-open")

	b.Failure()
	assert.Equal(t, "open", b.State())
	assert.Equal(t, int64(2), b.Opens())

	now = now.Add(2 * time.Minute)
	require.True(t, b.Allow())
	b.Success()
	assert.Equal(t, "closed", b.State())
	assert.True(t, b.Allow())
}

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestRedisPublisher_PublishesEnvelopes(t *testing.T) {
	client, _ := newRedis(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "compliance:notifications")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	p := NewRedisPublisher(client, DefaultPublisherConfig("compliance:notifications"), zaptest.NewLogger(t))
	p.Notify(ctx, failed)

	select {
	case msg := <-sub.Channel():
		env, err := DeserializeEnvelope([]byte(msg.Payload))
		require.NoError(t, err)
		assert.Equal(t, failed, env.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification published")
	}

	require.NoError(t, p.Close(ctx))
	published, dropped := p.Stats()
	assert.Equal(t, int64(1), published)
	assert.Zero(t, dropped)

	p.Notify(ctx, failed)
	_, dropped = p.Stats()
	assert.Equal(t, int64(1), dropped, "notify after close is dropped")
}

func TestRedisPublisher_FailuresNeverBlock(t *testing.T) {
	client, mr := newRedis(t)
	mr.Close()

	cfg := DefaultPublisherConfig("c")
	cfg.FailureThreshold = 1
	cfg.PublishTimeout = 200 * time.Millisecond
	p := NewRedisPublisher(client, cfg, zaptest.NewLogger(t))

	for i := 0; i < 10; i++ {
		p.Notify(context.Background(), failed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))

	published, dropped := p.Stats()
	assert.Zero(t, published)
	assert.Equal(t, int64(10), dropped)
	assert.Equal(t, "open", p.breaker.State())
}

func TestRelay_ForwardsValidEnvelopes(t *testing.T) {
	client, mr := newRedis(t)
	target := &collector{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Relay(ctx, client, "relay", target, zaptest.NewLogger(t)) }()

	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("relay")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mr.Publish("relay", "not json")
	payload, err := SerializeEnvelope(NewEnvelope(failed, time.Now()))
	require.NoError(t, err)
	mr.Publish("relay", string(payload))

	require.Eventually(t, func() bool { return len(target.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, failed, target.all()[0])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRelay_SkipsOtherEnvelopeVersions(t *testing.T) {
	client, mr := newRedis(t)
	target := &collector{}
	core, logs := observer.New(zapcore.DebugLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = Relay(ctx, client, "relay", target, zap.New(core)) }()

	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("relay")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	newer := NewEnvelope(failed, time.Now())
	newer.Version = "2"
	payload, err := SerializeEnvelope(newer)
	require.NoError(t, err)
	mr.Publish("relay", string(payload))
	mr.Publish("relay", "{")

	current, err := SerializeEnvelope(NewEnvelope(failed, time.Now()))
	require.NoError(t, err)
	mr.Publish("relay", string(current))

	require.Eventually(t, func() bool { return len(target.all()) == 1 }, 2*time.Second, 10*time.Millisecond)

	skipped := logs.FilterMessage("skipping notification of another envelope version").All()
	require.Len(t, skipped, 1)
	assert.Equal(t, zapcore.DebugLevel, skipped[0].Level)

	malformed := logs.FilterMessage("ignoring malformed notification").All()
	require.Len(t, malformed, 1)
	assert.Equal(t, zapcore.WarnLevel, malformed[0].Level)
}
