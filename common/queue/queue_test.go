package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEnvelope(KindStart, uuid.New(), uuid.New(), "user-1")
	env.Payload = map[string]any{"node_id": "n3"}

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.JobID, decoded.JobID)
	assert.Equal(t, KindStart, decoded.Kind)
	assert.Equal(t, "n3", decoded.Payload["node_id"])
}

func TestDecodeEnvelopeRejectsUnknownVersion(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"v":99,"jobId":"` + uuid.NewString() + `"}`))
	assert.Error(t, err)
}

func TestBackoff(t *testing.T) {
	base := 1 * time.Second
	cap := 60 * time.Second

	assert.Equal(t, 1*time.Second, Backoff(0, base, cap))
	assert.Equal(t, 2*time.Second, Backoff(1, base, cap))
	assert.Equal(t, 4*time.Second, Backoff(2, base, cap))
	assert.Equal(t, 32*time.Second, Backoff(5, base, cap))
	assert.Equal(t, cap, Backoff(6, base, cap))
	assert.Equal(t, cap, Backoff(50, base, cap), "must not overflow")
}

func TestMemoryBusDelivery(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan *Envelope, 1)
	go bus.Consume(ctx, func(ctx context.Context, env *Envelope) error {
		delivered <- env
		return nil
	})

	env := NewEnvelope(KindStart, uuid.New(), uuid.New(), "user-1")
	require.NoError(t, bus.Publish(ctx, env))

	select {
	case got := <-delivered:
		assert.Equal(t, env.JobID, got.JobID)
	case <-time.After(time.Second):
		t.Fatal("job not delivered")
	}
}

func TestMemoryBusRedeliversOnHandlerError(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32
	done := make(chan struct{})
	go bus.Consume(ctx, func(ctx context.Context, env *Envelope) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("worker crashed")
		}
		close(done)
		return nil
	})

	require.NoError(t, bus.Publish(ctx, NewEnvelope(KindStart, uuid.New(), uuid.New(), "u")))

	select {
	case <-done:
		assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
	case <-time.After(time.Second):
		t.Fatal("job was not redelivered")
	}
}

func TestMemoryBusRetryDelay(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan time.Time, 1)
	go bus.Consume(ctx, func(ctx context.Context, env *Envelope) error {
		delivered <- time.Now()
		return nil
	})

	start := time.Now()
	require.NoError(t, bus.PublishRetry(ctx, NewEnvelope(KindStart, uuid.New(), uuid.New(), "u"), 50*time.Millisecond))

	select {
	case at := <-delivered:
		assert.GreaterOrEqual(t, at.Sub(start), 50*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("retry not delivered")
	}
}

func TestMemoryBusDLQ(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	env := NewEnvelope(KindStart, uuid.New(), uuid.New(), "u")
	env.Attempt = 3
	require.NoError(t, bus.PublishDLQ(context.Background(), env, "attempts exhausted", errors.New("workflow not found")))

	dead := bus.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, env.JobID, dead[0].Envelope.JobID)
	assert.Equal(t, "attempts exhausted", dead[0].FailureReason)
	assert.Contains(t, dead[0].LastError, "workflow not found")
}
