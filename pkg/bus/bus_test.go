package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func recvTimeout[M any](t *testing.T, sub *Subscription[M]) (M, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return sub.Recv(ctx)
}

func TestBroadcastInOrder(t *testing.T) {
	b := NewBus[int](zap.NewNop())
	a := b.Subscribe()
	c := b.Subscribe()
	assert.Equal(t, 2, b.Subscribers())

	for i := 1; i <= 3; i++ {
		b.Publish(i)
	}

	for _, sub := range []*Subscription[int]{a, c} {
		for i := 1; i <= 3; i++ {
			msg, err := recvTimeout(t, sub)
			require.NoError(t, err)
			assert.Equal(t, i, msg)
		}
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := NewBus[string](zap.NewNop())
	assert.NotPanics(t, func() {
		b.Publish("nobody listens")
	})
}

func TestLagIsReportedAndBufferDiscarded(t *testing.T) {
	b := NewBus[int](zap.NewNop(), WithBufferSize(2))
	sub := b.Subscribe()

	// never blocks even though the buffer only holds two messages
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	_, err := recvTimeout(t, sub)
	var lagged *LaggedError
	require.True(t, errors.As(err, &lagged))
	assert.Equal(t, uint64(3), lagged.Missed)

	// stale buffered messages are gone, the stream continues with new ones
	b.Publish(42)
	msg, err := recvTimeout(t, sub)
	require.NoError(t, err)
	assert.Equal(t, 42, msg)
}

func TestSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	b := NewBus[int](zap.NewNop(), WithBufferSize(1))
	slow := b.Subscribe()
	fast := b.Subscribe()

	b.Publish(1)
	msg, err := recvTimeout(t, fast)
	require.NoError(t, err)
	assert.Equal(t, 1, msg)
	b.Publish(2)
	msg, err = recvTimeout(t, fast)
	require.NoError(t, err)
	assert.Equal(t, 2, msg)

	_, err = recvTimeout(t, slow)
	var lagged *LaggedError
	assert.True(t, errors.As(err, &lagged))
}

func TestCloseIsTerminal(t *testing.T) {
	b := NewBus[int](zap.NewNop())
	sub := b.Subscribe()
	b.Publish(7)
	b.Close()
	b.Publish(8)

	msg, err := recvTimeout(t, sub)
	require.NoError(t, err)
	assert.Equal(t, 7, msg)

	_, err = recvTimeout(t, sub)
	assert.ErrorIs(t, err, ErrClosed)

	late := b.Subscribe()
	_, err = recvTimeout(t, late)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, b.Subscribers())

	assert.NotPanics(t, b.Close)
}

func TestRecvHonorsContext(t *testing.T) {
	b := NewBus[int](zap.NewNop())
	sub := b.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sub.Recv(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscriptionClose(t *testing.T) {
	b := NewBus[int](zap.NewNop())
	sub := b.Subscribe()
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, b.Subscribers())
	b.Publish(1)
	_, err := recvTimeout(t, sub)
	assert.ErrorIs(t, err, ErrClosed)
}
