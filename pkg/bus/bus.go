package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrClosed is returned by Subscription.Recv once the bus (or the subscription) is closed
// and all buffered messages were consumed.
var ErrClosed = errors.New("bus closed")

// LaggedError reports that the subscriber did not keep up and Missed messages were dropped.
// Messages still buffered at that point are discarded as well, so the subscriber should
// re-derive its view from the source of truth instead of trusting the stream.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged, %d messages missed", e.Missed)
}

var defaultOptions = busOptions{
	bufferSize: 64,
}

type busOptions struct {
	bufferSize int
}

type Option func(*busOptions)

// WithBufferSize sets the per-subscriber buffer size.
func WithBufferSize(n int) Option {
	return func(o *busOptions) {
		o.bufferSize = n
	}
}

// Bus is a multi-producer, multi-consumer broadcast channel.
// Publish never blocks: a subscriber with a full buffer loses the message and observes a
// LaggedError on its next receive.
type Bus[M any] struct {
	log     *zap.Logger
	options busOptions

	// mu guards closed and protects subscriber channels from being closed mid-send.
	mu     sync.RWMutex
	closed bool

	nextID *atomic.Uint64
	subs   *xsync.MapOf[uint64, *Subscription[M]]
}

func NewBus[M any](logger *zap.Logger, opts ...Option) *Bus[M] {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	if options.bufferSize < 1 {
		options.bufferSize = 1
	}
	return &Bus[M]{
		log:     logger,
		options: options,
		nextID:  atomic.NewUint64(0),
		subs:    xsync.NewMapOf[uint64, *Subscription[M]](),
	}
}

// Publish delivers msg to every current subscriber. It is a no-op after Close.
func (b *Bus[M]) Publish(msg M) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.subs.Range(func(id uint64, sub *Subscription[M]) bool {
		select {
		case sub.ch <- msg:
		default:
			if sub.missed.Inc() == 1 {
				b.log.Warn("Subscriber lagging, dropping messages", zap.Uint64("subscriber", id))
			}
		}
		return true
	})
}

// Subscribe returns an independent receive handle. Subscribing to a closed bus returns a
// subscription that reports ErrClosed immediately.
func (b *Bus[M]) Subscribe() *Subscription[M] {
	sub := &Subscription[M]{
		id:     b.nextID.Inc(),
		bus:    b,
		ch:     make(chan M, b.options.bufferSize),
		missed: atomic.NewUint64(0),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	b.subs.Store(sub.id, sub)
	return sub
}

// Subscribers returns the number of live subscriptions.
func (b *Bus[M]) Subscribers() int {
	return b.subs.Size()
}

// Close is a terminal signal to every subscriber.
func (b *Bus[M]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.subs.Range(func(id uint64, sub *Subscription[M]) bool {
		sub.closeLocked()
		b.subs.Delete(id)
		return true
	})
}

type Subscription[M any] struct {
	id     uint64
	bus    *Bus[M]
	ch     chan M
	missed *atomic.Uint64
	// closed is guarded by bus.mu.
	closed bool
}

// Recv blocks until a message is available, the subscriber lagged, the bus is closed or ctx
// is done.
func (s *Subscription[M]) Recv(ctx context.Context) (M, error) {
	var zero M
	if n := s.missed.Swap(0); n > 0 {
		s.drain()
		return zero, &LaggedError{Missed: n}
	}
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case msg, ok := <-s.ch:
		if !ok {
			return zero, ErrClosed
		}
		if n := s.missed.Swap(0); n > 0 {
			// msg is older than what was dropped
			s.drain()
			return zero, &LaggedError{Missed: n + 1}
		}
		return msg, nil
	}
}

func (s *Subscription[M]) drain() {
	for {
		select {
		case _, ok := <-s.ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Close unsubscribes. Buffered messages can still be received until ErrClosed.
func (s *Subscription[M]) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.subs.Delete(s.id)
	s.closeLocked()
}

func (s *Subscription[M]) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
