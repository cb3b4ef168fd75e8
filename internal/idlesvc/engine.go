// Package idlesvc detects keyboard inactivity and drives the store's idle flag.
package idlesvc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Notifier is the activity pulse source. Pulses coalesce: any number of pulses delivered before
// the engine wakes up count as one.
type Notifier struct {
	pulses    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewNotifier() *Notifier {
	return &Notifier{
		pulses: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Notify reports activity. It never blocks and is a no-op after Close.
func (n *Notifier) Notify() {
	select {
	case <-n.done:
		return
	default:
	}
	select {
	case n.pulses <- struct{}{}:
	default:
	}
}

// Close ends the engine consuming this notifier.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() {
		close(n.done)
	})
}

type Store interface {
	SetIdle(idle bool)
}

// Engine flips the store to idle after timeout without pulses and back on the next pulse.
type Engine struct {
	log      *zap.Logger
	timeout  time.Duration
	notifier *Notifier
	store    Store
}

// NewEngine creates an engine. A zero timeout disables idle detection.
func NewEngine(log *zap.Logger, timeout time.Duration, notifier *Notifier, store Store) *Engine {
	return &Engine{
		log:      log,
		timeout:  timeout,
		notifier: notifier,
		store:    store,
	}
}

// Start runs until ctx is done or the notifier is closed.
func (e *Engine) Start(ctx context.Context) error {
	if e.timeout <= 0 {
		e.log.Info("Idle detection disabled")
		return e.drain(ctx)
	}
	e.log.Info("Idle detection started", zap.Duration("timeout", e.timeout))

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()
	idle := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.notifier.done:
			e.log.Info("Activity source closed, stopping idle detection")
			return nil
		case <-e.notifier.pulses:
			if idle {
				idle = false
				e.log.Debug("Idle ended")
				e.store.SetIdle(false)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.timeout)
		case <-timer.C:
			if !idle {
				idle = true
				e.log.Debug("Idle detected")
				e.store.SetIdle(true)
			}
		}
	}
}

func (e *Engine) drain(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.notifier.done:
			return nil
		case <-e.notifier.pulses:
		}
	}
}
