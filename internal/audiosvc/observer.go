// Package audiosvc mirrors the default microphone's mute state onto the keyboard LED.
package audiosvc

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

var errNoServer = errors.New("no user sound server found")

type Store interface {
	SetMicMute(on bool)
}

var defaultOptions = observerOptions{
	runDir:          "/run/user",
	lookupHome:      LookupHome,
	initialInterval: time.Second,
	maxInterval:     30 * time.Second,
}

type observerOptions struct {
	runDir          string
	lookupHome      func(uid string) (string, error)
	initialInterval time.Duration
	maxInterval     time.Duration
}

type Option func(*observerOptions)

func WithRunDir(dir string) Option {
	return func(o *observerOptions) {
		o.runDir = dir
	}
}

func WithHomeLookup(fn func(uid string) (string, error)) Option {
	return func(o *observerOptions) {
		o.lookupHome = fn
	}
}

func WithBackoff(initial, max time.Duration) Option {
	return func(o *observerOptions) {
		o.initialInterval = initial
		o.maxInterval = max
	}
}

// Observer follows the sound server and writes the desired mic mute state to the store. The
// LED is cleared whenever the connection is lost.
type Observer struct {
	log     *zap.Logger
	options observerOptions
	client  Client
	store   Store
}

func NewObserver(log *zap.Logger, client Client, store Store, opts ...Option) *Observer {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Observer{
		log:     log,
		options: options,
		client:  client,
		store:   store,
	}
}

func (o *Observer) Start(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.options.initialInterval
	b.MaxInterval = o.options.maxInterval
	b.MaxElapsedTime = 0

	o.log.Info("Audio mute observer started")
	err := backoff.RetryNotify(func() error {
		if ctx.Err() != nil {
			return nil
		}
		target, ok := FindTarget(o.options.runDir, o.options.lookupHome)
		if !ok {
			return errNoServer
		}
		connected, err := o.follow(ctx, target)
		o.store.SetMicMute(false)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			b.Reset()
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		if errors.Is(err, errNoServer) {
			o.log.Debug("Waiting for a sound server", zap.Duration("retryIn", next))
			return
		}
		o.log.Warn("Lost the sound server", zap.Error(err), zap.Duration("retryIn", next))
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// follow tracks one server connection. connected reports whether the initial query succeeded.
func (o *Observer) follow(ctx context.Context, target Target) (connected bool, err error) {
	muted, err := o.client.SourceMuted(ctx, target)
	if err != nil {
		return false, err
	}
	o.log.Info("Connected to sound server", zap.Int("uid", target.UID), zap.String("server", target.Server), zap.Bool("muted", muted))
	o.store.SetMicMute(muted)

	err = o.client.Subscribe(ctx, target, func(line string) {
		if !IsSourceEvent(line) {
			return
		}
		muted, err := o.client.SourceMuted(ctx, target)
		if err != nil {
			o.log.Warn("Failed to query mic mute", zap.Error(err))
			return
		}
		o.store.SetMicMute(muted)
	})
	return true, err
}
