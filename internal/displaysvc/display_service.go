// Package displaysvc keeps the secondary panel in the state the store wants and mirrors the
// primary panel's brightness onto it.
package displaysvc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/zenduo/duod/internal/state"
	"github.com/zenduo/duod/pkg/bus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Store interface {
	IsSecondaryDisplayEnabled() bool
	Snapshot() state.Snapshot
}

type Events interface {
	Subscribe() *bus.Subscription[state.Event]
}

type Paths struct {
	Status             string
	PrimaryBacklight   string
	SecondaryBacklight string
}

var defaultOptions = serviceOptions{
	interval: 500 * time.Millisecond,
}

type serviceOptions struct {
	interval time.Duration
}

type Option func(*serviceOptions)

// WithInterval sets the period of the state reconciler and of the brightness mirror.
func WithInterval(d time.Duration) Option {
	return func(o *serviceOptions) {
		o.interval = d
	}
}

type Service struct {
	log     *zap.Logger
	options serviceOptions
	paths   Paths
	store   Store
	events  Events
	ready   chan struct{}

	lastBrightness string
}

func New(log *zap.Logger, paths Paths, store Store, events Events, opts ...Option) *Service {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		log:     log,
		options: options,
		paths:   paths,
		store:   store,
		events:  events,
		ready:   make(chan struct{}),
	}
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

func (s *Service) Start(ctx context.Context) error {
	sub := s.events.Subscribe()
	defer sub.Close()

	s.apply(s.store.IsSecondaryDisplayEnabled())
	close(s.ready)
	s.log.Info("Display service started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.relay(ctx, sub)
	})
	g.Go(func() error {
		return s.reconcileLoop(ctx)
	})
	return g.Wait()
}

func (s *Service) relay(ctx context.Context, sub *bus.Subscription[state.Event]) error {
	for {
		event, err := sub.Recv(ctx)
		var lagged *bus.LaggedError
		switch {
		case err == nil:
			if event.Kind == state.EventSecondaryDisplay {
				s.apply(event.Enabled)
			}
		case errors.As(err, &lagged):
			s.log.Warn("Display relay lagged, resynchronizing", zap.Uint64("missed", lagged.Missed))
			s.apply(s.store.IsSecondaryDisplayEnabled())
		default:
			return nil
		}
	}
}

func (s *Service) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.options.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Reconcile()
			s.MirrorBrightness()
		}
	}
}

// Reconcile rewrites the panel state when it drifted from the desired one, as happens after
// resume.
func (s *Service) Reconcile() {
	snapshot := s.store.Snapshot()
	desired := snapshot.SecondaryDisplayEnabled
	actual, err := s.readStatus()
	if err != nil {
		s.log.Debug("Failed to read secondary display status", zap.Error(err))
	}
	if actual == desired {
		return
	}
	s.log.Warn("Secondary display is not in the desired state",
		zap.Bool("actual", actual),
		zap.Bool("desired", desired),
		zap.Bool("keyboardAttached", snapshot.KeyboardAttached),
		zap.Bool("suspended", snapshot.Suspended),
	)
	s.apply(desired)
}

// MirrorBrightness copies the primary panel brightness to the secondary one when it changed.
func (s *Service) MirrorBrightness() {
	b, err := os.ReadFile(s.paths.PrimaryBacklight)
	if err != nil {
		s.log.Debug("Failed to read primary brightness", zap.Error(err))
		return
	}
	brightness := strings.TrimSpace(string(b))
	if brightness == s.lastBrightness {
		return
	}
	if err := os.WriteFile(s.paths.SecondaryBacklight, []byte(brightness), 0o644); err != nil {
		s.log.Warn("Failed to set secondary brightness", zap.Error(err))
		return
	}
	s.lastBrightness = brightness
}

func (s *Service) apply(enabled bool) {
	value := "off"
	if enabled {
		value = "on"
	}
	if err := os.WriteFile(s.paths.Status, []byte(value), 0o644); err != nil {
		s.log.Warn("Failed to control secondary display", zap.String("status", value), zap.Error(err))
		return
	}
	s.log.Debug("Secondary display updated", zap.String("status", value))
}

func (s *Service) readStatus() (bool, error) {
	b, err := os.ReadFile(s.paths.Status)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", s.paths.Status, err)
	}
	return ParseStatus(string(b)), nil
}

// ParseStatus reports whether a DRM connector status means the panel is powered.
func ParseStatus(status string) bool {
	switch strings.TrimSpace(status) {
	case "on", "connected":
		return true
	}
	return false
}
