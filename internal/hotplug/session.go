package hotplug

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zenduo/duod/internal/state"
	"github.com/zenduo/duod/pkg/bus"
	"go.uber.org/zap"
)

// Session drives one opened endpoint. Its context is the shutdown signal: cancelling it stops the
// relay and the read loop, and closes the device handle.
type Session struct {
	ctx      context.Context
	cancel   context.CancelFunc
	log      *zap.Logger
	sup      *Supervisor
	endpoint string
	device   Device

	closeOnce sync.Once
}

func newSession(ctx context.Context, cancel context.CancelFunc, log *zap.Logger, sup *Supervisor, endpoint string, device Device) *Session {
	return &Session{
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
		sup:      sup,
		endpoint: endpoint,
		device:   device,
	}
}

func (s *Session) run() {
	defer s.closeDevice()
	defer s.cancel()
	stop := context.AfterFunc(s.ctx, s.closeDevice)
	defer stop()

	// Subscribe before reading the store so no change between the two is lost.
	sub := s.sup.events.Subscribe()
	defer sub.Close()

	s.log.Info("Keyboard session started", zap.String("name", s.device.Name()))
	if s.sup.options.attachTracking {
		s.sup.sessionAttached()
	}
	s.restore()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.relay(sub)
	}()

	gone := s.readLoop()
	s.cancel()
	wg.Wait()

	if s.sup.options.attachTracking {
		s.sup.sessionDetached(gone)
	}
	s.log.Info("Keyboard session stopped", zap.Bool("deviceGone", gone))
}

// readLoop returns true when the device went away and false when the session was shut down.
func (s *Session) readLoop() bool {
	for {
		code, err := s.device.ReadKey()
		if s.ctx.Err() != nil {
			return false
		}
		switch {
		case err == nil:
			s.sup.translator.Handle(code)
		case errors.Is(err, ErrWouldBlock):
			s.sleep(s.sup.options.wouldBlockDelay)
		case errors.Is(err, ErrDeviceGone):
			s.log.Info("Keyboard disconnected")
			s.sup.translator.ReleaseAll()
			return true
		default:
			s.log.Warn("Read failed", zap.Error(err))
			s.sleep(s.sup.options.retryDelay)
		}
	}
}

func (s *Session) relay(sub *bus.Subscription[state.Event]) {
	for {
		event, err := sub.Recv(s.ctx)
		var lagged *bus.LaggedError
		switch {
		case err == nil:
		case errors.As(err, &lagged):
			s.log.Warn("Event relay lagged, resynchronizing", zap.Uint64("missed", lagged.Missed))
			s.restore()
			continue
		default:
			return
		}
		switch event.Kind {
		case state.EventBacklight:
			s.sendBacklight(event.Backlight)
		case state.EventMicMuteLed:
			s.sendMicMute(event.Enabled)
		}
	}
}

// restore pushes the current effective lights to the device.
func (s *Session) restore() {
	s.sendBacklight(s.sup.store.Backlight())
	s.sendMicMute(s.sup.store.MicMute())
}

func (s *Session) sendBacklight(level state.Level) {
	ctx, cancel := context.WithTimeout(s.ctx, s.sup.options.writeTimeout)
	defer cancel()
	if err := s.device.SendBacklight(ctx, level); err != nil {
		s.log.Warn("Failed to set backlight", zap.Stringer("level", level), zap.Error(err))
	}
}

func (s *Session) sendMicMute(on bool) {
	ctx, cancel := context.WithTimeout(s.ctx, s.sup.options.writeTimeout)
	defer cancel()
	if err := s.device.SendMicMute(ctx, on); err != nil {
		s.log.Warn("Failed to set mic mute LED", zap.Bool("on", on), zap.Error(err))
	}
}

func (s *Session) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
	case <-t.C:
	}
}

func (s *Session) closeDevice() {
	s.closeOnce.Do(func() {
		if err := s.device.Close(); err != nil {
			s.log.Debug("Failed to close device", zap.Error(err))
		}
	})
}
