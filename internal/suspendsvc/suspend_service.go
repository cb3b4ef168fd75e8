// Package suspendsvc follows logind sleep notifications.
package suspendsvc

import (
	"context"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const prepareForSleep = "org.freedesktop.login1.Manager.PrepareForSleep"

type Store interface {
	SetSuspended(suspended bool)
}

type Service struct {
	log   *zap.Logger
	store Store
}

func New(log *zap.Logger, store Store) *Service {
	return &Service{
		log:   log,
		store: store,
	}
}

// Start listens for PrepareForSleep until ctx is done. Without a system bus it logs and returns
// nil; the pipe commands remain available to sleep hooks.
func (s *Service) Start(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		s.log.Warn("System bus unavailable, suspend tracking disabled", zap.Error(err))
		return nil
	}
	defer conn.Close()

	err = conn.AddMatchSignal(
		dbus.WithMatchObjectPath("/org/freedesktop/login1"),
		dbus.WithMatchInterface("org.freedesktop.login1.Manager"),
		dbus.WithMatchMember("PrepareForSleep"),
	)
	if err != nil {
		s.log.Warn("Failed to subscribe to PrepareForSleep", zap.Error(err))
		return nil
	}
	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	s.log.Info("Suspend observer started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok || sig == nil {
				s.log.Warn("System bus connection closed")
				return nil
			}
			s.handleSignal(sig)
		}
	}
}

func (s *Service) handleSignal(sig *dbus.Signal) {
	if sig.Name != prepareForSleep || len(sig.Body) < 1 {
		return
	}
	entering, ok := sig.Body[0].(bool)
	if !ok {
		s.log.Debug("Malformed PrepareForSleep signal", zap.Any("body", sig.Body))
		return
	}
	s.log.Info("Sleep notification", zap.Bool("entering", entering))
	s.store.SetSuspended(entering)
}
