// Package hotplug supervises the keyboard endpoints of one transport: it discovers them, runs one
// session per endpoint and tears sessions down when the device goes away.
package hotplug

import (
	"context"
	"errors"

	"github.com/zenduo/duod/internal/keymap"
	"github.com/zenduo/duod/internal/state"
	"github.com/zenduo/duod/pkg/bus"
)

var (
	// ErrDeviceGone ends a session: the endpoint disappeared or its handle was closed.
	ErrDeviceGone = errors.New("device gone")
	// ErrWouldBlock means no input was available yet.
	ErrWouldBlock = errors.New("no input available")
	// ErrNotTarget is returned by Transport.Open for endpoints that are not the keyboard.
	ErrNotTarget = errors.New("not a target device")
)

// Device is an opened keyboard endpoint.
type Device interface {
	Name() string
	ReadKey() (keymap.Code, error)
	SendBacklight(ctx context.Context, level state.Level) error
	SendMicMute(ctx context.Context, on bool) error
	Close() error
}

// Transport discovers and opens keyboard endpoints. Endpoints are device node paths.
type Transport interface {
	Name() string
	Probe(ctx context.Context) ([]string, error)
	// Watch blocks until ctx is done and calls found for every endpoint that may have appeared.
	Watch(ctx context.Context, found func(endpoint string)) error
	Open(endpoint string) (Device, error)
}

type Store interface {
	Backlight() state.Level
	MicMute() bool
	SetKeyboardAttached(attached bool)
}

type Translator interface {
	Handle(code keymap.Code)
	ReleaseAll()
}

type Events interface {
	Subscribe() *bus.Subscription[state.Event]
}

// Ledger records every session that was started.
type Ledger interface {
	RecordSession(transport, endpoint, name string) error
}
