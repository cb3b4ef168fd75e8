// Package btkbd reads function keys of the keyboard when it is paired over Bluetooth.
package btkbd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/holoplot/go-evdev"
	"github.com/zenduo/duod/internal/hotplug"
	"github.com/zenduo/duod/internal/keymap"
	"github.com/zenduo/duod/internal/state"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// InputDevice is an opened evdev node.
type InputDevice interface {
	Name() (string, error)
	ReadOne() (*evdev.InputEvent, error)
	Close() error
}

type OpenFunc func(path string) (InputDevice, error)

func openEvdev(path string) (InputDevice, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

var defaultOptions = transportOptions{
	inputDir: "/dev/input",
	open:     openEvdev,
}

type transportOptions struct {
	inputDir string
	open     OpenFunc
}

type Option func(*transportOptions)

func WithInputDir(dir string) Option {
	return func(o *transportOptions) {
		o.inputDir = dir
	}
}

func WithOpenFunc(open OpenFunc) Option {
	return func(o *transportOptions) {
		o.open = open
	}
}

// Transport matches evdev nodes by exact device name. Over USB the keyboard exposes differently
// named nodes, so only the Bluetooth connection matches.
type Transport struct {
	log     *zap.Logger
	options transportOptions
	name    string
}

func New(log *zap.Logger, name string, opts ...Option) *Transport {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Transport{
		log:     log,
		options: options,
		name:    name,
	}
}

func (t *Transport) Name() string {
	return "bluetooth"
}

// Probe lists candidate nodes. Name matching happens in Open.
func (t *Transport) Probe(ctx context.Context) ([]string, error) {
	return hotplug.ListDir(t.options.inputDir, "event")
}

func (t *Transport) Watch(ctx context.Context, found func(endpoint string)) error {
	return hotplug.WatchDir(ctx, t.log, t.options.inputDir, "event", found)
}

func (t *Transport) Open(endpoint string) (hotplug.Device, error) {
	info, err := os.Stat(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", endpoint, err)
	}
	if info.IsDir() {
		return nil, hotplug.ErrNotTarget
	}
	dev, err := t.options.open(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", endpoint, err)
	}
	name, err := dev.Name()
	if err != nil || name != t.name {
		dev.Close()
		return nil, hotplug.ErrNotTarget
	}
	t.log.Info("Opened Bluetooth keyboard", zap.String("path", endpoint))
	return &device{
		log:  t.log.With(zap.String("path", endpoint)),
		path: endpoint,
		name: name,
		dev:  dev,
	}, nil
}

type device struct {
	log  *zap.Logger
	path string
	name string
	dev  InputDevice
}

func (d *device) Name() string {
	return d.name
}

// ReadKey skips every event except ABS_MISC, which carries the function-key code.
func (d *device) ReadKey() (keymap.Code, error) {
	for {
		event, err := d.dev.ReadOne()
		if err != nil {
			return 0, d.classify(err)
		}
		if event.Type == evdev.EV_ABS && event.Code == evdev.ABS_MISC {
			return keymap.Code(event.Value), nil
		}
	}
}

func (d *device) classify(err error) error {
	switch {
	case errors.Is(err, unix.EAGAIN):
		return hotplug.ErrWouldBlock
	case errors.Is(err, unix.ENODEV), errors.Is(err, os.ErrClosed):
		return hotplug.ErrDeviceGone
	}
	if _, statErr := os.Stat(d.path); errors.Is(statErr, os.ErrNotExist) {
		return hotplug.ErrDeviceGone
	}
	return fmt.Errorf("failed to read input event: %w", err)
}

// SendBacklight is not supported over Bluetooth.
func (d *device) SendBacklight(ctx context.Context, level state.Level) error {
	d.log.Debug("Backlight control is unavailable over Bluetooth", zap.Stringer("level", level))
	return nil
}

// SendMicMute is not supported over Bluetooth.
func (d *device) SendMicMute(ctx context.Context, on bool) error {
	d.log.Debug("Mic mute LED control is unavailable over Bluetooth", zap.Bool("on", on))
	return nil
}

func (d *device) Close() error {
	return d.dev.Close()
}
