// Package usbkbd talks to the wired keyboard through its vendor HID interface.
package usbkbd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sstallion/go-hid"
	"github.com/zenduo/duod/internal/hotplug"
	"github.com/zenduo/duod/internal/keymap"
	"github.com/zenduo/duod/internal/state"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const VendorID uint16 = 0x0b05

var defaultOptions = transportOptions{
	iface:       4,
	devDir:      "/dev",
	settleDelay: 250 * time.Millisecond,
	readTimeout: 500 * time.Millisecond,
}

type transportOptions struct {
	iface       int
	devDir      string
	settleDelay time.Duration
	readTimeout time.Duration
}

type Option func(*transportOptions)

// WithDevDir sets the directory watched for hidraw nodes.
func WithDevDir(dir string) Option {
	return func(o *transportOptions) {
		o.devDir = dir
	}
}

// WithSettleDelay sets how long to wait after a hidraw node appears before enumerating.
func WithSettleDelay(d time.Duration) Option {
	return func(o *transportOptions) {
		o.settleDelay = d
	}
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *transportOptions) {
		o.readTimeout = d
	}
}

// Transport finds the keyboard's function-key interface among hidraw devices.
type Transport struct {
	log       *zap.Logger
	options   transportOptions
	vendorID  uint16
	productID uint16
}

func New(log *zap.Logger, vendorID, productID uint16, opts ...Option) (*Transport, error) {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	if err := hid.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize hidapi: %w", err)
	}
	return &Transport{
		log:       log,
		options:   options,
		vendorID:  vendorID,
		productID: productID,
	}, nil
}

func (t *Transport) Name() string {
	return "usb"
}

func (t *Transport) Close() error {
	return hid.Exit()
}

func (t *Transport) enumerate() (map[string]hid.DeviceInfo, error) {
	devices := make(map[string]hid.DeviceInfo)
	err := hid.Enumerate(t.vendorID, t.productID, func(info *hid.DeviceInfo) error {
		if info.InterfaceNbr == t.options.iface {
			devices[info.Path] = *info
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate HID devices: %w", err)
	}
	return devices, nil
}

// Probe returns the hidraw paths of the function-key interface of every attached keyboard.
func (t *Transport) Probe(ctx context.Context) ([]string, error) {
	devices, err := t.enumerate()
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(devices))
	for path := range devices {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

// Attached reports whether a wired keyboard is present right now.
func (t *Transport) Attached(ctx context.Context) bool {
	paths, err := t.Probe(ctx)
	if err != nil {
		t.log.Warn("Failed to probe wired keyboard", zap.Error(err))
		return false
	}
	return len(paths) > 0
}

// Watch re-probes whenever a hidraw node appears.
func (t *Transport) Watch(ctx context.Context, found func(endpoint string)) error {
	return hotplug.WatchDir(ctx, t.log, t.options.devDir, "hidraw", func(string) {
		timer := time.NewTimer(t.options.settleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		paths, err := t.Probe(ctx)
		if err != nil {
			t.log.Warn("Failed to probe after hidraw arrival", zap.Error(err))
			return
		}
		for _, path := range paths {
			found(path)
		}
	})
}

func (t *Transport) Open(endpoint string) (hotplug.Device, error) {
	devices, err := t.enumerate()
	if err != nil {
		return nil, err
	}
	info, ok := devices[endpoint]
	if !ok {
		return nil, hotplug.ErrNotTarget
	}
	dev, err := hid.OpenPath(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", endpoint, err)
	}
	if _, err := dev.SendFeatureReport(FnLockReport()); err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to enable function keys: %w", err)
	}
	name := info.ProductStr
	if name == "" {
		name = fmt.Sprintf("%04x:%04x", info.VendorID, info.ProductID)
	}
	t.log.Info("Opened wired keyboard", zap.String("path", endpoint), zap.String("name", name))
	return &device{
		log:         t.log.With(zap.String("path", endpoint)),
		path:        endpoint,
		name:        name,
		dev:         dev,
		readTimeout: t.options.readTimeout,
		buf:         make([]byte, 64),
		closed:      atomic.NewBool(false),
	}, nil
}

type device struct {
	log         *zap.Logger
	path        string
	name        string
	readTimeout time.Duration

	readMu sync.Mutex
	buf    []byte

	writeMu sync.Mutex
	dev     *hid.Device

	closeOnce sync.Once
	closed    *atomic.Bool
}

func (d *device) Name() string {
	return d.name
}

func (d *device) ReadKey() (keymap.Code, error) {
	if d.closed.Load() {
		return 0, hotplug.ErrDeviceGone
	}
	d.readMu.Lock()
	defer d.readMu.Unlock()
	n, err := d.dev.ReadWithTimeout(d.buf, d.readTimeout)
	switch {
	case errors.Is(err, hid.ErrTimeout):
		return 0, hotplug.ErrWouldBlock
	case err != nil:
		if d.closed.Load() || d.nodeGone() {
			return 0, hotplug.ErrDeviceGone
		}
		return 0, fmt.Errorf("failed to read report: %w", err)
	case n == 0:
		return 0, hotplug.ErrWouldBlock
	}
	code, ok := DecodeReport(d.buf[:n])
	if !ok {
		d.log.Debug("Unknown report", zap.Binary("report", d.buf[:n]))
		return keymap.CodeUnknown, nil
	}
	return code, nil
}

func (d *device) nodeGone() bool {
	_, err := os.Stat(d.path)
	return errors.Is(err, os.ErrNotExist)
}

func (d *device) SendBacklight(ctx context.Context, level state.Level) error {
	return d.send(ctx, BacklightReport(level))
}

func (d *device) SendMicMute(ctx context.Context, on bool) error {
	return d.send(ctx, MicMuteReport(on))
}

// send writes a feature report, giving up waiting once ctx is done.
func (d *device) send(ctx context.Context, report []byte) error {
	errc := make(chan error, 1)
	go func() {
		d.writeMu.Lock()
		defer d.writeMu.Unlock()
		if d.closed.Load() {
			errc <- hotplug.ErrDeviceGone
			return
		}
		_, err := d.dev.SendFeatureReport(report)
		errc <- err
	}()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("failed to send feature report: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close waits for the in-flight read (bounded by the read timeout) and write.
func (d *device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.readMu.Lock()
		defer d.readMu.Unlock()
		d.writeMu.Lock()
		defer d.writeMu.Unlock()
		err = d.dev.Close()
	})
	return err
}
