package idlesvc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/holoplot/go-evdev"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/zenduo/duod/internal/hotplug"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// InputReader is an opened evdev node.
type InputReader interface {
	Name() (string, error)
	ReadOne() (*evdev.InputEvent, error)
	Close() error
}

type OpenFunc func(path string) (InputReader, error)

func openEvdev(path string) (InputReader, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

var defaultMonitorOptions = monitorOptions{
	dir:        "/dev/input",
	open:       openEvdev,
	retryDelay: 100 * time.Millisecond,
}

type monitorOptions struct {
	dir        string
	open       OpenFunc
	retryDelay time.Duration
}

type MonitorOption func(*monitorOptions)

func WithInputDir(dir string) MonitorOption {
	return func(o *monitorOptions) {
		o.dir = dir
	}
}

// WithRetryDelay sets the pause after a failed read that did not end the device.
func WithRetryDelay(d time.Duration) MonitorOption {
	return func(o *monitorOptions) {
		o.retryDelay = d
	}
}

func WithOpenFunc(open OpenFunc) MonitorOption {
	return func(o *monitorOptions) {
		o.open = open
	}
}

// Monitor pulses the notifier on every input event of the keyboard, over any transport.
type Monitor struct {
	log      *zap.Logger
	options  monitorOptions
	name     string
	notifier *Notifier

	readers *xsync.MapOf[string, InputReader]
	wg      sync.WaitGroup
}

// NewMonitor watches every evdev node whose name contains name.
func NewMonitor(log *zap.Logger, name string, notifier *Notifier, opts ...MonitorOption) *Monitor {
	options := defaultMonitorOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Monitor{
		log:      log,
		options:  options,
		name:     name,
		notifier: notifier,
		readers:  xsync.NewMapOf[string, InputReader](),
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	defer m.wg.Wait()
	defer m.closeAll()

	paths, err := hotplug.ListDir(m.options.dir, "event")
	if err != nil {
		m.log.Warn("Failed to list input devices", zap.Error(err))
	}
	for _, path := range paths {
		m.tryListen(ctx, path)
	}
	return hotplug.WatchDir(ctx, m.log, m.options.dir, "event", func(path string) {
		m.tryListen(ctx, path)
	})
}

// Watching lists the nodes currently listened to.
func (m *Monitor) Watching() []string {
	var paths []string
	m.readers.Range(func(path string, _ InputReader) bool {
		paths = append(paths, path)
		return true
	})
	return paths
}

func (m *Monitor) tryListen(ctx context.Context, path string) {
	if _, ok := m.readers.Load(path); ok {
		return
	}
	r, err := m.options.open(path)
	if err != nil {
		m.log.Debug("Failed to open input device", zap.String("path", path), zap.Error(err))
		return
	}
	name, err := r.Name()
	if err != nil || !strings.Contains(name, m.name) {
		r.Close()
		return
	}
	if _, loaded := m.readers.LoadOrStore(path, r); loaded {
		r.Close()
		return
	}
	m.log.Info("Listening for keyboard activity", zap.String("path", path), zap.String("name", name))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.listen(ctx, path, r)
	}()
}

func (m *Monitor) listen(ctx context.Context, path string, r InputReader) {
	defer func() {
		if _, ok := m.readers.LoadAndDelete(path); ok {
			r.Close()
		}
	}()
	for {
		_, err := r.ReadOne()
		if err == nil {
			m.notifier.Notify()
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if gone(path, err) {
			m.log.Info("Keyboard input node gone, stopping idle listener", zap.String("path", path))
			return
		}
		m.log.Warn("Failed to read input event", zap.String("path", path), zap.Error(err))
		timer := time.NewTimer(m.options.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func gone(path string, err error) bool {
	if errors.Is(err, unix.ENODEV) || errors.Is(err, os.ErrClosed) {
		return true
	}
	_, statErr := os.Stat(filepath.Clean(path))
	return errors.Is(statErr, os.ErrNotExist)
}

func (m *Monitor) closeAll() {
	m.readers.Range(func(path string, r InputReader) bool {
		if _, ok := m.readers.LoadAndDelete(path); ok {
			r.Close()
		}
		return true
	})
}
