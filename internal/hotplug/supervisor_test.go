package hotplug

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/holoplot/go-evdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zenduo/duod/internal/keymap"
	"github.com/zenduo/duod/internal/state"
	"github.com/zenduo/duod/internal/vkbd"
	"github.com/zenduo/duod/pkg/bus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type readResult struct {
	code keymap.Code
	err  error
}

type fakeDevice struct {
	name  string
	reads chan readResult

	closeOnce sync.Once
	closed    chan struct{}

	gate chan struct{}

	mu        sync.Mutex
	backlight []state.Level
	micMute   []bool
}

func newFakeDevice(name string) *fakeDevice {
	return &fakeDevice{
		name:   name,
		reads:  make(chan readResult, 16),
		closed: make(chan struct{}),
	}
}

func (d *fakeDevice) Name() string { return d.name }

func (d *fakeDevice) ReadKey() (keymap.Code, error) {
	select {
	case r := <-d.reads:
		return r.code, r.err
	case <-d.closed:
		return 0, ErrDeviceGone
	}
}

func (d *fakeDevice) SendBacklight(ctx context.Context, level state.Level) error {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backlight = append(d.backlight, level)
	return nil
}

func (d *fakeDevice) SendMicMute(ctx context.Context, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.micMute = append(d.micMute, on)
	return nil
}

func (d *fakeDevice) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDevice) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

func (d *fakeDevice) lastBacklight() (state.Level, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.backlight) == 0 {
		return state.LevelOff, false
	}
	return d.backlight[len(d.backlight)-1], true
}

func (d *fakeDevice) lastMicMute() (bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.micMute) == 0 {
		return false, false
	}
	return d.micMute[len(d.micMute)-1], true
}

type fakeTransport struct {
	probe    []string
	arrivals chan string
	devices  map[string]*fakeDevice
	opens    *atomic.Int32
}

func newFakeTransport(devices map[string]*fakeDevice, probe ...string) *fakeTransport {
	return &fakeTransport{
		probe:    probe,
		arrivals: make(chan string),
		devices:  devices,
		opens:    atomic.NewInt32(0),
	}
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) Probe(ctx context.Context) ([]string, error) {
	return t.probe, nil
}

func (t *fakeTransport) Watch(ctx context.Context, found func(string)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case endpoint := <-t.arrivals:
			found(endpoint)
		}
	}
}

func (t *fakeTransport) Open(endpoint string) (Device, error) {
	t.opens.Inc()
	dev, ok := t.devices[endpoint]
	if !ok {
		return nil, ErrNotTarget
	}
	return dev, nil
}

type fakeTranslator struct {
	mu      sync.Mutex
	entries []string
}

func (f *fakeTranslator) Handle(code keymap.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key, ok := keymap.Lookup(code); ok {
		f.entries = append(f.entries, string(key))
		return
	}
	f.entries = append(f.entries, "release")
}

func (f *fakeTranslator) ReleaseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, "release")
}

func (f *fakeTranslator) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.entries...)
}

type fakeLedger struct {
	mu       sync.Mutex
	sessions []string
}

func (l *fakeLedger) RecordSession(transport, endpoint, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions = append(l.sessions, transport+":"+endpoint+":"+name)
	return nil
}

type harness struct {
	bus        *bus.Bus[state.Event]
	store      *state.Store
	translator *fakeTranslator
	sup        *Supervisor
	cancel     context.CancelFunc
	done       chan error
}

func startHarness(t *testing.T, transport Transport, busOpts []bus.Option, opts ...Option) *harness {
	t.Helper()
	b := bus.NewBus[state.Event](zap.NewNop(), busOpts...)
	store := state.NewStore(zap.NewNop(), b, false)
	tr := &fakeTranslator{}
	opts = append([]Option{WithRetryDelays(time.Millisecond, time.Millisecond)}, opts...)
	sup := NewSupervisor(zap.NewNop(), transport, store, b, tr, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{bus: b, store: store, translator: tr, sup: sup, cancel: cancel, done: make(chan error, 1)}
	go func() {
		h.done <- sup.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		b.Close()
	})
	select {
	case <-sup.Ready():
	case <-time.After(time.Second):
		t.Fatal("supervisor not ready")
	}
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestDuplicateArrivalIsRejected(t *testing.T) {
	dev := newFakeDevice("kbd")
	transport := newFakeTransport(map[string]*fakeDevice{"/dev/hidraw3": dev}, "/dev/hidraw3")
	ledger := &fakeLedger{}
	h := startHarness(t, transport, nil, WithLedger(ledger))

	transport.arrivals <- "/dev/hidraw3"
	transport.arrivals <- "/dev/hidraw3"

	assert.Equal(t, []string{"/dev/hidraw3"}, h.sup.Sessions())
	assert.Equal(t, int32(1), transport.opens.Load())
	assert.Equal(t, []string{"fake:/dev/hidraw3:kbd"}, ledger.sessions)
	h.stop(t)
	assert.True(t, dev.isClosed())
	assert.Empty(t, h.sup.Sessions())
}

func TestNonTargetEndpointsAreSkipped(t *testing.T) {
	transport := newFakeTransport(map[string]*fakeDevice{}, "/dev/input/event1")
	h := startHarness(t, transport, nil)
	transport.arrivals <- "/dev/input/event2"
	assert.Empty(t, h.sup.Sessions())
	assert.Equal(t, int32(2), transport.opens.Load())
	h.stop(t)
}

func TestWiredKeypressThenUnplug(t *testing.T) {
	dev := newFakeDevice("kbd")
	transport := newFakeTransport(map[string]*fakeDevice{"/dev/hidraw3": dev}, "/dev/hidraw3")
	h := startHarness(t, transport, nil, WithAttachTracking())

	require.Eventually(t, h.store.IsKeyboardAttached, time.Second, time.Millisecond)
	assert.False(t, h.store.IsSecondaryDisplayEnabled())

	dev.reads <- readResult{code: keymap.CodeBrightnessUp}
	dev.reads <- readResult{err: ErrWouldBlock}
	dev.reads <- readResult{code: keymap.CodeNeutral}
	dev.reads <- readResult{err: errors.New("transfer stalled")}
	dev.reads <- readResult{err: ErrDeviceGone}

	require.Eventually(t, func() bool { return !h.store.IsKeyboardAttached() }, time.Second, time.Millisecond)
	assert.True(t, h.store.IsSecondaryDisplayEnabled())
	assert.Equal(t, []string{string(keymap.KeyBrightnessUp), "release", "release"}, h.translator.log())
	require.Eventually(t, func() bool { return len(h.sup.Sessions()) == 0 }, time.Second, time.Millisecond)
	assert.True(t, dev.isClosed())

	// the endpoint can be claimed again after the session ended
	again := newFakeDevice("kbd")
	transport.devices["/dev/hidraw4"] = again
	transport.arrivals <- "/dev/hidraw4"
	require.Eventually(t, h.store.IsKeyboardAttached, time.Second, time.Millisecond)
	h.stop(t)
}

func TestKeyboardStaysAttachedWhileAnyWiredSessionLives(t *testing.T) {
	first := newFakeDevice("kbd")
	second := newFakeDevice("kbd")
	transport := newFakeTransport(map[string]*fakeDevice{
		"/dev/hidraw3": first,
		"/dev/hidraw5": second,
	}, "/dev/hidraw3", "/dev/hidraw5")
	h := startHarness(t, transport, nil, WithAttachTracking())

	require.Eventually(t, func() bool { return len(h.sup.Sessions()) == 2 }, time.Second, time.Millisecond)
	assert.True(t, h.store.IsKeyboardAttached())
	assert.False(t, h.store.IsSecondaryDisplayEnabled())

	first.reads <- readResult{err: ErrDeviceGone}
	require.Eventually(t, func() bool {
		sessions := h.sup.Sessions()
		return len(sessions) == 1 && sessions[0] == "/dev/hidraw5"
	}, time.Second, time.Millisecond)
	assert.True(t, h.store.IsKeyboardAttached())
	assert.False(t, h.store.IsSecondaryDisplayEnabled())

	second.reads <- readResult{err: ErrDeviceGone}
	require.Eventually(t, func() bool { return !h.store.IsKeyboardAttached() }, time.Second, time.Millisecond)
	assert.True(t, h.store.IsSecondaryDisplayEnabled())
	h.stop(t)
}

type countingWriter struct {
	mu     sync.Mutex
	events []evdev.InputEvent
}

func (w *countingWriter) WriteOne(e *evdev.InputEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, *e)
	return nil
}

func (w *countingWriter) Close() error { return nil }

func (w *countingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func TestBacklightKeyThroughTranslator(t *testing.T) {
	b := bus.NewBus[state.Event](zap.NewNop())
	defer b.Close()
	store := state.NewStore(zap.NewNop(), b, false)
	writer := &countingWriter{}
	kbd := vkbd.NewWithWriter(zap.NewNop(), writer)
	translator := keymap.NewTranslator(zap.NewNop(), keymap.Default(), kbd, store, func(string) {})

	dev := newFakeDevice("kbd")
	transport := newFakeTransport(map[string]*fakeDevice{"/dev/hidraw3": dev}, "/dev/hidraw3")
	sup := NewSupervisor(zap.NewNop(), transport, store, b, translator, WithRetryDelays(time.Millisecond, time.Millisecond))

	sub := b.Subscribe()
	defer sub.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- sup.Start(ctx)
	}()
	<-sup.Ready()

	dev.reads <- readResult{code: keymap.CodeNeutral}
	dev.reads <- readResult{code: keymap.CodeKeyboardBacklight}
	dev.reads <- readResult{code: keymap.CodeNeutral}
	dev.reads <- readResult{err: ErrDeviceGone}
	require.Eventually(t, func() bool { return len(sup.Sessions()) == 0 && dev.isClosed() }, time.Second, time.Millisecond)

	recvCtx, recvCancel := context.WithTimeout(ctx, time.Second)
	event, err := sub.Recv(recvCtx)
	recvCancel()
	require.NoError(t, err)
	assert.Equal(t, state.BacklightEvent(state.LevelMedium), event)

	recvCtx, recvCancel = context.WithTimeout(ctx, 50*time.Millisecond)
	_, err = sub.Recv(recvCtx)
	recvCancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, state.LevelMedium, store.Backlight())
	assert.Zero(t, writer.count())

	cancel()
	assert.NoError(t, <-done)
}

func TestSessionRestoresAndRelaysLights(t *testing.T) {
	dev := newFakeDevice("kbd")
	transport := newFakeTransport(map[string]*fakeDevice{"/dev/hidraw3": dev}, "/dev/hidraw3")
	h := startHarness(t, transport, nil)

	require.Eventually(t, func() bool {
		level, ok := dev.lastBacklight()
		return ok && level == state.LevelLow
	}, time.Second, time.Millisecond)

	h.store.SetBacklight(state.LevelHigh)
	h.store.SetMicMute(true)
	require.Eventually(t, func() bool {
		level, _ := dev.lastBacklight()
		mute, _ := dev.lastMicMute()
		return level == state.LevelHigh && mute
	}, time.Second, time.Millisecond)

	h.store.SetIdle(true)
	require.Eventually(t, func() bool {
		level, _ := dev.lastBacklight()
		mute, _ := dev.lastMicMute()
		return level == state.LevelOff && !mute
	}, time.Second, time.Millisecond)
	h.stop(t)
}

func TestLaggingRelayResynchronizes(t *testing.T) {
	dev := newFakeDevice("kbd")
	transport := newFakeTransport(map[string]*fakeDevice{"/dev/hidraw3": dev}, "/dev/hidraw3")
	h := startHarness(t, transport, []bus.Option{bus.WithBufferSize(1)})

	require.Eventually(t, func() bool {
		_, ok := dev.lastBacklight()
		return ok
	}, time.Second, time.Millisecond)

	gate := make(chan struct{})
	dev.mu.Lock()
	dev.gate = gate
	dev.mu.Unlock()

	// the relay blocks on the first write while the rest overflow its buffer
	for i := 0; i < 6; i++ {
		h.store.ToggleBacklight()
	}
	dev.mu.Lock()
	dev.gate = nil
	dev.mu.Unlock()
	close(gate)

	require.Eventually(t, func() bool {
		level, _ := dev.lastBacklight()
		return level == h.store.Backlight()
	}, time.Second, time.Millisecond)
	h.stop(t)
}

func TestShutdownKeepsAttachment(t *testing.T) {
	dev := newFakeDevice("kbd")
	transport := newFakeTransport(map[string]*fakeDevice{"/dev/hidraw3": dev}, "/dev/hidraw3")
	h := startHarness(t, transport, nil, WithAttachTracking())
	require.Eventually(t, h.store.IsKeyboardAttached, time.Second, time.Millisecond)

	h.stop(t)
	assert.True(t, dev.isClosed())
	assert.True(t, h.store.IsKeyboardAttached())
}

func TestListAndWatchDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"hidraw1", "hidraw0", "event3"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	paths, err := ListDir(dir, "hidraw")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "hidraw0"), filepath.Join(dir, "hidraw1")}, paths)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	found := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- WatchDir(ctx, zap.NewNop(), dir, "hidraw", func(path string) { found <- path })
	}()

	// the watcher is registered asynchronously, keep creating until it reports
	deadline := time.After(2 * time.Second)
	for i := 0; ; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "event9"), nil, 0o644))
		name := filepath.Join(dir, "hidraw"+string(rune('a'+i%26)))
		require.NoError(t, os.WriteFile(name, nil, 0o644))
		select {
		case path := <-found:
			assert.Contains(t, path, "hidraw")
			cancel()
			assert.NoError(t, <-done)
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("no creation reported")
		}
	}
}
