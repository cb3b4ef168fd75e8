package btkbd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/holoplot/go-evdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zenduo/duod/internal/hotplug"
	"github.com/zenduo/duod/internal/keymap"
	"github.com/zenduo/duod/internal/state"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type scriptedDevice struct {
	name   string
	events []*evdev.InputEvent
	err    error
	closed bool
}

func (d *scriptedDevice) Name() (string, error) { return d.name, nil }

func (d *scriptedDevice) ReadOne() (*evdev.InputEvent, error) {
	if len(d.events) == 0 {
		return nil, d.err
	}
	e := d.events[0]
	d.events = d.events[1:]
	return e, nil
}

func (d *scriptedDevice) Close() error {
	d.closed = true
	return nil
}

func newTestTransport(t *testing.T, devices map[string]*scriptedDevice) (*Transport, string) {
	dir := t.TempDir()
	for name := range devices {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "by-id"), 0o755))
	open := func(path string) (InputDevice, error) {
		d, ok := devices[filepath.Base(path)]
		if !ok {
			return nil, errors.New("no such device")
		}
		return d, nil
	}
	return New(zap.NewNop(), "ASUS Zenbook Duo Keyboard", WithInputDir(dir), WithOpenFunc(open)), dir
}

func TestOpenMatchesExactName(t *testing.T) {
	target := &scriptedDevice{name: "ASUS Zenbook Duo Keyboard"}
	other := &scriptedDevice{name: "ASUS Zenbook Duo Keyboard Consumer Control"}
	tr, dir := newTestTransport(t, map[string]*scriptedDevice{"event5": target, "event6": other})

	paths, err := tr.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "event5"), filepath.Join(dir, "event6")}, paths)

	dev, err := tr.Open(filepath.Join(dir, "event5"))
	require.NoError(t, err)
	assert.Equal(t, "ASUS Zenbook Duo Keyboard", dev.Name())

	_, err = tr.Open(filepath.Join(dir, "event6"))
	assert.ErrorIs(t, err, hotplug.ErrNotTarget)
	assert.True(t, other.closed)

	_, err = tr.Open(filepath.Join(dir, "by-id"))
	assert.ErrorIs(t, err, hotplug.ErrNotTarget)
}

func TestReadKeySkipsOtherEvents(t *testing.T) {
	target := &scriptedDevice{
		name: "ASUS Zenbook Duo Keyboard",
		events: []*evdev.InputEvent{
			{Type: evdev.EV_MSC, Code: evdev.MSC_SCAN, Value: 4},
			{Type: evdev.EV_ABS, Code: evdev.ABS_MISC, Value: 199},
			{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT},
			{Type: evdev.EV_ABS, Code: evdev.ABS_MISC, Value: 0},
		},
		err: unix.ENODEV,
	}
	tr, dir := newTestTransport(t, map[string]*scriptedDevice{"event5": target})
	dev, err := tr.Open(filepath.Join(dir, "event5"))
	require.NoError(t, err)

	code, err := dev.ReadKey()
	require.NoError(t, err)
	assert.Equal(t, keymap.CodeKeyboardBacklight, code)

	code, err = dev.ReadKey()
	require.NoError(t, err)
	assert.Equal(t, keymap.CodeNeutral, code)

	_, err = dev.ReadKey()
	assert.ErrorIs(t, err, hotplug.ErrDeviceGone)

	assert.NoError(t, dev.SendBacklight(context.Background(), state.LevelHigh))
	assert.NoError(t, dev.SendMicMute(context.Background(), true))
}

func TestReadErrorClassification(t *testing.T) {
	target := &scriptedDevice{name: "ASUS Zenbook Duo Keyboard", err: unix.EAGAIN}
	tr, dir := newTestTransport(t, map[string]*scriptedDevice{"event5": target})
	path := filepath.Join(dir, "event5")
	dev, err := tr.Open(path)
	require.NoError(t, err)

	_, err = dev.ReadKey()
	assert.ErrorIs(t, err, hotplug.ErrWouldBlock)

	target.err = errors.New("short read")
	_, err = dev.ReadKey()
	assert.Error(t, err)
	assert.NotErrorIs(t, err, hotplug.ErrDeviceGone)

	require.NoError(t, os.Remove(path))
	_, err = dev.ReadKey()
	assert.ErrorIs(t, err, hotplug.ErrDeviceGone)
}
