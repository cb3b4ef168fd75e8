// Package vkbd provides the synthetic keyboard that keybind actions are emitted on.
package vkbd

import (
	"fmt"
	"sync"

	"github.com/holoplot/go-evdev"
	"go.uber.org/zap"
)

const DefaultName = "duod virtual keyboard"

// BUS_VIRTUAL from linux/input.h
const busVirtual = 0x06

// Writer is the event sink behind the keyboard, a uinput device in production.
type Writer interface {
	WriteOne(event *evdev.InputEvent) error
	Close() error
}

// Keyboard tracks which keys it holds so releases are only emitted when needed.
type Keyboard struct {
	log *zap.Logger

	mu     sync.Mutex
	writer Writer
	held   []evdev.EvCode
}

// DefaultKeys is always enabled so a reloaded keymap can use common keys without recreating the
// device.
func DefaultKeys() []evdev.EvCode {
	var keys []evdev.EvCode
	for code := evdev.EvCode(evdev.KEY_ESC); code <= evdev.KEY_MICMUTE; code++ {
		keys = append(keys, code)
	}
	return keys
}

// New creates a uinput keyboard named name with every key in keys enabled on top of DefaultKeys.
func New(log *zap.Logger, name string, vendorID, productID uint16, keys []evdev.EvCode) (*Keyboard, error) {
	enabled := DefaultKeys()
	seen := make(map[evdev.EvCode]struct{}, len(enabled))
	for _, k := range enabled {
		seen[k] = struct{}{}
	}
	for _, k := range keys {
		if _, ok := seen[k]; !ok {
			enabled = append(enabled, k)
			seen[k] = struct{}{}
		}
	}
	dev, err := evdev.CreateDevice(name, evdev.InputID{
		BusType: busVirtual,
		Vendor:  vendorID,
		Product: productID,
		Version: 1,
	}, map[evdev.EvType][]evdev.EvCode{
		evdev.EV_KEY: enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create uinput device: %w", err)
	}
	log.Info("Virtual keyboard created", zap.String("name", name), zap.Int("keys", len(enabled)))
	return NewWithWriter(log, dev), nil
}

func NewWithWriter(log *zap.Logger, w Writer) *Keyboard {
	return &Keyboard{
		log:    log,
		writer: w,
	}
}

// Press releases previously held keys and presses keys, followed by a single SYN_REPORT.
func (k *Keyboard) Press(keys []evdev.EvCode) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.releaseLocked(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	for _, code := range keys {
		if err := k.emit(evdev.EV_KEY, code, 1); err != nil {
			return err
		}
		k.held = append(k.held, code)
	}
	return k.sync()
}

// ReleaseAll releases every held key. Without held keys nothing is written.
func (k *Keyboard) ReleaseAll() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.releaseLocked()
}

func (k *Keyboard) Held() []evdev.EvCode {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]evdev.EvCode(nil), k.held...)
}

func (k *Keyboard) releaseLocked() error {
	if len(k.held) == 0 {
		return nil
	}
	held := k.held
	k.held = nil
	for _, code := range held {
		if err := k.emit(evdev.EV_KEY, code, 0); err != nil {
			return err
		}
	}
	k.log.Debug("Released keys", zap.Int("count", len(held)))
	return k.sync()
}

func (k *Keyboard) sync() error {
	return k.emit(evdev.EV_SYN, evdev.SYN_REPORT, 0)
}

func (k *Keyboard) emit(typ evdev.EvType, code evdev.EvCode, value int32) error {
	err := k.writer.WriteOne(&evdev.InputEvent{
		Type:  typ,
		Code:  code,
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to write input event: %w", err)
	}
	return nil
}

// Close releases held keys and destroys the device.
func (k *Keyboard) Close() error {
	if err := k.ReleaseAll(); err != nil {
		k.log.Warn("Failed to release keys on close", zap.Error(err))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.writer.Close()
}
