// Package config holds the daemon settings read from the config file.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/holoplot/go-evdev"
	"github.com/zenduo/duod/internal/keymap"
)

// Binding is the configured action of one function key.
type Binding struct {
	Action  string   `json:"action" toml:"action"`
	Keys    []string `json:"keys,omitempty" toml:"keys,omitempty"`
	Command string   `json:"command,omitempty" toml:"command,omitempty"`
}

type Keys struct {
	KeyboardBacklight      Binding `json:"keyboard_backlight" toml:"keyboard_backlight"`
	BrightnessDown         Binding `json:"brightness_down" toml:"brightness_down"`
	BrightnessUp           Binding `json:"brightness_up" toml:"brightness_up"`
	SwapUpDownDisplay      Binding `json:"swap_up_down_display" toml:"swap_up_down_display"`
	MicrophoneMute         Binding `json:"microphone_mute" toml:"microphone_mute"`
	EmojiPicker            Binding `json:"emoji_picker" toml:"emoji_picker"`
	MyASUS                 Binding `json:"myasus" toml:"myasus"`
	ToggleSecondaryDisplay Binding `json:"toggle_secondary_display" toml:"toggle_secondary_display"`
}

func (k Keys) bindings() map[keymap.Key]Binding {
	return map[keymap.Key]Binding{
		keymap.KeyKeyboardBacklight:      k.KeyboardBacklight,
		keymap.KeyBrightnessDown:         k.BrightnessDown,
		keymap.KeyBrightnessUp:           k.BrightnessUp,
		keymap.KeySwapUpDownDisplay:      k.SwapUpDownDisplay,
		keymap.KeyMicrophoneMute:         k.MicrophoneMute,
		keymap.KeyEmojiPicker:            k.EmojiPicker,
		keymap.KeyMyASUS:                 k.MyASUS,
		keymap.KeyToggleSecondaryDisplay: k.ToggleSecondaryDisplay,
	}
}

type Config struct {
	USBVendorID  string `json:"usb_vendor_id" toml:"usb_vendor_id"`
	USBProductID string `json:"usb_product_id" toml:"usb_product_id"`
	KeyboardName string `json:"keyboard_name" toml:"keyboard_name"`

	Keys Keys `json:"keys" toml:"keys"`

	SecondaryDisplayStatusPath string `json:"secondary_display_status_path" toml:"secondary_display_status_path"`
	PrimaryBacklightPath       string `json:"primary_backlight_path" toml:"primary_backlight_path"`
	SecondaryBacklightPath     string `json:"secondary_backlight_path" toml:"secondary_backlight_path"`

	PipePath string `json:"pipe_path" toml:"pipe_path"`
	// IdleTimeoutSeconds of 0 disables idle detection.
	IdleTimeoutSeconds  int `json:"idle_timeout_seconds" toml:"idle_timeout_seconds"`
	ReconcileIntervalMs int `json:"reconcile_interval_ms" toml:"reconcile_interval_ms"`

	MicMuteSync   bool `json:"mic_mute_sync" toml:"mic_mute_sync"`
	LogindSuspend bool `json:"logind_suspend" toml:"logind_suspend"`

	InputDir  string `json:"input_dir" toml:"input_dir"`
	HidrawDir string `json:"hidraw_dir" toml:"hidraw_dir"`
}

func Default() Config {
	return Config{
		USBVendorID:  "0b05",
		USBProductID: "1b2c",
		KeyboardName: "ASUS Zenbook Duo Keyboard",
		Keys: Keys{
			KeyboardBacklight:      Binding{Action: string(keymap.ActionBacklight)},
			BrightnessDown:         Binding{Action: string(keymap.ActionKeybind), Keys: []string{"KEY_BRIGHTNESSDOWN"}},
			BrightnessUp:           Binding{Action: string(keymap.ActionKeybind), Keys: []string{"KEY_BRIGHTNESSUP"}},
			SwapUpDownDisplay:      Binding{Action: string(keymap.ActionNoop)},
			MicrophoneMute:         Binding{Action: string(keymap.ActionKeybind), Keys: []string{"KEY_MICMUTE"}},
			EmojiPicker:            Binding{Action: string(keymap.ActionKeybind), Keys: []string{"KEY_LEFTCTRL", "KEY_DOT"}},
			MyASUS:                 Binding{Action: string(keymap.ActionNoop)},
			ToggleSecondaryDisplay: Binding{Action: string(keymap.ActionSecondaryDisplay)},
		},
		SecondaryDisplayStatusPath: "/sys/class/drm/card1-eDP-2/status",
		PrimaryBacklightPath:       "/sys/class/backlight/intel_backlight/brightness",
		SecondaryBacklightPath:     "/sys/class/backlight/card1-eDP-2-backlight/brightness",
		PipePath:                   "/tmp/zenbook-duo-daemon.pipe",
		IdleTimeoutSeconds:         300,
		ReconcileIntervalMs:        500,
		MicMuteSync:                true,
		LogindSuspend:              true,
		InputDir:                   "/dev/input",
		HidrawDir:                  "/dev",
	}
}

func parseHexID(s string) (uint16, error) {
	id, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid usb id %q: %w", s, err)
	}
	return uint16(id), nil
}

func (c Config) VendorID() (uint16, error) {
	return parseHexID(c.USBVendorID)
}

func (c Config) ProductID() (uint16, error) {
	return parseHexID(c.USBProductID)
}

func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

func (c Config) ReconcileInterval() time.Duration {
	if c.ReconcileIntervalMs <= 0 {
		return Default().ReconcileInterval()
	}
	return time.Duration(c.ReconcileIntervalMs) * time.Millisecond
}

func parseBinding(b Binding) (keymap.Action, error) {
	typ, err := keymap.ParseActionType(b.Action)
	if err != nil {
		return keymap.Action{}, err
	}
	action := keymap.Action{Type: typ}
	switch typ {
	case keymap.ActionKeybind:
		if len(b.Keys) == 0 {
			return keymap.Action{}, errors.New("keybind needs at least one key")
		}
		for _, name := range b.Keys {
			code, ok := evdev.KEYFromString[name]
			if !ok {
				return keymap.Action{}, fmt.Errorf("unknown key name %q", name)
			}
			action.Keys = append(action.Keys, code)
		}
	case keymap.ActionCommand:
		if b.Command == "" {
			return keymap.Action{}, errors.New("command action needs a command")
		}
		action.Command = b.Command
	}
	return action, nil
}

// Keymap converts the key bindings into a keymap.
func (c Config) Keymap() (keymap.Keymap, error) {
	km := make(keymap.Keymap)
	bindings := c.Keys.bindings()
	for _, key := range keymap.Keys() {
		action, err := parseBinding(bindings[key])
		if err != nil {
			return nil, fmt.Errorf("keys.%s: %w", key, err)
		}
		km[key] = action
	}
	return km, nil
}

func (c Config) Validate() error {
	var errs []error
	if _, err := c.VendorID(); err != nil {
		errs = append(errs, fmt.Errorf("usb_vendor_id: %w", err))
	}
	if _, err := c.ProductID(); err != nil {
		errs = append(errs, fmt.Errorf("usb_product_id: %w", err))
	}
	if _, err := c.Keymap(); err != nil {
		errs = append(errs, err)
	}
	if c.KeyboardName == "" {
		errs = append(errs, errors.New("keyboard_name must not be empty"))
	}
	if c.PipePath == "" {
		errs = append(errs, errors.New("pipe_path must not be empty"))
	}
	if c.IdleTimeoutSeconds < 0 {
		errs = append(errs, errors.New("idle_timeout_seconds must not be negative"))
	}
	return errors.Join(errs...)
}

// RestartRequired reports whether switching from c to next needs a daemon restart. Only the key
// bindings are applied live.
func (c Config) RestartRequired(next Config) bool {
	c.Keys, next.Keys = Keys{}, Keys{}
	return !reflect.DeepEqual(c, next)
}
