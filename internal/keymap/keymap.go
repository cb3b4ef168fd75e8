// Package keymap translates raw function-key codes reported by the keyboard into configured
// actions. The same policy is shared by every transport.
package keymap

import (
	"fmt"

	"github.com/holoplot/go-evdev"
)

// Code is a raw function-key value as reported by the hardware. USB reports carry it as the
// second byte of a report, Bluetooth as an ABS_MISC value.
type Code int32

// CodeUnknown stands for input that does not decode to a function key.
const CodeUnknown Code = -1

const (
	CodeNeutral                Code = 0
	CodeKeyboardBacklight      Code = 199
	CodeBrightnessDown         Code = 16
	CodeBrightnessUp           Code = 32
	CodeSwapUpDownDisplay      Code = 156
	CodeMicrophoneMute         Code = 124
	CodeEmojiPicker            Code = 126
	CodeMyASUS                 Code = 134
	CodeToggleSecondaryDisplay Code = 106
)

// Key is a recognized function key.
type Key string

const (
	KeyKeyboardBacklight      Key = "keyboard_backlight"
	KeyBrightnessDown         Key = "brightness_down"
	KeyBrightnessUp           Key = "brightness_up"
	KeySwapUpDownDisplay      Key = "swap_up_down_display"
	KeyMicrophoneMute         Key = "microphone_mute"
	KeyEmojiPicker            Key = "emoji_picker"
	KeyMyASUS                 Key = "myasus"
	KeyToggleSecondaryDisplay Key = "toggle_secondary_display"
)

var codeKeys = map[Code]Key{
	CodeKeyboardBacklight:      KeyKeyboardBacklight,
	CodeBrightnessDown:         KeyBrightnessDown,
	CodeBrightnessUp:           KeyBrightnessUp,
	CodeSwapUpDownDisplay:      KeySwapUpDownDisplay,
	CodeMicrophoneMute:         KeyMicrophoneMute,
	CodeEmojiPicker:            KeyEmojiPicker,
	CodeMyASUS:                 KeyMyASUS,
	CodeToggleSecondaryDisplay: KeyToggleSecondaryDisplay,
}

// Keys lists every recognized function key.
func Keys() []Key {
	return []Key{
		KeyKeyboardBacklight,
		KeyBrightnessDown,
		KeyBrightnessUp,
		KeySwapUpDownDisplay,
		KeyMicrophoneMute,
		KeyEmojiPicker,
		KeyMyASUS,
		KeyToggleSecondaryDisplay,
	}
}

// Lookup returns the function key for a code. The neutral code and unknown codes report false.
func Lookup(code Code) (Key, bool) {
	key, ok := codeKeys[code]
	return key, ok
}

type ActionType string

const (
	ActionKeybind          ActionType = "keybind"
	ActionCommand          ActionType = "command"
	ActionBacklight        ActionType = "backlight"
	ActionSecondaryDisplay ActionType = "secondary_display"
	ActionMicMuteLed       ActionType = "mic_mute_led"
	ActionNoop             ActionType = "noop"
)

func ParseActionType(s string) (ActionType, error) {
	switch t := ActionType(s); t {
	case ActionKeybind, ActionCommand, ActionBacklight, ActionSecondaryDisplay, ActionMicMuteLed, ActionNoop:
		return t, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Action is what a function key does. Keys is used by keybind actions, Command by command actions.
type Action struct {
	Type    ActionType
	Keys    []evdev.EvCode
	Command string
}

type Keymap map[Key]Action

// Codes returns every key code the keymap may press, for enabling them on the output device.
func (m Keymap) Codes() []evdev.EvCode {
	seen := make(map[evdev.EvCode]struct{})
	var codes []evdev.EvCode
	for _, action := range m {
		for _, code := range action.Keys {
			if _, ok := seen[code]; ok {
				continue
			}
			seen[code] = struct{}{}
			codes = append(codes, code)
		}
	}
	return codes
}

// Default is the stock mapping of the function row.
func Default() Keymap {
	return Keymap{
		KeyKeyboardBacklight:      {Type: ActionBacklight},
		KeyBrightnessDown:         {Type: ActionKeybind, Keys: []evdev.EvCode{evdev.KEY_BRIGHTNESSDOWN}},
		KeyBrightnessUp:           {Type: ActionKeybind, Keys: []evdev.EvCode{evdev.KEY_BRIGHTNESSUP}},
		KeySwapUpDownDisplay:      {Type: ActionNoop},
		KeyMicrophoneMute:         {Type: ActionKeybind, Keys: []evdev.EvCode{evdev.KEY_MICMUTE}},
		KeyEmojiPicker:            {Type: ActionKeybind, Keys: []evdev.EvCode{evdev.KEY_LEFTCTRL, evdev.KEY_DOT}},
		KeyMyASUS:                 {Type: ActionNoop},
		KeyToggleSecondaryDisplay: {Type: ActionSecondaryDisplay},
	}
}
