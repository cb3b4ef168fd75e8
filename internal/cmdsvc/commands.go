package cmdsvc

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/zenduo/duod/internal/state"
)

var ErrUnknownCommand = errors.New("unknown command")

var commands = map[string]state.Event{
	"suspend_start": state.SuspendEvent(),
	"suspend_end":   state.ResumeEvent(),
	// older sleep hooks
	"suspend": state.SuspendEvent(),
	"resume":  state.ResumeEvent(),

	"mic_mute_led_toggle": state.MicMuteLedToggleEvent(),
	"mic_mute_led_on":     state.MicMuteLedEvent(true),
	"mic_mute_led_off":    state.MicMuteLedEvent(false),

	"backlight_toggle": state.BacklightToggleEvent(),
	"backlight_off":    state.BacklightEvent(state.LevelOff),
	"backlight_low":    state.BacklightEvent(state.LevelLow),
	"backlight_medium": state.BacklightEvent(state.LevelMedium),
	"backlight_high":   state.BacklightEvent(state.LevelHigh),

	"secondary_display_toggle": state.SecondaryDisplayToggleEvent(),
	"secondary_display_on":     state.SecondaryDisplayEvent(true),
	"secondary_display_off":    state.SecondaryDisplayEvent(false),
}

// Parse maps one command line to the request it stands for.
func Parse(line string) (state.Event, error) {
	cmd := strings.TrimSpace(line)
	event, ok := commands[cmd]
	if !ok {
		return state.Event{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
	return event, nil
}

// Commands lists every accepted command.
func Commands() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
