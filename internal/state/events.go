package state

import (
	"fmt"
	"strings"
)

// Level is the keyboard backlight intensity.
type Level uint8

const (
	LevelOff Level = iota
	LevelLow
	LevelMedium
	LevelHigh
)

var levelNames = [...]string{"off", "low", "medium", "high"}

// Next cycles Off -> Low -> Medium -> High -> Off.
func (l Level) Next() Level {
	return (l + 1) % Level(len(levelNames))
}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("Level(%d)", uint8(l))
}

func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return LevelOff, fmt.Errorf("unknown backlight level %q", s)
}

type EventKind uint8

const (
	EventSuspend EventKind = iota + 1
	EventResume
	EventBacklight
	EventBacklightToggle
	EventMicMuteLed
	EventMicMuteLedToggle
	EventSecondaryDisplay
	EventSecondaryDisplayToggle
	EventKeyboardAttached
	EventKeyboardDetached
)

var eventKindNames = map[EventKind]string{
	EventSuspend:                "Suspend",
	EventResume:                 "Resume",
	EventBacklight:              "Backlight",
	EventBacklightToggle:        "BacklightToggle",
	EventMicMuteLed:             "MicMuteLed",
	EventMicMuteLedToggle:       "MicMuteLedToggle",
	EventSecondaryDisplay:       "SecondaryDisplay",
	EventSecondaryDisplayToggle: "SecondaryDisplayToggle",
	EventKeyboardAttached:       "KeyboardAttached",
	EventKeyboardDetached:       "KeyboardDetached",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event is an immutable description of a device state change or of a request to change it.
// Backlight is meaningful for EventBacklight, Enabled for EventMicMuteLed and
// EventSecondaryDisplay.
type Event struct {
	Kind      EventKind
	Backlight Level
	Enabled   bool
}

func SuspendEvent() Event { return Event{Kind: EventSuspend} }

func ResumeEvent() Event { return Event{Kind: EventResume} }

func BacklightEvent(level Level) Event { return Event{Kind: EventBacklight, Backlight: level} }

func BacklightToggleEvent() Event { return Event{Kind: EventBacklightToggle} }

func MicMuteLedEvent(on bool) Event { return Event{Kind: EventMicMuteLed, Enabled: on} }

func MicMuteLedToggleEvent() Event { return Event{Kind: EventMicMuteLedToggle} }

func SecondaryDisplayEvent(enabled bool) Event {
	return Event{Kind: EventSecondaryDisplay, Enabled: enabled}
}

func SecondaryDisplayToggleEvent() Event { return Event{Kind: EventSecondaryDisplayToggle} }

func KeyboardAttachedEvent() Event { return Event{Kind: EventKeyboardAttached} }

func KeyboardDetachedEvent() Event { return Event{Kind: EventKeyboardDetached} }

func (e Event) String() string {
	switch e.Kind {
	case EventBacklight:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Backlight)
	case EventMicMuteLed, EventSecondaryDisplay:
		return fmt.Sprintf("%s(%t)", e.Kind, e.Enabled)
	default:
		return e.Kind.String()
	}
}
