// Package state holds the single authoritative device state of the daemon.
//
// All mutations go through Store and are serialized by one lock. Every mutation that changes
// an effective value publishes the new effective value; idle and suspend only shadow the
// desired backlight and mic-mute values, they never overwrite them.
package state

import (
	"sync"

	"go.uber.org/zap"
)

// Publisher must not block. bus.Bus[Event] satisfies it.
type Publisher interface {
	Publish(Event)
}

type Store struct {
	log *zap.Logger
	pub Publisher

	mu        sync.Mutex
	backlight Level
	micMute   bool
	idle      bool
	suspended bool
	attached  bool
	display   bool
}

// Snapshot is a consistent copy of the store.
type Snapshot struct {
	Backlight               Level
	BacklightRaw            Level
	MicMute                 bool
	MicMuteRaw              bool
	Idle                    bool
	Suspended               bool
	KeyboardAttached        bool
	SecondaryDisplayEnabled bool
}

// NewStore creates the store. attached is the result of probing the wired keyboard at
// startup; the secondary display starts enabled only if it is not covered.
func NewStore(log *zap.Logger, pub Publisher, attached bool) *Store {
	return &Store{
		log:       log,
		pub:       pub,
		backlight: LevelLow,
		attached:  attached,
		display:   !attached,
	}
}

func (s *Store) shadowed() bool {
	return s.idle || s.suspended
}

func (s *Store) effectiveBacklight() Level {
	if s.shadowed() {
		return LevelOff
	}
	return s.backlight
}

func (s *Store) effectiveMicMute() bool {
	return s.micMute && !s.shadowed()
}

// publish is called with mu held; Publisher never blocks, so bus order matches mutation order.
func (s *Store) publish(e Event) {
	s.log.Debug("Publishing", zap.Stringer("event", e))
	s.pub.Publish(e)
}

// Backlight returns the effective backlight level.
func (s *Store) Backlight() Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveBacklight()
}

// BacklightRaw returns the desired level, ignoring idle and suspend.
func (s *Store) BacklightRaw() Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlight
}

func (s *Store) SetBacklight(level Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setBacklightLocked(level)
}

func (s *Store) ToggleBacklight() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setBacklightLocked(s.backlight.Next())
}

func (s *Store) setBacklightLocked(level Level) {
	before := s.effectiveBacklight()
	s.backlight = level
	if after := s.effectiveBacklight(); after != before {
		s.publish(BacklightEvent(after))
	}
}

// MicMute returns the effective mic-mute LED state.
func (s *Store) MicMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveMicMute()
}

func (s *Store) MicMuteRaw() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.micMute
}

func (s *Store) SetMicMute(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setMicMuteLocked(on)
}

func (s *Store) ToggleMicMute() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setMicMuteLocked(!s.micMute)
}

func (s *Store) setMicMuteLocked(on bool) {
	before := s.effectiveMicMute()
	s.micMute = on
	if after := s.effectiveMicMute(); after != before {
		s.publish(MicMuteLedEvent(after))
	}
}

// SetIdle marks the keyboard idle or active. Leaving idle always republishes the effective
// backlight and mic-mute values so hardware gets resynchronized.
func (s *Store) SetIdle(idle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idle == idle {
		return
	}
	backlight, micMute := s.effectiveBacklight(), s.effectiveMicMute()
	s.idle = idle
	s.log.Info("Idle state changed", zap.Bool("idle", idle))
	if idle {
		if backlight != LevelOff {
			s.publish(BacklightEvent(LevelOff))
		}
		if micMute {
			s.publish(MicMuteLedEvent(false))
		}
		return
	}
	s.publish(BacklightEvent(s.effectiveBacklight()))
	s.publish(MicMuteLedEvent(s.effectiveMicMute()))
}

// SetSuspended enters or leaves suspend. Both transitions always push the effective lights
// so the hardware goes dark before sleep and gets restored after resume.
func (s *Store) SetSuspended(suspended bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended == suspended {
		return
	}
	s.suspended = suspended
	s.log.Info("Suspend state changed", zap.Bool("suspended", suspended))
	if suspended {
		s.publish(SuspendEvent())
	} else {
		s.publish(ResumeEvent())
	}
	s.publish(BacklightEvent(s.effectiveBacklight()))
	s.publish(MicMuteLedEvent(s.effectiveMicMute()))
}

// SetKeyboardAttached tracks the wired keyboard. Attaching forces the secondary display off,
// detaching turns it back on.
func (s *Store) SetKeyboardAttached(attached bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached == attached {
		return
	}
	s.attached = attached
	s.log.Info("Wired keyboard attachment changed", zap.Bool("attached", attached))
	if attached {
		s.publish(KeyboardAttachedEvent())
		s.setDisplayLocked(false)
		return
	}
	s.publish(KeyboardDetachedEvent())
	s.setDisplayLocked(true)
}

func (s *Store) SetSecondaryDisplay(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setDisplayLocked(enabled)
}

func (s *Store) ToggleSecondaryDisplay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setDisplayLocked(!s.display)
}

func (s *Store) setDisplayLocked(enabled bool) {
	if enabled && s.attached {
		s.log.Debug("Secondary display stays off while the wired keyboard is attached")
		enabled = false
	}
	if s.display == enabled {
		return
	}
	s.display = enabled
	s.publish(SecondaryDisplayEvent(enabled))
}

func (s *Store) IsSecondaryDisplayEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.display
}

func (s *Store) IsKeyboardAttached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

func (s *Store) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

func (s *Store) IsSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Backlight:               s.effectiveBacklight(),
		BacklightRaw:            s.backlight,
		MicMute:                 s.effectiveMicMute(),
		MicMuteRaw:              s.micMute,
		Idle:                    s.idle,
		Suspended:               s.suspended,
		KeyboardAttached:        s.attached,
		SecondaryDisplayEnabled: s.display,
	}
}

// Apply performs a request event. Attachment events are ignored: only device sessions
// decide whether a keyboard is attached.
func (s *Store) Apply(e Event) bool {
	switch e.Kind {
	case EventSuspend:
		s.SetSuspended(true)
	case EventResume:
		s.SetSuspended(false)
	case EventBacklight:
		s.SetBacklight(e.Backlight)
	case EventBacklightToggle:
		s.ToggleBacklight()
	case EventMicMuteLed:
		s.SetMicMute(e.Enabled)
	case EventMicMuteLedToggle:
		s.ToggleMicMute()
	case EventSecondaryDisplay:
		s.SetSecondaryDisplay(e.Enabled)
	case EventSecondaryDisplayToggle:
		s.ToggleSecondaryDisplay()
	default:
		return false
	}
	return true
}
