package keymap

import (
	"os/exec"

	"github.com/holoplot/go-evdev"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Output is the synthetic keyboard that keybind actions press keys on.
type Output interface {
	Press(keys []evdev.EvCode) error
	ReleaseAll() error
}

// StateStore is the subset of the state store driven by function keys.
type StateStore interface {
	ToggleBacklight()
	ToggleSecondaryDisplay()
	ToggleMicMute()
}

// CommandRunner starts a command action without waiting for it.
type CommandRunner func(command string)

// Translator turns function-key codes into actions. It is shared by all device sessions and
// safe for concurrent use; the keymap can be swapped at any time.
type Translator struct {
	log    *zap.Logger
	output Output
	store  StateStore
	run    CommandRunner
	keymap *atomic.Pointer[Keymap]
}

func NewTranslator(log *zap.Logger, keymap Keymap, output Output, store StateStore, run CommandRunner) *Translator {
	if run == nil {
		run = ShellRunner(log)
	}
	return &Translator{
		log:    log,
		output: output,
		store:  store,
		run:    run,
		keymap: atomic.NewPointer(&keymap),
	}
}

// SetKeymap atomically replaces the active keymap.
func (t *Translator) SetKeymap(keymap Keymap) {
	t.keymap.Store(&keymap)
	t.log.Info("Keymap updated", zap.Int("keys", len(keymap)))
}

func (t *Translator) Keymap() Keymap {
	return *t.keymap.Load()
}

// Handle runs the action bound to code. The neutral code, like any unrecognized code, releases
// every held synthetic key.
func (t *Translator) Handle(code Code) {
	key, ok := Lookup(code)
	if !ok {
		if code != CodeNeutral {
			t.log.Debug("Unknown key code", zap.Int32("code", int32(code)))
		}
		t.ReleaseAll()
		return
	}
	action, ok := t.Keymap()[key]
	if !ok {
		t.log.Debug("No action bound", zap.String("key", string(key)))
		return
	}
	t.log.Debug("Function key pressed", zap.String("key", string(key)), zap.String("action", string(action.Type)))
	switch action.Type {
	case ActionKeybind:
		if err := t.output.Press(action.Keys); err != nil {
			t.log.Error("failed to press keys", zap.String("key", string(key)), zap.Error(err))
		}
	case ActionCommand:
		t.run(action.Command)
	case ActionBacklight:
		t.store.ToggleBacklight()
	case ActionSecondaryDisplay:
		t.store.ToggleSecondaryDisplay()
	case ActionMicMuteLed:
		t.store.ToggleMicMute()
	case ActionNoop:
	}
}

// ReleaseAll releases every held synthetic key.
func (t *Translator) ReleaseAll() {
	if err := t.output.ReleaseAll(); err != nil {
		t.log.Error("failed to release keys", zap.Error(err))
	}
}

// ShellRunner runs commands through /bin/sh -c in the background and logs their outcome.
func ShellRunner(log *zap.Logger) CommandRunner {
	return func(command string) {
		cmd := exec.Command("/bin/sh", "-c", command)
		if err := cmd.Start(); err != nil {
			log.Error("failed to start command", zap.String("command", command), zap.Error(err))
			return
		}
		log.Info("Command started", zap.String("command", command), zap.Int("pid", cmd.Process.Pid))
		go func() {
			if err := cmd.Wait(); err != nil {
				log.Warn("Command failed", zap.String("command", command), zap.Error(err))
			}
		}()
	}
}
