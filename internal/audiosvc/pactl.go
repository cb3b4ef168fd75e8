package audiosvc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	minUID = 1000
	maxUID = 2000
)

// Target is the sound server of a logged-in user.
type Target struct {
	UID    int
	Server string
	Cookie string
}

func (t Target) env() []string {
	return append(os.Environ(),
		"PULSE_SERVER="+t.Server,
		"PULSE_COOKIE="+t.Cookie,
	)
}

// LookupHome returns the home directory of uid.
func LookupHome(uid string) (string, error) {
	u, err := user.LookupId(uid)
	if err != nil {
		return "", err
	}
	return u.HomeDir, nil
}

// FindTarget returns the sound server of the first regular user with a runtime dir under runDir
// that has a pulse socket.
func FindTarget(runDir string, lookupHome func(uid string) (string, error)) (Target, bool) {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return Target{}, false
	}
	var uids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		uid, err := strconv.Atoi(entry.Name())
		if err != nil || uid < minUID || uid > maxUID {
			continue
		}
		uids = append(uids, uid)
	}
	sort.Ints(uids)
	for _, uid := range uids {
		home, err := lookupHome(strconv.Itoa(uid))
		if err != nil {
			continue
		}
		socket := filepath.Join(runDir, strconv.Itoa(uid), "pulse", "native")
		if _, err := os.Stat(socket); err != nil {
			continue
		}
		return Target{
			UID:    uid,
			Server: "unix:" + socket,
			Cookie: filepath.Join(home, ".config", "pulse", "cookie"),
		}, true
	}
	return Target{}, false
}

// Client talks to the sound server.
type Client interface {
	// Subscribe calls onEvent for every server event line until the connection ends.
	Subscribe(ctx context.Context, target Target, onEvent func(line string)) error
	SourceMuted(ctx context.Context, target Target) (bool, error)
}

// Pactl is a Client backed by the pactl tool, which speaks both PulseAudio and PipeWire-Pulse.
type Pactl struct {
	log  *zap.Logger
	path string
}

func NewPactl(log *zap.Logger) *Pactl {
	return &Pactl{
		log:  log,
		path: "pactl",
	}
}

func (p *Pactl) Subscribe(ctx context.Context, target Target, onEvent func(line string)) error {
	cmd := exec.CommandContext(ctx, p.path, "subscribe")
	cmd.Env = target.env()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to pipe pactl output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start pactl: %w", err)
	}
	p.log.Debug("Subscribed to sound server events", zap.String("server", target.Server))
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		onEvent(scanner.Text())
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("pactl subscribe exited: %w", err)
	}
	return errors.New("pactl subscribe exited")
}

func (p *Pactl) SourceMuted(ctx context.Context, target Target) (bool, error) {
	cmd := exec.CommandContext(ctx, p.path, "get-source-mute", "@DEFAULT_SOURCE@")
	cmd.Env = target.env()
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("failed to query source mute: %w", err)
	}
	return ParseMute(string(out))
}

// ParseMute parses the "Mute: yes|no" answer of pactl.
func ParseMute(out string) (bool, error) {
	value, ok := strings.CutPrefix(strings.TrimSpace(out), "Mute:")
	if !ok {
		return false, fmt.Errorf("unexpected mute output %q", out)
	}
	switch strings.TrimSpace(value) {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	}
	return false, fmt.Errorf("unexpected mute value %q", value)
}

// IsSourceEvent reports whether a subscribe line is about a capture source.
func IsSourceEvent(line string) bool {
	return strings.Contains(line, " on source #")
}
