// Package cmdsvc accepts operator commands over a named pipe.
package cmdsvc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/zenduo/duod/internal/state"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const pipeMode = 0o622

type Store interface {
	Apply(event state.Event) bool
}

type Service struct {
	log   *zap.Logger
	path  string
	store Store
	ready chan struct{}
}

func New(log *zap.Logger, path string, store Store) *Service {
	return &Service{
		log:   log,
		path:  path,
		store: store,
		ready: make(chan struct{}),
	}
}

// Ready is closed once the pipe exists.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Start reads commands until ctx is done. Every writer that closes the pipe re-arms it.
func (s *Service) Start(ctx context.Context) error {
	if err := s.createPipe(); err != nil {
		return err
	}
	defer os.Remove(s.path)
	close(s.ready)
	s.log.Info("Command pipe ready", zap.String("path", s.path))

	for ctx.Err() == nil {
		if err := s.serve(ctx); err != nil {
			s.log.Warn("Command pipe failed", zap.Error(err))
			timer := time.NewTimer(100 * time.Millisecond)
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
			timer.Stop()
		}
	}
	return nil
}

// serve handles one writer session, until EOF.
func (s *Service) serve(ctx context.Context) error {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		s.log.Warn("Command pipe vanished, recreating")
		if err := s.createPipe(); err != nil {
			return err
		}
	}

	// Opening for reading blocks until a writer shows up.
	stop := context.AfterFunc(ctx, s.unblockOpen)
	f, err := os.OpenFile(s.path, os.O_RDONLY, 0)
	stop()
	if err != nil {
		return fmt.Errorf("failed to open command pipe: %w", err)
	}
	defer f.Close()
	if ctx.Err() != nil {
		return nil
	}
	stopRead := context.AfterFunc(ctx, func() {
		f.Close()
	})
	defer stopRead()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		s.Dispatch(scanner.Text())
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to read command pipe: %w", err)
	}
	return nil
}

func (s *Service) unblockOpen() {
	w, err := os.OpenFile(s.path, os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err == nil {
		w.Close()
	}
}

// createPipe replaces whatever is at the pipe path with a fresh FIFO.
func (s *Service) createPipe() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale pipe: %w", err)
	}
	if err := unix.Mkfifo(s.path, pipeMode); err != nil {
		return fmt.Errorf("failed to create pipe %s: %w", s.path, err)
	}
	// mkfifo honors the umask
	if err := os.Chmod(s.path, pipeMode); err != nil {
		return fmt.Errorf("failed to chmod pipe: %w", err)
	}
	return nil
}

// Dispatch applies one command line. Blank lines are ignored, unknown commands logged.
func (s *Service) Dispatch(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	event, err := Parse(line)
	if err != nil {
		s.log.Warn("Ignoring command", zap.Error(err))
		return
	}
	s.log.Info("Command received", zap.String("command", line))
	s.store.Apply(event)
}

// Send writes commands to the pipe of a running daemon.
func Send(path string, cmds ...string) error {
	for _, cmd := range cmds {
		if _, err := Parse(cmd); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
	switch {
	case errors.Is(err, unix.ENXIO):
		return fmt.Errorf("no daemon is reading %s", path)
	case err != nil:
		return fmt.Errorf("failed to open command pipe: %w", err)
	}
	defer f.Close()
	_, err = f.WriteString(strings.Join(cmds, "\n") + "\n")
	if err != nil {
		return fmt.Errorf("failed to write commands: %w", err)
	}
	return nil
}
