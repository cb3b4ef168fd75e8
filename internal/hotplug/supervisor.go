package hotplug

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

var defaultOptions = supervisorOptions{
	wouldBlockDelay: 50 * time.Millisecond,
	retryDelay:      100 * time.Millisecond,
	writeTimeout:    100 * time.Millisecond,
}

type supervisorOptions struct {
	attachTracking  bool
	ledger          Ledger
	wouldBlockDelay time.Duration
	retryDelay      time.Duration
	writeTimeout    time.Duration
}

type Option func(*supervisorOptions)

// WithAttachTracking makes sessions drive the store's keyboard-attached flag. Only the wired
// transport covers the secondary display.
func WithAttachTracking() Option {
	return func(o *supervisorOptions) {
		o.attachTracking = true
	}
}

func WithLedger(l Ledger) Option {
	return func(o *supervisorOptions) {
		o.ledger = l
	}
}

// WithRetryDelays sets the pause after an empty read and after a transient read error.
func WithRetryDelays(wouldBlock, transient time.Duration) Option {
	return func(o *supervisorOptions) {
		o.wouldBlockDelay = wouldBlock
		o.retryDelay = transient
	}
}

// WithWriteTimeout bounds every backlight and mic LED write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *supervisorOptions) {
		o.writeTimeout = d
	}
}

// Supervisor owns the sessions of one transport. At most one session runs per endpoint.
type Supervisor struct {
	log        *zap.Logger
	options    supervisorOptions
	transport  Transport
	store      Store
	events     Events
	translator Translator

	sessions *xsync.MapOf[string, *Session]
	wg       sync.WaitGroup
	ready    chan struct{}

	// attachMu serializes the attached count with the store calls it drives.
	attachMu sync.Mutex
	attached int
}

func NewSupervisor(log *zap.Logger, transport Transport, store Store, events Events, translator Translator, opts ...Option) *Supervisor {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Supervisor{
		log:        log,
		options:    options,
		transport:  transport,
		store:      store,
		events:     events,
		translator: translator,
		sessions:   xsync.NewMapOf[string, *Session](),
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the initially present endpoints were tried.
func (s *Supervisor) Ready() <-chan struct{} {
	return s.ready
}

// Start probes present endpoints, then watches for arrivals until ctx is done. It returns after
// every session has stopped.
func (s *Supervisor) Start(ctx context.Context) error {
	defer s.wg.Wait()
	s.log.Info("Starting hotplug supervisor", zap.String("transport", s.transport.Name()))

	endpoints, err := s.transport.Probe(ctx)
	if err != nil {
		s.log.Warn("Initial probe failed", zap.Error(err))
	}
	for _, endpoint := range endpoints {
		s.tryStart(ctx, endpoint)
	}
	close(s.ready)

	err = s.transport.Watch(ctx, func(endpoint string) {
		s.tryStart(ctx, endpoint)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to watch %s endpoints: %w", s.transport.Name(), err)
	}
	return nil
}

// sessionAttached counts a new attach-tracking session. The store is told on every start.
func (s *Supervisor) sessionAttached() {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	s.attached++
	s.store.SetKeyboardAttached(true)
}

// sessionDetached drops an attach-tracking session. The keyboard counts as detached once the last
// live session saw its device go away.
func (s *Supervisor) sessionDetached(gone bool) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	s.attached--
	if gone && s.attached == 0 {
		s.store.SetKeyboardAttached(false)
	}
}

// Sessions lists the endpoints that currently have a running session.
func (s *Supervisor) Sessions() []string {
	var endpoints []string
	s.sessions.Range(func(endpoint string, _ *Session) bool {
		endpoints = append(endpoints, endpoint)
		return true
	})
	sort.Strings(endpoints)
	return endpoints
}

func (s *Supervisor) tryStart(ctx context.Context, endpoint string) {
	if ctx.Err() != nil {
		return
	}
	log := s.log.With(zap.String("endpoint", endpoint))
	if _, owned := s.sessions.Load(endpoint); owned {
		log.Debug("Endpoint already has a session")
		return
	}
	dev, err := s.transport.Open(endpoint)
	switch {
	case errors.Is(err, ErrNotTarget):
		log.Debug("Skipping non-target endpoint")
		return
	case err != nil:
		log.Warn("Failed to open endpoint", zap.Error(err))
		return
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	sess := newSession(sessionCtx, cancel, log, s, endpoint, dev)
	if _, loaded := s.sessions.LoadOrStore(endpoint, sess); loaded {
		log.Error("Endpoint claimed concurrently, dropping duplicate session")
		cancel()
		if err := dev.Close(); err != nil {
			log.Warn("Failed to close duplicate handle", zap.Error(err))
		}
		return
	}

	if s.options.ledger != nil {
		if err := s.options.ledger.RecordSession(s.transport.Name(), endpoint, dev.Name()); err != nil {
			log.Warn("Failed to record session", zap.Error(err))
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sessions.Delete(endpoint)
		sess.run()
	}()
}
