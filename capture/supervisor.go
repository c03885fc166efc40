package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/norootfw/norootfw/logger"
	"github.com/norootfw/norootfw/sink"
)

// Status is a snapshot of the supervisor for the control API.
type Status struct {
	Active     bool   `json:"active"`
	Generation uint64 `json:"generation"`
	Interface  string `json:"interface,omitempty"`
	Stats      Stats  `json:"stats"`
	LastError  string `json:"lastError,omitempty"`
}

// Supervisor starts and stops capture sessions. At most one session is
// active; a replaced session is cancelled but not waited for, so its
// teardown may overlap the next session's establishment.
type Supervisor struct {
	ctx       context.Context
	establish EstablishFunc
	sink      sink.Sink
	name      string
	onFatal   func(error)

	mu         sync.Mutex
	cancel     context.CancelFunc
	current    *Session
	active     bool
	generation uint64
	lastErr    error

	wg sync.WaitGroup
}

type SupervisorOption func(*Supervisor)

// WithOnFatal replaces the handler for establish failures. The default
// terminates the process.
func WithOnFatal(fn func(error)) SupervisorOption {
	return func(s *Supervisor) {
		s.onFatal = fn
	}
}

// WithSessionName sets the prefix of generated session names.
func WithSessionName(name string) SupervisorOption {
	return func(s *Supervisor) {
		s.name = name
	}
}

// NewSupervisor creates a supervisor whose sessions live at most as long
// as ctx.
func NewSupervisor(ctx context.Context, establish EstablishFunc, s sink.Sink, opts ...SupervisorOption) *Supervisor {
	sup := &Supervisor{
		ctx:       ctx,
		establish: establish,
		sink:      s,
		name:      "capture",
		onFatal: func(err error) {
			logger.Debug("%+v", err)
			logger.Fatal("%v", err)
		},
	}
	for _, opt := range opts {
		opt(sup)
	}
	return sup
}

// StartCapture cancels the active session, if any, and starts a new one.
func (s *Supervisor) StartCapture() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		logger.Info("capture: replacing session generation %d", s.generation)
		s.cancel()
	}

	s.generation++
	gen := s.generation
	s.lastErr = nil
	ctx, cancel := context.WithCancel(s.ctx)
	sess := NewSession(s.establish, s.sink, WithName(fmt.Sprintf("%s-%d", s.name, gen)))

	s.cancel = cancel
	s.current = sess
	s.active = true

	s.wg.Add(1)
	go s.run(ctx, cancel, gen, sess)
}

// StopCapture cancels the active session without waiting for it.
func (s *Supervisor) StopCapture() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	logger.Info("capture: stopping session generation %d", s.generation)
	s.cancel()
	s.cancel = nil
	s.active = false
}

// Wait blocks until every started session has torn down.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Status returns the state of the most recent session.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Active:     s.active,
		Generation: s.generation,
	}
	if s.current != nil {
		st.Stats = s.current.Stats()
		st.Interface = s.current.InterfaceName()
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Supervisor) run(ctx context.Context, cancel context.CancelFunc, gen uint64, sess *Session) {
	defer s.wg.Done()
	defer cancel()

	if err := sess.Start(); err != nil {
		s.finish(gen, err)
		var establishErr *EstablishError
		if errors.As(err, &establishErr) {
			s.onFatal(err)
		}
		return
	}

	s.finish(gen, sess.Run(ctx))
}

func (s *Supervisor) finish(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen {
		return
	}
	s.active = false
	s.cancel = nil
	if err != nil {
		s.lastErr = err
	}
}
