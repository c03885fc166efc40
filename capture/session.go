// Package capture runs the read-classify-dispatch loop over a virtual
// network interface.
package capture

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/norootfw/norootfw/logger"
	"github.com/norootfw/norootfw/packet"
	"github.com/norootfw/norootfw/sink"
)

// Interface is one established virtual interface. Closing it must unblock
// a Read in progress on its read stream.
type Interface interface {
	Reader() io.ReadCloser
	Writer() io.WriteCloser
	io.Closer
}

// EstablishFunc acquires a new virtual interface.
type EstablishFunc func() (Interface, error)

// Stats counts what one session has seen.
type Stats struct {
	Read       uint64 `json:"read"`
	Dispatched uint64 `json:"dispatched"`
	Skipped    uint64 `json:"skipped"`
	Syn        uint64 `json:"syn"`
}

// handle closes its closer at most once.
type handle struct {
	name string
	c    io.Closer
	once sync.Once
}

// close reports the error of the call that actually closed the handle.
func (h *handle) close() (err error) {
	h.once.Do(func() {
		if h.c != nil {
			err = h.c.Close()
		}
	})
	return err
}

// Session owns one generation of interface handles. Start and Run are
// called from the same goroutine; only Stats may be read concurrently.
type Session struct {
	name      string
	establish EstablishFunc
	sink      sink.Sink

	in      io.Reader
	handles []*handle // read stream, write stream, interface
	ifName  atomic.Pointer[string]

	read       atomic.Uint64
	dispatched atomic.Uint64
	skipped    atomic.Uint64
	syn        atomic.Uint64
}

type SessionOption func(*Session)

// WithName sets the name used in log lines.
func WithName(name string) SessionOption {
	return func(s *Session) {
		s.name = name
	}
}

func NewSession(establish EstablishFunc, s sink.Sink, opts ...SessionOption) *Session {
	sess := &Session{
		name:      "capture",
		establish: establish,
		sink:      s,
	}
	for _, opt := range opts {
		opt(sess)
	}
	return sess
}

// Start acquires the interface and its read and write streams.
func (s *Session) Start() error {
	iface, err := s.establish()
	if err != nil {
		return &EstablishError{Err: errors.WithStack(err)}
	}
	if iface == nil {
		return &EstablishError{Err: errors.New("tunnel established without a handle")}
	}

	if n, ok := iface.(interface{ Name() (string, error) }); ok {
		if name, err := n.Name(); err == nil {
			s.ifName.Store(&name)
		}
	}

	in := iface.Reader()
	out := iface.Writer()
	s.in = in
	s.handles = []*handle{
		{name: "read stream", c: in},
		{name: "write stream", c: out},
		{name: "interface", c: iface},
	}
	return nil
}

// Run reads packets until ctx is cancelled or a read fails, then closes
// every handle. Cancellation closes the interface, which ends the read in
// progress; Run then returns nil. A read failure returns *ReadError.
func (s *Session) Run(ctx context.Context) error {
	if s.in == nil {
		return errors.New("capture: session not started")
	}
	defer s.teardown()

	stop := context.AfterFunc(ctx, s.interrupt)
	defer stop()

	logger.Info("capture: session %s starting", s.name)

	buf := make([]byte, packet.MaxLength)
	for {
		n, err := s.in.Read(buf)
		if n > 0 {
			s.handle(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("capture: session %s interrupted", s.name)
				return nil
			}
			rerr := &ReadError{Err: errors.WithStack(err)}
			logger.Error("capture: session %s read failed: %v", s.name, err)
			logger.Debug("%+v", rerr)
			return rerr
		}
		if n <= 0 && ctx.Err() != nil {
			logger.Info("capture: session %s interrupted", s.name)
			return nil
		}
	}
}

// InterfaceName returns the name the system gave the interface, or "" if
// the interface is not established or does not report one.
func (s *Session) InterfaceName() string {
	if name := s.ifName.Load(); name != nil {
		return *name
	}
	return ""
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Read:       s.read.Load(),
		Dispatched: s.dispatched.Load(),
		Skipped:    s.skipped.Load(),
		Syn:        s.syn.Load(),
	}
}

func (s *Session) handle(b []byte) {
	s.read.Add(1)

	v, err := packet.Parse(b)
	if err != nil {
		s.skipped.Add(1)
		logger.Debug("capture: skipping %d byte packet: %v", len(b), err)
		return
	}
	if v.IsSyn() {
		s.syn.Add(1)
	}
	if logger.IsDebug() {
		trace(v)
	}

	s.dispatch(b, v.PayloadLength())
}

func (s *Session) dispatch(b []byte, payloadLength int) {
	defer func() {
		if r := recover(); r != nil {
			s.skipped.Add(1)
			logger.Error("capture: decision sink panicked: %v", r)
		}
	}()
	s.sink.ClassifyOutboundAttempt(b, payloadLength)
	s.dispatched.Add(1)
}

func trace(v packet.View) {
	logger.Debug("capture: DST port: %d TCP flags: %#02x SRC: %s DST: %s",
		v.DstPort(), v.Flags(), v.SrcAddrString(), v.DstAddrString())
	if q, ok := packet.DNSQuestion(v); ok {
		logger.Debug("capture: DNS query %s", q)
	}
}

// interrupt closes the interface so the blocked read returns.
func (s *Session) interrupt() {
	iface := s.handles[len(s.handles)-1]
	if err := iface.close(); err != nil {
		logger.Error("%v", &CloseError{Handle: iface.name, Err: err})
	}
}

func (s *Session) teardown() {
	for _, h := range s.handles {
		if err := h.close(); err != nil {
			logger.Error("%v", &CloseError{Handle: h.name, Err: err})
		}
	}
	logger.Info("capture: session %s exiting", s.name)
}
