// Package device exposes a TUN device as the read stream, write stream and
// control handle that one capture session owns.
package device

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/norootfw/norootfw/logger"
)

const (
	// headroom the wireguard tun drivers expect in front of each packet
	defaultOffset  = 16
	defaultBufSize = 2048
)

// closeTimeout bounds how long Close waits for a driver Read to return.
var closeTimeout = time.Second

type readResult struct {
	bufs   [][]byte
	sizes  []int
	offset int
	n      int
	err    error
}

// Streams wraps a tun.Device along with a flag indicating whether its
// Close method was called. A pump goroutine moves batches off the device
// so that Close always unblocks a pending Read on the read stream, even on
// drivers whose Read ignores Close. Such a pump is abandoned after
// closeTimeout and exits whenever the driver returns.
type Streams struct {
	tun.Device

	isClosed     atomic.Bool
	closeEventCh chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
	pumpDone     chan struct{}

	readCh chan readResult
}

// NewStreams takes ownership of dev and starts pumping packets from it.
func NewStreams(dev tun.Device) *Streams {
	s := &Streams{
		Device:       dev,
		closeEventCh: make(chan struct{}),
		readCh:       make(chan readResult, 16),
		pumpDone:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.pump()
	go s.watchEvents()

	return s
}

// Close closes the underlying device once. It waits for the event watcher
// and, at most closeTimeout, for the pump.
func (s *Streams) Close() (err error) {
	s.closeOnce.Do(func() {
		s.isClosed.Store(true)
		close(s.closeEventCh)
		err = s.Device.Close()
		s.wg.Wait()

		select {
		case <-s.pumpDone:
		case <-time.After(closeTimeout):
			logger.Warn("device: driver read still pending %v after close, abandoning pump", closeTimeout)
		}
	})
	return err
}

func (s *Streams) IsClosed() bool {
	return s.isClosed.Load()
}

// Reader returns the read stream. Each Read returns exactly one packet.
func (s *Streams) Reader() io.ReadCloser {
	return &reader{s: s}
}

// Writer returns the write stream. Each Write injects exactly one packet.
func (s *Streams) Writer() io.WriteCloser {
	return &writer{s: s}
}

func (s *Streams) bufSize() int {
	mtu, err := s.Device.MTU()
	if err != nil || mtu+defaultOffset < defaultBufSize {
		return defaultBufSize
	}
	return mtu + defaultOffset
}

func (s *Streams) pump() {
	defer close(s.pumpDone)

	batchSize := s.Device.BatchSize()
	if batchSize < 1 {
		batchSize = 1
	}
	size := s.bufSize()
	logger.Debug("device: pump started (batch %d, buffer %d)", batchSize, size)

	for {
		if s.IsClosed() {
			logger.Debug("device: pump exiting, device is closed")
			return
		}

		bufs := make([][]byte, batchSize)
		sizes := make([]int, batchSize)
		for i := range bufs {
			bufs[i] = make([]byte, size)
		}

		n, err := s.Device.Read(bufs, sizes, defaultOffset)

		if s.IsClosed() {
			logger.Debug("device: pump exiting, device closed during read")
			return
		}

		select {
		case s.readCh <- readResult{bufs: bufs, sizes: sizes, offset: defaultOffset, n: n, err: err}:
		case <-s.closeEventCh:
			return
		}

		if err != nil {
			logger.Debug("device: pump exiting due to read error: %v", err)
			return
		}
	}
}

func (s *Streams) watchEvents() {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-s.Device.Events():
			if !ok {
				return
			}
			switch ev {
			case tun.EventUp:
				logger.Debug("device: interface up")
			case tun.EventDown:
				logger.Debug("device: interface down")
			case tun.EventMTUUpdate:
				logger.Debug("device: MTU changed")
			}
		case <-s.closeEventCh:
			return
		}
	}
}

type reader struct {
	s       *Streams
	pending [][]byte
	err     error
	closed  atomic.Bool
}

func (r *reader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.closed.Load() {
			return 0, os.ErrClosed
		}
		if r.err != nil {
			return 0, r.err
		}

		select {
		case res := <-r.s.readCh:
			for i := 0; i < res.n && i < len(res.bufs); i++ {
				r.pending = append(r.pending, res.bufs[i][res.offset:res.offset+res.sizes[i]])
			}
			// the pump stops after an error, so keep it for every later read
			r.err = res.err
		case <-r.s.closeEventCh:
			return 0, os.ErrClosed
		}
	}

	pkt := r.pending[0]
	r.pending[0] = nil
	r.pending = r.pending[1:]
	return copy(p, pkt), nil
}

func (r *reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return os.ErrClosed
	}
	return nil
}

type writer struct {
	s      *Streams
	closed atomic.Bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed.Load() || w.s.IsClosed() {
		return 0, os.ErrClosed
	}
	buf := make([]byte, defaultOffset+len(p))
	copy(buf[defaultOffset:], p)
	if _, err := w.s.Device.Write([][]byte{buf}, defaultOffset); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *writer) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return os.ErrClosed
	}
	return nil
}
