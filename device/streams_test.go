package device

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/norootfw/norootfw/capture"
)

var _ capture.Interface = (*Streams)(nil)

// fakeTUN hands out queued batches and unblocks Read on Close, like the
// native drivers do.
type fakeTUN struct {
	batches chan [][]byte
	readErr error
	events  chan tun.Event
	closed  chan struct{}
	once    sync.Once
	closes  atomic.Int32

	mu      sync.Mutex
	written [][]byte
}

func newFakeTUN() *fakeTUN {
	return &fakeTUN{
		batches: make(chan [][]byte, 8),
		events:  make(chan tun.Event, 1),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTUN) File() *os.File           { return nil }
func (f *fakeTUN) MTU() (int, error)        { return 1500, nil }
func (f *fakeTUN) Name() (string, error)    { return "tun-test", nil }
func (f *fakeTUN) Events() <-chan tun.Event { return f.events }
func (f *fakeTUN) BatchSize() int           { return 4 }

func (f *fakeTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case batch, ok := <-f.batches:
		if !ok {
			return 0, f.readErr
		}
		for i, pkt := range batch {
			sizes[i] = copy(bufs[i][offset:], pkt)
		}
		return len(batch), nil
	case <-f.closed:
		return 0, os.ErrClosed
	}
}

func (f *fakeTUN) Write(bufs [][]byte, offset int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range bufs {
		f.written = append(f.written, append([]byte(nil), b[offset:]...))
	}
	return len(bufs), nil
}

func (f *fakeTUN) Close() error {
	f.closes.Add(1)
	f.once.Do(func() { close(f.closed) })
	return nil
}

func TestReaderSplitsBatches(t *testing.T) {
	f := newFakeTUN()
	s := NewStreams(f)
	defer s.Close()

	f.batches <- [][]byte{{1}, {2, 2}, {3, 3, 3}}
	f.batches <- [][]byte{{4, 4, 4, 4}}

	r := s.Reader()
	buf := make([]byte, 64)
	for want := 1; want <= 4; want++ {
		n, err := r.Read(buf)
		require.NoError(t, err)
		require.Equal(t, want, n)
		require.Equal(t, byte(want), buf[0])
	}
}

func TestCloseUnblocksRead(t *testing.T) {
	f := newFakeTUN()
	s := NewStreams(f)
	r := s.Reader()

	done := make(chan error, 1)
	go func() {
		_, err := r.Read(make([]byte, 64))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, os.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("read still blocked after close")
	}

	require.NoError(t, s.Close())
	require.Equal(t, int32(1), f.closes.Load())
	require.True(t, s.IsClosed())
}

func TestReadErrorIsSticky(t *testing.T) {
	f := newFakeTUN()
	f.readErr = errors.New("read tun: input/output error")
	s := NewStreams(f)
	defer s.Close()

	f.batches <- [][]byte{{0x45}}
	close(f.batches)

	r := s.Reader()
	buf := make([]byte, 64)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = r.Read(buf)
	require.ErrorIs(t, err, f.readErr)
	_, err = r.Read(buf)
	require.ErrorIs(t, err, f.readErr)
}

func TestWriterInjectsWithOffset(t *testing.T) {
	f := newFakeTUN()
	s := NewStreams(f)
	defer s.Close()

	w := s.Writer()
	n, err := w.Write([]byte{0x45, 0, 0, 20})
	require.NoError(t, err)
	require.Equal(t, 4, n)

	f.mu.Lock()
	require.Equal(t, [][]byte{{0x45, 0, 0, 20}}, f.written)
	f.mu.Unlock()

	require.NoError(t, w.Close())
	_, err = w.Write([]byte{1})
	require.ErrorIs(t, err, os.ErrClosed)
	require.ErrorIs(t, w.Close(), os.ErrClosed)
}

func TestReaderCloseIsIndependent(t *testing.T) {
	f := newFakeTUN()
	s := NewStreams(f)
	defer s.Close()

	r := s.Reader()
	require.NoError(t, r.Close())
	_, err := r.Read(make([]byte, 16))
	require.ErrorIs(t, err, os.ErrClosed)
	require.False(t, s.IsClosed())
}

// stuckTUN is a driver whose Read only returns once released, whatever
// Close does.
type stuckTUN struct {
	*fakeTUN
	release chan struct{}
}

func (f *stuckTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	<-f.release
	return 0, os.ErrClosed
}

func TestCloseDoesNotWaitForStuckDriver(t *testing.T) {
	saved := closeTimeout
	closeTimeout = 50 * time.Millisecond
	t.Cleanup(func() { closeTimeout = saved })

	f := &stuckTUN{fakeTUN: newFakeTUN(), release: make(chan struct{})}
	defer close(f.release)

	s := NewStreams(f)
	r := s.Reader()

	readDone := make(chan error, 1)
	go func() {
		_, err := r.Read(make([]byte, 64))
		readDone <- err
	}()
	time.Sleep(50 * time.Millisecond)

	closeDone := make(chan error, 1)
	go func() { closeDone <- s.Close() }()

	select {
	case err := <-closeDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked on a driver read")
	}

	select {
	case err := <-readDone:
		require.ErrorIs(t, err, os.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("read still blocked after close")
	}
	require.Equal(t, int32(1), f.closes.Load())
}
