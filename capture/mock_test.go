package capture

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

var errReadFailed = errors.New("read: input/output error")

// mockInterface delivers queued packets, then blocks until closed. Closing
// the queue makes the next read fail.
type mockInterface struct {
	packets chan []byte
	closed  chan struct{}
	once    sync.Once

	readerCloses atomic.Int32
	writerCloses atomic.Int32
	ifaceCloses  atomic.Int32

	readerCloseErr error
	ifaceCloseErr  error

	// blocks the interface Close until released, when set
	closeGate chan struct{}
}

func newMockInterface() *mockInterface {
	return &mockInterface{
		packets: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (m *mockInterface) Reader() io.ReadCloser  { return &mockReader{m: m} }
func (m *mockInterface) Writer() io.WriteCloser { return &mockWriter{m: m} }

func (m *mockInterface) Close() error {
	m.ifaceCloses.Add(1)
	if m.closeGate != nil {
		<-m.closeGate
	}
	m.once.Do(func() { close(m.closed) })
	return m.ifaceCloseErr
}

func (m *mockInterface) closeCounts() [3]int32 {
	return [3]int32{m.readerCloses.Load(), m.writerCloses.Load(), m.ifaceCloses.Load()}
}

type mockReader struct {
	m *mockInterface
}

func (r *mockReader) Read(p []byte) (int, error) {
	select {
	case b, ok := <-r.m.packets:
		if !ok {
			return 0, errReadFailed
		}
		return copy(p, b), nil
	case <-r.m.closed:
		return 0, os.ErrClosed
	}
}

func (r *mockReader) Close() error {
	r.m.readerCloses.Add(1)
	return r.m.readerCloseErr
}

type mockWriter struct {
	m *mockInterface
}

func (w *mockWriter) Write(p []byte) (int, error) { return len(p), nil }

func (w *mockWriter) Close() error {
	w.m.writerCloses.Add(1)
	return nil
}

// synTo builds a minimal IPv4/TCP SYN addressed to port.
func synTo(port uint16) []byte {
	b := make([]byte, 40)
	b[0] = 0x45
	binary.BigEndian.PutUint16(b[2:4], 40)
	b[9] = 6
	copy(b[12:16], []byte{10, 0, 2, 2})
	copy(b[16:20], []byte{93, 184, 216, 34})
	binary.BigEndian.PutUint16(b[22:24], port)
	b[32] = 0x50
	b[33] = 0x02
	return b
}

// mockEstablisher hands out a fresh mockInterface per call.
type mockEstablisher struct {
	mu     sync.Mutex
	ifaces []*mockInterface
	err    error
	gate   bool
}

func (e *mockEstablisher) establish() (Interface, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	m := newMockInterface()
	if e.gate {
		m.closeGate = make(chan struct{})
	}
	e.ifaces = append(e.ifaces, m)
	return m, nil
}

func (e *mockEstablisher) all() []*mockInterface {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*mockInterface(nil), e.ifaces...)
}
