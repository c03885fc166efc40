package sink

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/norootfw/norootfw/logger"
)

type fakeSender struct {
	connected bool
	fail      bool
	sent      [][]byte
	types     []string
}

func (f *fakeSender) IsConnected() bool { return f.connected }

func (f *fakeSender) SendMessage(messageType string, data interface{}) error {
	if f.fail {
		return errors.New("write: broken pipe")
	}
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	f.types = append(f.types, messageType)
	f.sent = append(f.sent, b)
	return nil
}

func synPacket() []byte {
	b := make([]byte, 40)
	b[0] = 0x45
	binary.BigEndian.PutUint16(b[2:4], 40)
	b[9] = 6
	copy(b[12:16], []byte{10, 0, 2, 2})
	copy(b[16:20], []byte{93, 184, 216, 34})
	binary.BigEndian.PutUint16(b[22:24], 443)
	b[32] = 0x50
	b[33] = 0x02
	return b
}

func TestRemoteEncodesRequest(t *testing.T) {
	s := &fakeSender{connected: true}
	r := NewRemote(s)

	pkt := synPacket()
	r.ClassifyOutboundAttempt(pkt, 0)
	// the capture loop reuses its buffer right after the call
	for i := range pkt {
		pkt[i] = 0
	}

	if len(s.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(s.sent))
	}
	if s.types[0] != MessageClassify {
		t.Errorf("message type = %q, want %q", s.types[0], MessageClassify)
	}

	var req ClassifyRequest
	if err := json.Unmarshal(s.sent[0], &req); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !bytes.Equal(req.Packet, synPacket()) {
		t.Error("encoded packet does not match the bytes at call time")
	}
	if req.Sequence != 1 || req.PayloadLength != 0 {
		t.Errorf("request = %+v", req)
	}
	if r.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", r.Dropped())
	}
}

func TestRemoteDropsWhileDisconnected(t *testing.T) {
	s := &fakeSender{}
	r := NewRemote(s)

	r.ClassifyOutboundAttempt(synPacket(), 0)
	s.connected, s.fail = true, true
	r.ClassifyOutboundAttempt(synPacket(), 0)

	if len(s.sent) != 0 {
		t.Errorf("sent %d messages, want 0", len(s.sent))
	}
	if r.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", r.Dropped())
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger.Init(logger.New(&buf))
	defer logger.Init(nil)

	Log{}.ClassifyOutboundAttempt(synPacket(), 0)

	if out := buf.String(); !strings.Contains(out, "SYN 10.0.2.2 -> 93.184.216.34:443") {
		t.Errorf("log output = %q", out)
	}
}

func TestFunc(t *testing.T) {
	var got int
	var s Sink = Func(func(_ []byte, n int) { got = n })
	s.ClassifyOutboundAttempt(nil, 7)
	if got != 7 {
		t.Errorf("payload length = %d, want 7", got)
	}
}
