// Package sink defines where classified outbound packets are handed off
// to the firewall decision engine.
package sink

import (
	"github.com/norootfw/norootfw/logger"
	"github.com/norootfw/norootfw/packet"
)

// Sink receives every accepted packet in capture order. Calls are
// synchronous and their result is not consulted. packet aliases the
// capture buffer and must not be retained after the call returns.
type Sink interface {
	ClassifyOutboundAttempt(packet []byte, payloadLength int)
}

// Func adapts a plain function to a Sink.
type Func func(packet []byte, payloadLength int)

func (f Func) ClassifyOutboundAttempt(packet []byte, payloadLength int) {
	f(packet, payloadLength)
}

// Log writes one line per connection attempt. Segments without SYN are
// logged at debug level only.
type Log struct{}

func (Log) ClassifyOutboundAttempt(b []byte, payloadLength int) {
	v, err := packet.Parse(b)
	if err != nil {
		logger.Debug("sink: %d byte packet, payload %d (%v)", len(b), payloadLength, err)
		return
	}
	if v.IsSyn() {
		logger.Info("sink: SYN %s -> %s:%d", v.SrcAddrString(), v.DstAddrString(), v.DstPort())
		return
	}
	logger.Debug("sink: %s -> %s:%d payload %d", v.SrcAddrString(), v.DstAddrString(), v.DstPort(), payloadLength)
}
