package sink

import (
	"sync/atomic"

	"github.com/norootfw/norootfw/logger"
)

// MessageClassify is the websocket message type carrying a ClassifyRequest.
const MessageClassify = "fw/classify"

// ClassifyRequest is the wire form of one decision request. Packet is
// encoded as base64 by encoding/json.
type ClassifyRequest struct {
	Packet        []byte `json:"packet"`
	PayloadLength int    `json:"payloadLength"`
	Sequence      uint64 `json:"seq"`
}

// Sender is the subset of the websocket client the remote sink uses.
type Sender interface {
	SendMessage(messageType string, data interface{}) error
	IsConnected() bool
}

// Remote forwards decision requests to a remote engine. Requests made
// while disconnected are dropped and counted.
type Remote struct {
	sender  Sender
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func NewRemote(sender Sender) *Remote {
	return &Remote{sender: sender}
}

func (r *Remote) ClassifyOutboundAttempt(b []byte, payloadLength int) {
	seq := r.seq.Add(1)
	if !r.sender.IsConnected() {
		r.dropped.Add(1)
		logger.Debug("sink: decision engine not connected, dropping request %d", seq)
		return
	}

	// SendMessage encodes before returning, so b is not retained.
	err := r.sender.SendMessage(MessageClassify, ClassifyRequest{
		Packet:        b,
		PayloadLength: payloadLength,
		Sequence:      seq,
	})
	if err != nil {
		r.dropped.Add(1)
		logger.Debug("sink: failed to send request %d: %v", seq, err)
	}
}

// Dropped is the number of requests that never reached the engine.
func (r *Remote) Dropped() uint64 {
	return r.dropped.Load()
}
