// Package packet interprets captured bytes as IPv4/TCP headers in place.
//
// A View never copies the buffer it wraps. It is valid only while the
// caller keeps the underlying bytes unchanged, which for the capture loop
// means until the next read into the shared buffer.
package packet

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// MaxLength is the largest IPv4 total length and the capture buffer size.
const MaxLength = 65535

const (
	minHeaderLength = 20

	// relative to the start of the TCP header
	tcpFlagsOffset = 13

	// DNSPort marks traffic worth decoding in debug diagnostics.
	DNSPort = 53
)

// View is a read-only IPv4/TCP view over one captured packet.
type View struct {
	b []byte
}

// NewView wraps b without any validation. Accessors on a view that did not
// come from Parse may index past the end of b and panic; PayloadLength may
// be negative.
func NewView(b []byte) View {
	return View{b: b}
}

// Bytes returns the wrapped bytes as captured.
func (v View) Bytes() []byte {
	return v.b
}

func (v View) ip() header.IPv4 {
	return header.IPv4(v.b)
}

func (v View) tcp() header.TCP {
	return header.TCP(v.b[v.IPHeaderLength():])
}

// Version is the IP version nibble.
func (v View) Version() int {
	return int(v.b[0] >> 4)
}

// IPHeaderLength is the IHL field converted from 32-bit words to bytes.
func (v View) IPHeaderLength() int {
	return int(v.ip().HeaderLength())
}

// TotalLength is the IPv4 total length field, not the length of the buffer.
func (v View) TotalLength() int {
	return int(v.ip().TotalLength())
}

// Protocol is the IPv4 protocol number.
func (v View) Protocol() uint8 {
	return v.ip().Protocol()
}

// TCPHeaderLength is the TCP data offset converted to bytes.
func (v View) TCPHeaderLength() int {
	return int(v.tcp().DataOffset())
}

// PayloadLength is the TCP payload size derived from the header fields.
func (v View) PayloadLength() int {
	return v.TotalLength() - v.IPHeaderLength() - v.TCPHeaderLength()
}

// Flags is the raw TCP flags octet.
func (v View) Flags() uint8 {
	return v.b[v.IPHeaderLength()+tcpFlagsOffset]
}

// IsSyn reports whether the SYN bit is set, whatever the other flags are.
func (v View) IsSyn() bool {
	return v.tcp().Flags().Contains(header.TCPFlagSyn)
}

// SrcPort is the TCP source port.
func (v View) SrcPort() uint16 {
	return v.tcp().SourcePort()
}

// DstPort is the TCP destination port.
func (v View) DstPort() uint16 {
	return v.tcp().DestinationPort()
}

// SrcAddr is the IPv4 source address.
func (v View) SrcAddr() netip.Addr {
	return netip.AddrFrom4(v.ip().SourceAddress().As4())
}

// DstAddr is the IPv4 destination address.
func (v View) DstAddr() netip.Addr {
	return netip.AddrFrom4(v.ip().DestinationAddress().As4())
}

// SrcAddrString renders the source address in dot-decimal form.
func (v View) SrcAddrString() string {
	return v.SrcAddr().String()
}

// DstAddrString renders the destination address in dot-decimal form.
func (v View) DstAddrString() string {
	return v.DstAddr().String()
}

// Payload returns the TCP payload bounded by the total length field.
func (v View) Payload() []byte {
	start := v.IPHeaderLength() + v.TCPHeaderLength()
	end := v.TotalLength()
	if start > end || end > len(v.b) {
		return nil
	}
	return v.b[start:end]
}
