package packet

import (
	"errors"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

var (
	ErrTruncated          = errors.New("packet: truncated header")
	ErrNotIPv4            = errors.New("packet: not an IPv4 packet")
	ErrBadIPHeaderLength  = errors.New("packet: invalid IPv4 header length")
	ErrLengthMismatch     = errors.New("packet: total length does not match captured bytes")
	ErrNotTCP             = errors.New("packet: not a TCP segment")
	ErrBadTCPHeaderLength = errors.New("packet: invalid TCP header length")
)

// Parse validates b as an IPv4 packet carrying a TCP header and returns a
// View whose accessors stay within b. The TCP header must lie within the
// total length, so PayloadLength of a returned view is never negative.
func Parse(b []byte) (View, error) {
	if len(b) < minHeaderLength {
		return View{}, ErrTruncated
	}
	if header.IPVersion(b) != header.IPv4Version {
		return View{}, ErrNotIPv4
	}

	v := NewView(b)
	ihl := v.IPHeaderLength()
	if ihl < minHeaderLength {
		return View{}, ErrBadIPHeaderLength
	}
	if ihl > len(b) {
		return View{}, ErrTruncated
	}

	total := v.TotalLength()
	if total < ihl || total > len(b) {
		return View{}, ErrLengthMismatch
	}
	if tcpip.TransportProtocolNumber(v.Protocol()) != header.TCPProtocolNumber {
		return View{}, ErrNotTCP
	}
	if ihl+minHeaderLength > total {
		return View{}, ErrTruncated
	}

	thl := v.TCPHeaderLength()
	if thl < minHeaderLength {
		return View{}, ErrBadTCPHeaderLength
	}
	if ihl+thl > total {
		return View{}, ErrLengthMismatch
	}
	return v, nil
}
