package packet

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"
)

func dnsOverTCP(t *testing.T, name string, qtype uint16, dstPort layers.TCPPort) []byte {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), qtype)
	wire, err := q.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	framed := make([]byte, 2+len(wire))
	binary.BigEndian.PutUint16(framed, uint16(len(wire)))
	copy(framed[2:], wire)

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 2, 2),
		DstIP:    net.IPv4(8, 8, 8, 8),
	}
	tcp := &layers.TCP{SrcPort: 50000, DstPort: dstPort, ACK: true, PSH: true, Window: 1024}
	return serialize(t, ip, tcp, framed)
}

func TestDNSQuestion(t *testing.T) {
	v, err := Parse(dnsOverTCP(t, "example.com", dns.TypeA, 53))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	got, ok := DNSQuestion(v)
	if !ok {
		t.Fatal("DNSQuestion() ok = false")
	}
	if got != "example.com. A" {
		t.Errorf("DNSQuestion() = %q, want %q", got, "example.com. A")
	}
}

func TestDNSQuestionIgnoresOtherTraffic(t *testing.T) {
	v, err := Parse(dnsOverTCP(t, "example.com", dns.TypeAAAA, 443))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if _, ok := DNSQuestion(v); ok {
		t.Error("DNSQuestion() decoded traffic on port 443")
	}

	syn := buildSyn([4]byte{10, 0, 2, 2}, [4]byte{8, 8, 8, 8}, 53)
	v, err = Parse(syn)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if _, ok := DNSQuestion(v); ok {
		t.Error("DNSQuestion() decoded an empty SYN")
	}
}
