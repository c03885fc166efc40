package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/miekg/dns"
)

// DNSQuestion decodes the first question of a DNS-over-TCP message carried
// by v, for diagnostics. It reports false when v is not DNS traffic or the
// payload does not hold one complete length-prefixed message.
func DNSQuestion(v View) (string, bool) {
	if v.DstPort() != DNSPort && v.SrcPort() != DNSPort {
		return "", false
	}

	payload := v.Payload()
	if len(payload) < 2 {
		return "", false
	}
	n := int(binary.BigEndian.Uint16(payload[:2]))
	if n == 0 || len(payload) < 2+n {
		return "", false
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(payload[2 : 2+n]); err != nil {
		return "", false
	}
	if len(msg.Question) == 0 {
		return "", false
	}

	q := msg.Question[0]
	return fmt.Sprintf("%s %s", q.Name, dns.TypeToString[q.Qtype]), true
}
