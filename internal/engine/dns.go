package engine

import (
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// dnsQueryName labels a DNS query datagram as "name TYPE", or returns "" when
// the payload is not a query.
func dnsQueryName(payload []byte) string {
	var msg dns.Msg
	if err := msg.Unpack(payload); err != nil {
		return ""
	}
	if msg.Response || len(msg.Question) == 0 {
		return ""
	}
	q := msg.Question[0]
	qtype, ok := dns.TypeToString[q.Qtype]
	if !ok {
		qtype = "TYPE" + strconv.Itoa(int(q.Qtype))
	}
	return strings.TrimSuffix(q.Name, ".") + " " + qtype
}
