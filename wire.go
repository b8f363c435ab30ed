package rdns

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// parseQuestion decodes the question section of a wire-format DNS
// message and returns its name, type and class. Any unpack failure
// (truncated message, bad compression pointer, oversized label) is
// reported as a WireError and must cause the caller to drop the query
// without touching the cache.
func parseQuestion(msg []byte) (qname string, qtype, qclass uint16, qnameWireLen int, err error) {
	m := new(dns.Msg)
	if uErr := m.Unpack(msg); uErr != nil {
		return "", 0, 0, 0, classifyUnpackError(uErr)
	}
	if len(m.Question) == 0 {
		return "", 0, 0, 0, errNoQuestion
	}
	q := m.Question[0]
	labels := dns.SplitDomainName(q.Name)
	wireLen := 1 // trailing root label
	for _, label := range labels {
		if len(label) > 63 {
			return "", 0, 0, 0, errBadName
		}
		wireLen += len(label) + 1
	}
	return q.Name, q.Qtype, q.Qclass, wireLen, nil
}

// classifyUnpackError maps a miekg/dns unpack error onto one of the
// wire-level error reasons used by the pipeline's drop accounting. The
// exact miekg/dns error values aren't a stable API, so this is a
// best-effort classification; any unrecognized failure is reported as
// a generic truncation, which is the most common cause.
func classifyUnpackError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "compression"):
		return errBadCompression
	case strings.Contains(msg, "label") || strings.Contains(msg, "name"):
		return errBadName
	default:
		return errTruncated
	}
}

// minTTL walks the answer, authority and additional sections and
// returns the minimum TTL across all resource records, ignoring the OPT
// pseudo-RR (whose TTL field carries extended RCODE/flags, not a
// cache lifetime). If the message has no eligible RR, it returns
// math.MaxUint32 so callers can distinguish "no RR" from "TTL 0".
func minTTL(m *dns.Msg) uint32 {
	var min uint32 = math.MaxUint32
	for _, section := range [][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range section {
			if _, ok := rr.(*dns.OPT); ok {
				continue
			}
			if ttl := rr.Header().Ttl; ttl < min {
				min = ttl
			}
		}
	}
	return min
}

// locateOPT returns the message's OPT pseudo-RR, or nil if it carries
// none. A message may have at most one; miekg/dns enforces that on
// unpack by construction of IsEdns0.
func locateOPT(m *dns.Msg) *dns.OPT {
	return m.IsEdns0()
}

// rewriteWithoutEDNS removes the OPT RR from the additional section and
// decrements ARCOUNT implicitly (ARCOUNT is derived from len(Extra) on
// re-pack, so removing the RR is sufficient).
func rewriteWithoutEDNS(m *dns.Msg) {
	if locateOPT(m) == nil {
		return
	}
	extra := make([]dns.RR, 0, len(m.Extra))
	for _, rr := range m.Extra {
		if _, ok := rr.(*dns.OPT); ok {
			continue
		}
		extra = append(extra, rr)
	}
	m.Extra = extra
}

// rewriteWithoutOption strips a single EDNS option (identified by its
// option code) from the OPT RR's RDATA, leaving the rest of the message
// (and the OPT RR itself) unchanged. Per the round-trip law in the
// design documentation, this is a no-op when the option isn't present.
func rewriteWithoutOption(m *dns.Msg, optionCode uint16) {
	opt := locateOPT(m)
	if opt == nil {
		return
	}
	kept := make([]dns.EDNS0, 0, len(opt.Option))
	for _, o := range opt.Option {
		if o.Option() == optionCode {
			continue
		}
		kept = append(kept, o)
	}
	opt.Option = kept
}

// addECS inserts or replaces an EDNS Client Subnet option (code 8) in
// the message's OPT RR, synthesizing one with the given UDP payload
// size and DNSSEC-OK flag if none is present. If override is false and
// an ECS option already exists, the existing option is left untouched.
func addECS(m *dns.Msg, clientAddr net.IP, prefixLen uint8, udpPayloadSize uint16, dnssecOK, override bool) {
	opt := locateOPT(m)
	if opt == nil {
		m.SetEdns0(udpPayloadSize, dnssecOK)
		opt = locateOPT(m)
	}

	for _, o := range opt.Option {
		if subnet, ok := o.(*dns.EDNS0_SUBNET); ok {
			if !override {
				return
			}
			populateECS(subnet, clientAddr, prefixLen)
			return
		}
	}

	subnet := new(dns.EDNS0_SUBNET)
	subnet.Code = dns.EDNS0SUBNET
	populateECS(subnet, clientAddr, prefixLen)
	opt.Option = append(opt.Option, subnet)
}

func populateECS(subnet *dns.EDNS0_SUBNET, addr net.IP, prefixLen uint8) {
	if ip4 := addr.To4(); ip4 != nil {
		subnet.Family = 1
		subnet.SourceNetmask = prefixLen
		subnet.Address = ip4.Mask(net.CIDRMask(int(prefixLen), 32))
	} else {
		subnet.Family = 2
		subnet.SourceNetmask = prefixLen
		subnet.Address = addr.Mask(net.CIDRMask(int(prefixLen), 128))
	}
	subnet.SourceScope = 0
}

// fingerprint computes the 32-bit query fingerprint described in the
// data-model documentation: a hash of the header (excluding the
// transaction ID, and masking the QR/TC/RA/Z flag bits that don't alter
// response content while retaining RD and OPCODE), the lowercased wire
// form of QNAME, and the QTYPE/QCLASS trailer. If scopeECS is set and
// the query carries an EDNS Client Subnet option, its address and
// prefix length are folded in as well so ECS-scoped caches get distinct
// fingerprints per client network.
//
// hash/fnv is used rather than a third-party hash because no library in
// the reference corpus provides a non-cryptographic 32-bit hash; fnv is
// the standard library's answer to exactly this problem.
func fingerprint(q *dns.Msg, scopeECS bool) uint32 {
	h := fnv.New32a()

	var flags byte
	for i, set := range []bool{q.RecursionDesired, q.Authoritative, q.AuthenticatedData, q.CheckingDisabled} {
		if set {
			flags |= 1 << i
		}
	}
	h.Write([]byte{byte(q.Opcode), flags, byte(q.Rcode)})

	var counts [8]byte
	for i, n := range []int{len(q.Question), len(q.Answer), len(q.Ns), len(q.Extra)} {
		binary.BigEndian.PutUint16(counts[2*i:], uint16(n))
	}
	h.Write(counts[:])

	if len(q.Question) > 0 {
		question := q.Question[0]
		h.Write([]byte(strings.ToLower(question.Name)))
		var trailer [4]byte
		binary.BigEndian.PutUint16(trailer[0:2], question.Qtype)
		binary.BigEndian.PutUint16(trailer[2:4], question.Qclass)
		h.Write(trailer[:])
	}

	if scopeECS {
		if edns0 := q.IsEdns0(); edns0 != nil {
			for _, o := range edns0.Option {
				if subnet, ok := o.(*dns.EDNS0_SUBNET); ok {
					h.Write(subnet.Address)
					h.Write([]byte{subnet.SourceNetmask})
				}
			}
		}
	}

	return h.Sum32()
}
