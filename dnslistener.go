package rdns

import (
	"net"

	"github.com/miekg/dns"
)

// DNSListener is a UDP or TCP DNS listener that forwards every query it
// receives to a Resolver, typically a Pipeline. It wraps
// github.com/miekg/dns's Server rather than owning the socket directly,
// which gets TCP's length-prefixed framing and connection reuse for
// free.
type DNSListener struct {
	*dns.Server
	id string
}

var _ Listener = &DNSListener{}

// ListenOptions restricts which clients a listener accepts queries from.
type ListenOptions struct {
	AllowedNet []*net.IPNet
}

// NewDNSListener returns a UDP or TCP DNS listener (net is "udp" or "tcp").
func NewDNSListener(id, addr, net string, opt ListenOptions, resolver Resolver) *DNSListener {
	return &DNSListener{
		id: id,
		Server: &dns.Server{
			Addr:    addr,
			Net:     net,
			Handler: listenHandler(id, net, resolver, opt.AllowedNet),
		},
	}
}

// Start runs the listener; it blocks until the listener is closed or
// fails.
func (s *DNSListener) Start() error {
	Log.WithField("id", s.id).WithField("protocol", s.Net).WithField("addr", s.Addr).Info("starting listener")
	return s.ListenAndServe()
}

func (s *DNSListener) String() string {
	return s.id
}

// listenHandler builds a dns.HandlerFunc that extracts client metadata,
// enforces the listener's ACL, forwards to resolver, and replies (or
// drops the connection on a nil response).
func listenHandler(id, protocol string, resolver Resolver, allowedNet []*net.IPNet) dns.HandlerFunc {
	metrics := NewListenerMetrics("listener", id)
	return func(w dns.ResponseWriter, req *dns.Msg) {
		ci := ClientInfo{Listener: id, Protocol: protocol}
		switch addr := w.RemoteAddr().(type) {
		case *net.TCPAddr:
			ci.SourceIP = addr.IP
		case *net.UDPAddr:
			ci.SourceIP = addr.IP
		}

		log := logger(id, req, ci)
		log.Debug("received query")
		metrics.query.Add(1)

		if !isAllowed(allowedNet, ci.SourceIP) {
			metrics.err.Add("acl", 1)
			a := new(dns.Msg)
			a.SetRcode(req, dns.RcodeRefused)
			_ = w.WriteMsg(a)
			return
		}

		a, err := resolver.Resolve(req, ci)
		if err != nil {
			metrics.err.Add("resolve", 1)
			log.WithError(err).Debug("failed to resolve")
			a = servfail(req)
		}

		// A nil, nil response from the resolver means the pipeline
		// dropped the query; close without answering.
		if a == nil {
			w.Close()
			metrics.drop.Add(1)
			return
		}

		// Check the response fits if the query came over UDP; if not,
		// set TC and let the client retry over TCP.
		if protocol == "udp" {
			maxSize := dns.MinMsgSize
			if edns0 := req.IsEdns0(); edns0 != nil {
				maxSize = int(edns0.UDPSize())
			}
			a.Truncate(maxSize)
		}

		metrics.response.Add(rCode(a), 1)
		_ = w.WriteMsg(a)
	}
}

func isAllowed(allowedNet []*net.IPNet, ip net.IP) bool {
	if len(allowedNet) == 0 {
		return true
	}
	for _, n := range allowedNet {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
