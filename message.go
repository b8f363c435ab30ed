package rdns

import "github.com/miekg/dns"

// Return the query name from a DNS query.
func qName(q *dns.Msg) string {
	if len(q.Question) == 0 {
		return ""
	}
	return q.Question[0].Name
}

// Returns a NXDOMAIN answer for a query.
func nxdomain(q *dns.Msg) *dns.Msg {
	a := new(dns.Msg)
	a.SetReply(q)
	a.SetRcode(q, dns.RcodeNameError)
	return a
}

// Returns a SERVFAIL answer for a query.
func servfail(q *dns.Msg) *dns.Msg {
	a := new(dns.Msg)
	a.SetRcode(q, dns.RcodeServerFailure)
	return a
}

// rCode returns the response code of a message as a string, or "dropped" if
// the message is nil. Used as a metrics label.
func rCode(a *dns.Msg) string {
	if a == nil {
		return "dropped"
	}
	return dns.RcodeToString[a.Rcode]
}
