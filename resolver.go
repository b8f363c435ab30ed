package rdns

import (
	"fmt"

	"github.com/miekg/dns"
)

// Resolver is an interface implemented by anything that can answer a DNS
// query on behalf of an upstream, given metadata about the client that
// originated it.
type Resolver interface {
	Resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error)
	fmt.Stringer
}
