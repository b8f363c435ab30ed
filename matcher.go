package rdns

import (
	"fmt"

	"github.com/miekg/dns"
)

// Matcher is implemented by anything that can test a query (and its
// client metadata) against a rule condition. Rule sets evaluate an
// ordered list of (Matcher, Action) pairs against every query.
type Matcher interface {
	Match(q *dns.Msg, ci ClientInfo) bool
	fmt.Stringer
}

// invertMatcher negates another Matcher's result, generalizing the
// teacher's per-route Invert flag into a composable wrapper usable by
// any rule, not just a router route.
type invertMatcher struct {
	inner Matcher
}

// Invert returns a Matcher that matches whatever m does not.
func Invert(m Matcher) Matcher {
	return invertMatcher{inner: m}
}

func (m invertMatcher) Match(q *dns.Msg, ci ClientInfo) bool {
	return !m.inner.Match(q, ci)
}

func (m invertMatcher) String() string {
	return "not(" + m.inner.String() + ")"
}
