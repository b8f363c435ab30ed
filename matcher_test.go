package rdns

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func queryFor(name string) *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), dns.TypeA)
	return q
}

func TestSuffixMatcherExactAndSubdomain(t *testing.T) {
	m := NewSuffixMatcher("example.com", "foo.net")

	require.True(t, m.Match(queryFor("example.com"), ClientInfo{}))
	require.True(t, m.Match(queryFor("www.example.com"), ClientInfo{}))
	require.True(t, m.Match(queryFor("a.b.example.com"), ClientInfo{}))
	require.True(t, m.Match(queryFor("foo.net"), ClientInfo{}))
	require.False(t, m.Match(queryFor("notexample.com"), ClientInfo{}))
	require.False(t, m.Match(queryFor("example.org"), ClientInfo{}))
}

func TestSuffixMatcherCaseInsensitive(t *testing.T) {
	m := NewSuffixMatcher("Example.COM")
	require.True(t, m.Match(queryFor("WWW.example.com"), ClientInfo{}))
}

func TestNetmaskMatcher(t *testing.T) {
	m, err := NewNetmaskMatcher("10.0.0.0/8", "192.168.1.0/24")
	require.NoError(t, err)

	require.True(t, m.Match(nil, ClientInfo{SourceIP: net.ParseIP("10.1.2.3")}))
	require.True(t, m.Match(nil, ClientInfo{SourceIP: net.ParseIP("192.168.1.5")}))
	require.False(t, m.Match(nil, ClientInfo{SourceIP: net.ParseIP("172.16.0.1")}))
}

func TestInvert(t *testing.T) {
	inner, err := NewNetmaskMatcher("10.0.0.0/8")
	require.NoError(t, err)
	m := Invert(inner)

	require.False(t, m.Match(nil, ClientInfo{SourceIP: net.ParseIP("10.1.2.3")}))
	require.True(t, m.Match(nil, ClientInfo{SourceIP: net.ParseIP("8.8.8.8")}))
}

func TestQTypeMatcher(t *testing.T) {
	m, err := NewQTypeMatcher("A", "AAAA")
	require.NoError(t, err)

	aQ := queryFor("example.com")
	require.True(t, m.Match(aQ, ClientInfo{}))

	mxQ := new(dns.Msg)
	mxQ.SetQuestion(dns.Fqdn("example.com"), dns.TypeMX)
	require.False(t, m.Match(mxQ, ClientInfo{}))
}
