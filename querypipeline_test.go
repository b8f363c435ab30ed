package rdns

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// fakeUpstreamServer is a minimal UDP DNS server used to exercise the
// pipeline's forward/correlate path end to end without a real resolver.
func fakeUpstreamServer(t *testing.T, answer func(q *dns.Msg) *dns.Msg) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, dns.MaxMsgSize)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			q := new(dns.Msg)
			if err := q.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := answer(q)
			wire, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(wire, addr)
		}
	}()
	return conn
}

func testSnapshot(t *testing.T, upstreamAddr string, cache *Cache) *ConfigSnapshot {
	t.Helper()
	u, err := NewUpstream("test-upstream", upstreamAddr, UpstreamOptions{
		Weight:   1,
		Pools:    []string{""},
		RingSize: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })

	return &ConfigSnapshot{
		DefaultPool: "",
		Policy:      FirstAvailable{},
		Cache:       cache,
		Registry:    NewUpstreamRegistry(u),
	}
}

func TestPipelineForwardsToUpstream(t *testing.T) {
	conn := fakeUpstreamServer(t, func(q *dns.Msg) *dns.Msg {
		return aResponse(q, 300)
	})

	snapshot := testSnapshot(t, conn.LocalAddr().String(), nil)
	store := NewConfigStore(snapshot)
	p := NewPipeline("test-pipeline", PipelineOptions{Store: store, QueryTimeout: time.Second})

	resp, err := p.Resolve(queryFor("example.com"), ClientInfo{SourceIP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Equal(t, uint32(300), resp.Answer[0].Header().Ttl)
}

func TestPipelineServesFromCacheOnSecondQuery(t *testing.T) {
	var upstreamHits int
	conn := fakeUpstreamServer(t, func(q *dns.Msg) *dns.Msg {
		upstreamHits++
		return aResponse(q, 300)
	})

	cache := NewCache("test-pipeline-cache", 100, 0, 3600, false)
	snapshot := testSnapshot(t, conn.LocalAddr().String(), cache)
	store := NewConfigStore(snapshot)
	p := NewPipeline("test-pipeline-cached", PipelineOptions{Store: store, QueryTimeout: time.Second})

	ci := ClientInfo{SourceIP: net.ParseIP("127.0.0.1")}
	q := queryFor("cached.example.com")

	_, err := p.Resolve(q, ci)
	require.NoError(t, err)
	_, err = p.Resolve(q, ci)
	require.NoError(t, err)

	require.Equal(t, 1, upstreamHits, "second query should be served from cache, not forwarded again")
}

func TestPipelineDropsOnACLReject(t *testing.T) {
	conn := fakeUpstreamServer(t, func(q *dns.Msg) *dns.Msg { return aResponse(q, 300) })
	snapshot := testSnapshot(t, conn.LocalAddr().String(), nil)
	snapshot.ACL = NewRuleSet(Rule{Matcher: Invert(mustNetmask(t, "10.0.0.0/8")), Action: Action{Kind: ActionDrop}})

	store := NewConfigStore(snapshot)
	p := NewPipeline("test-pipeline-acl", PipelineOptions{Store: store, QueryTimeout: time.Second})

	resp, err := p.Resolve(queryFor("example.com"), ClientInfo{SourceIP: net.ParseIP("203.0.113.1")})
	require.NoError(t, err)
	require.Nil(t, resp, "a client outside the allowed network must be silently dropped")
}

func mustNetmask(t *testing.T, cidr string) Matcher {
	t.Helper()
	m, err := NewNetmaskMatcher(cidr)
	require.NoError(t, err)
	return m
}

func TestPipelineNoUpstreamDrops(t *testing.T) {
	store := NewConfigStore(&ConfigSnapshot{
		Policy:   FirstAvailable{},
		Registry: NewUpstreamRegistry(), // no upstreams configured
	})
	p := NewPipeline("test-pipeline-noupstream", PipelineOptions{Store: store, QueryTimeout: time.Second})

	resp, err := p.Resolve(queryFor("example.com"), ClientInfo{SourceIP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	require.Nil(t, resp)
}
