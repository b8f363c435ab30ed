package rdns

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestHealthProberMarksUpstreamUpOnSuccess(t *testing.T) {
	conn := fakeUpstreamServer(t, func(q *dns.Msg) *dns.Msg {
		a := new(dns.Msg)
		a.SetReply(q)
		a.SetRcode(q, dns.RcodeSuccess)
		return a
	})

	u, err := NewUpstream("test-probe-up", conn.LocalAddr().String(), UpstreamOptions{RingSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })
	u.SetUpStatus(false)

	prober := NewHealthProber(NewUpstreamRegistry(u), time.Hour)
	prober.probeOne(u)

	require.True(t, u.IsUp())
}

func TestHealthProberMarksUpstreamDownOnUnreachable(t *testing.T) {
	// Nothing is listening on this port.
	u, err := NewUpstream("test-probe-down", "127.0.0.1:1", UpstreamOptions{RingSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })

	prober := NewHealthProber(NewUpstreamRegistry(u), time.Hour)
	prober.timeout = 200 * time.Millisecond
	prober.probeOne(u)

	require.False(t, u.IsUp())
}

func TestHealthProberSkipsPinnedUpstreams(t *testing.T) {
	u, err := NewUpstream("test-probe-pinned", "127.0.0.1:1", UpstreamOptions{RingSize: 4, Availability: AvailabilityUp})
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })

	prober := NewHealthProber(NewUpstreamRegistry(u), time.Hour)
	prober.probeAll()
	time.Sleep(200 * time.Millisecond) // a probe, if launched, fails fast against a closed port

	require.True(t, u.IsUp(), "a pinned-up upstream must never be probed")
	require.True(t, u.state.upStatus.Load(), "a probe of the unreachable address would have cleared up_status")
}
