package rdns

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testUpstream(t *testing.T, addr string, weight, order int) *Upstream {
	t.Helper()
	u, err := NewUpstream(addr, addr, UpstreamOptions{
		Weight:   weight,
		Order:    order,
		RingSize: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })
	return u
}

func TestFirstAvailable(t *testing.T) {
	a := testUpstream(t, "127.0.0.1:10001", 1, 0)
	b := testUpstream(t, "127.0.0.1:10002", 1, 1)

	var p FirstAvailable
	require.Same(t, a, p.Select([]*Upstream{a, b}))
	require.Nil(t, p.Select(nil))
}

func TestRoundRobinCyclesEvenly(t *testing.T) {
	a := testUpstream(t, "127.0.0.1:10003", 1, 0)
	b := testUpstream(t, "127.0.0.1:10004", 1, 1)
	candidates := []*Upstream{a, b}

	p := &RoundRobin{}
	var counts = map[*Upstream]int{}
	for i := 0; i < 100; i++ {
		counts[p.Select(candidates)]++
	}
	require.Equal(t, 50, counts[a])
	require.Equal(t, 50, counts[b])
}

// TestWeightedRandomDistribution checks that, given weights 1 and 3,
// the heavier upstream is picked roughly 3 times out of 4 (0.75) over
// a large number of selections.
func TestWeightedRandomDistribution(t *testing.T) {
	light := testUpstream(t, "127.0.0.1:10005", 1, 0)
	heavy := testUpstream(t, "127.0.0.1:10006", 3, 1)
	candidates := []*Upstream{light, heavy}

	p := &WeightedRandom{}
	const trials = 10000
	var heavyCount int
	for i := 0; i < trials; i++ {
		if p.Select(candidates) == heavy {
			heavyCount++
		}
	}

	freq := float64(heavyCount) / float64(trials)
	require.InDelta(t, 0.75, freq, 0.03)
}

func TestLeastOutstandingPicksFewestInFlight(t *testing.T) {
	a := testUpstream(t, "127.0.0.1:10007", 1, 0)
	b := testUpstream(t, "127.0.0.1:10008", 1, 1)
	a.state.outstanding.Store(5)
	b.state.outstanding.Store(2)

	var p LeastOutstanding
	require.Same(t, b, p.Select([]*Upstream{a, b}))
}

// TestLeastOutstandingTieBreak checks that when outstanding counts are
// equal, the upstream with the lower configured order wins.
func TestLeastOutstandingTieBreak(t *testing.T) {
	a := testUpstream(t, "127.0.0.1:10009", 1, 5)
	b := testUpstream(t, "127.0.0.1:10010", 1, 1)

	var p LeastOutstanding
	require.Same(t, b, p.Select([]*Upstream{a, b}))
}
