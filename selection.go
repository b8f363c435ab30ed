package rdns

import (
	"sync"
	"sync/atomic"

	"github.com/mroth/weightedrand/v2"
)

// SelectionPolicy chooses one upstream from a candidate set already
// filtered down to a single pool, up, rate-limit-admitted upstreams
// (UpstreamRegistry.PoolCandidates). Policies are pure functions over
// that slice: they read upstream state (weight, outstanding, order) but
// never mutate it, so the same candidate slice can be handed to
// multiple concurrent queries safely.
type SelectionPolicy interface {
	Select(candidates []*Upstream) *Upstream
}

// FirstAvailable always returns the first candidate, i.e. the
// highest-priority upstream that's currently up and admitting queries.
type FirstAvailable struct{}

func (FirstAvailable) Select(candidates []*Upstream) *Upstream {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

// RoundRobin cycles through candidates in order, one query per upstream
// before wrapping, generalizing the teacher's resolver-group
// round-robin to operate over upstream candidates instead of
// sub-resolvers.
type RoundRobin struct {
	counter atomic.Uint64
}

func (r *RoundRobin) Select(candidates []*Upstream) *Upstream {
	if len(candidates) == 0 {
		return nil
	}
	i := r.counter.Add(1) - 1
	return candidates[int(i%uint64(len(candidates)))]
}

// WeightedRandom picks a candidate with probability proportional to its
// configured weight, using weightedrand for the underlying selection so
// the cumulative-weight walk and its source of randomness are handled
// by a maintained library rather than hand-rolled.
type WeightedRandom struct {
	mu sync.Mutex
}

func (w *WeightedRandom) Select(candidates []*Upstream) *Upstream {
	if len(candidates) == 0 {
		return nil
	}
	choices := make([]weightedrand.Choice[*Upstream, int], 0, len(candidates))
	for _, u := range candidates {
		weight := u.weight
		if weight <= 0 {
			weight = 1
		}
		choices = append(choices, weightedrand.NewChoice(u, weight))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		return candidates[0]
	}
	return chooser.Pick()
}

// LeastOutstanding returns the candidate with the fewest in-flight
// queries, breaking ties first by configured order, then by position
// in the candidate slice (which reflects registration order, since the
// registry snapshot is stable-sorted).
type LeastOutstanding struct{}

func (LeastOutstanding) Select(candidates []*Upstream) *Upstream {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	bestPos := 0
	for pos, u := range candidates[1:] {
		pos++
		switch {
		case u.Outstanding() < best.Outstanding():
			best, bestPos = u, pos
		case u.Outstanding() == best.Outstanding() && u.Order() < best.Order():
			best, bestPos = u, pos
		case u.Outstanding() == best.Outstanding() && u.Order() == best.Order() && pos < bestPos:
			best, bestPos = u, pos
		}
	}
	return best
}
