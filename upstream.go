package rdns

import (
	"expvar"
	"fmt"
	"net"
	"sort"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// Availability is the administrative state of an upstream, independent
// of what the health prober currently believes about it.
type Availability int

const (
	// AvailabilityAuto defers to the health prober's up_status.
	AvailabilityAuto Availability = iota
	// AvailabilityUp always reports available, skipping probing.
	AvailabilityUp
	// AvailabilityDown always reports unavailable, skipping probing.
	AvailabilityDown
)

func (a Availability) String() string {
	switch a {
	case AvailabilityUp:
		return "up"
	case AvailabilityDown:
		return "down"
	default:
		return "auto"
	}
}

// Upstream is one configured backend resolver. The registry's
// copy-on-write mutations (SetWeight, SetOrder, AddPool, ...) replace an
// Upstream value wholesale, so anything that must survive such a copy
// unchanged — the live socket, the session tracker, the running
// counters — lives behind the shared *upstreamState pointer instead of
// as a direct field; only the small, rarely-mutated configuration
// (weight, order, pool membership, availability) is copied per
// mutation.
type Upstream struct {
	addr    *net.UDPAddr
	network string

	weight int
	order  int
	pools  map[string]struct{}

	limiter      *RateLimiter // optional per-upstream QPS cap; nil means unlimited
	availability Availability

	state *upstreamState
}

// upstreamState is the mutable, concurrently-accessed half of an
// upstream: the live connection, its session tracker, and the counters
// the health prober and selection policies (C6) read lock-free. It is
// shared by every Upstream value produced by a registry mutation for
// the same backend, so counters and in-flight sessions survive a
// config-only copy-on-write update.
type upstreamState struct {
	conn     *net.UDPConn
	sessions *sessionTracker

	upStatus    atomic.Bool // health prober's current verdict, meaningful only when availability == Auto
	outstanding atomic.Int64
	queries     atomic.Int64
	latencyEWMA atomic.Int64 // nanoseconds; reuse/spurious counters live on the session tracker

	metrics *UpstreamMetrics
}

// UpstreamMetrics exposes per-upstream query/outstanding counters.
type UpstreamMetrics struct {
	queries     *expvar.Int
	outstanding *expvar.Int
}

// UpstreamOptions configures a new Upstream.
type UpstreamOptions struct {
	Weight       int
	Order        int
	Pools        []string
	Limiter      *RateLimiter
	Availability Availability
	RingSize     int           // must be a power of two
	SessionTimeout time.Duration
}

// NewUpstream dials a UDP socket to addr and starts a background reader
// that correlates responses via a per-upstream session tracker (C7) and
// invokes the respond continuation passed to Send once a response is
// matched. The continuation is expected to finish quickly (it typically
// hands off to the cache and the client socket); it runs on the reader
// goroutine.
func NewUpstream(id, addr string, opt UpstreamOptions) (*Upstream, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream address %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial upstream %q: %w", addr, err)
	}

	ringSize := opt.RingSize
	if ringSize == 0 {
		ringSize = 1024
	}
	timeout := opt.SessionTimeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}

	pools := make(map[string]struct{}, len(opt.Pools))
	for _, p := range opt.Pools {
		pools[p] = struct{}{}
	}

	state := &upstreamState{
		conn:     conn,
		sessions: newSessionTracker(id, ringSize, timeout),
		metrics: &UpstreamMetrics{
			queries:     getVarInt("upstream", id, "queries"),
			outstanding: getVarInt("upstream", id, "outstanding"),
		},
	}
	state.upStatus.Store(true) // optimistic until the first probe says otherwise

	u := &Upstream{
		addr:         udpAddr,
		network:      "udp",
		weight:       opt.Weight,
		order:        opt.Order,
		pools:        pools,
		limiter:      opt.Limiter,
		availability: opt.Availability,
		state:        state,
	}

	go state.readLoop(id)
	return u, nil
}

// Send forwards query to the upstream, rewriting its transaction ID to
// the session tracker's allocated slot index. respond is invoked on the
// upstream's reader goroutine once a matching response arrives, with
// the original transaction ID already restored; it is the pipeline's
// continuation for the Correlated→Cached→EmitToClient steps.
func (u *Upstream) Send(query *dns.Msg, fp uint32, respond func(*dns.Msg)) error {
	s := u.state
	slot := s.sessions.allocate(query.Id, fp, respond)
	out := query.Copy()
	out.Id = slot

	wire, err := out.Pack()
	if err != nil {
		return err
	}
	s.outstanding.Add(1)
	s.queries.Add(1)
	s.metrics.queries.Add(1)
	s.metrics.outstanding.Set(s.outstanding.Load())
	_, err = s.conn.Write(wire)
	return err
}

func (s *upstreamState) readLoop(id string) {
	buf := make([]byte, dns.MaxMsgSize)
	log := Log.WithField("upstream", id)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			log.WithError(err).Warn("upstream read failed")
			return
		}
		start := time.Now()

		resp := new(dns.Msg)
		if err := resp.Unpack(buf[:n]); err != nil {
			log.WithError(err).Debug("dropping malformed upstream response")
			continue
		}

		sess, ok := s.sessions.resolve(resp.Id)
		if !ok {
			continue // spurious, already counted by the tracker
		}

		resp.Id = sess.originalID
		s.outstanding.Add(-1)
		s.metrics.outstanding.Set(s.outstanding.Load())
		s.recordLatency(time.Since(start))

		if sess.respond != nil {
			sess.respond(resp)
		}
	}
}

func (s *upstreamState) recordLatency(d time.Duration) {
	const alpha = 0.2 // smoothing factor for the exponential moving average
	prev := s.latencyEWMA.Load()
	sample := d.Nanoseconds()
	if prev == 0 {
		s.latencyEWMA.Store(sample)
		return
	}
	next := int64(alpha*float64(sample) + (1-alpha)*float64(prev))
	s.latencyEWMA.Store(next)
}

// IsUp reports whether the upstream currently accepts queries: either
// its administrative state pins it Up/Down, or (in Auto) the health
// prober's last verdict.
func (u *Upstream) IsUp() bool {
	switch u.availability {
	case AvailabilityUp:
		return true
	case AvailabilityDown:
		return false
	default:
		return u.state.upStatus.Load()
	}
}

// SetUpStatus records the health prober's current verdict. Meaningless
// (and ignored by IsUp) unless the upstream's availability is Auto.
func (u *Upstream) SetUpStatus(up bool) {
	u.state.upStatus.Store(up)
}

// Outstanding returns the number of in-flight queries, for leastOutstanding.
func (u *Upstream) Outstanding() int64 {
	return u.state.outstanding.Load()
}

// Order returns the configured tie-break order.
func (u *Upstream) Order() int {
	return u.order
}

// LatencyEWMA returns the smoothed round-trip latency observed for this upstream.
func (u *Upstream) LatencyEWMA() time.Duration {
	return time.Duration(u.state.latencyEWMA.Load())
}

// ProbeAddr returns the address used for health-check probes.
func (u *Upstream) ProbeAddr() *net.UDPAddr {
	return u.addr
}

// InPool reports whether the upstream is a member of the named pool.
func (u *Upstream) InPool(pool string) bool {
	_, ok := u.pools[pool]
	return ok
}

func (u *Upstream) String() string {
	return u.addr.String()
}

// Close tears down the upstream's socket.
func (u *Upstream) Close() error {
	return u.state.conn.Close()
}

// UpstreamRegistry holds the ordered sequence of configured upstreams.
// Every mutation (add, remove, reweight, reorder, availability change)
// builds a new stable-sorted slice and atomically publishes it; the hot
// path (query pipeline, selection policies) reads one snapshot per
// query via Snapshot, so modifications only become visible to the next
// query, never mid-flight.
type UpstreamRegistry struct {
	snapshot atomic.Pointer[[]*Upstream]
}

// NewUpstreamRegistry returns a registry seeded with the given upstreams.
func NewUpstreamRegistry(upstreams ...*Upstream) *UpstreamRegistry {
	r := &UpstreamRegistry{}
	r.publish(upstreams)
	return r
}

// Snapshot returns the current upstream sequence. Callers must not
// mutate the returned slice.
func (r *UpstreamRegistry) Snapshot() []*Upstream {
	p := r.snapshot.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Add appends an upstream and republishes the snapshot.
func (r *UpstreamRegistry) Add(u *Upstream) {
	next := append(append([]*Upstream{}, r.Snapshot()...), u)
	r.publish(next)
}

// Remove drops the upstream matching addr from the registry.
func (r *UpstreamRegistry) Remove(addr string) {
	cur := r.Snapshot()
	next := make([]*Upstream, 0, len(cur))
	for _, u := range cur {
		if u.String() != addr {
			next = append(next, u)
		}
	}
	r.publish(next)
}

// SetWeight updates an upstream's selection weight in place on a fresh
// copy of the snapshot.
func (r *UpstreamRegistry) SetWeight(addr string, weight int) {
	r.mutate(addr, func(u *Upstream) { u.weight = weight })
}

// SetOrder updates an upstream's tie-break order and re-sorts the snapshot.
func (r *UpstreamRegistry) SetOrder(addr string, order int) {
	r.mutate(addr, func(u *Upstream) { u.order = order })
}

// SetAvailability pins or unpins an upstream's administrative state.
func (r *UpstreamRegistry) SetAvailability(addr string, a Availability) {
	r.mutate(addr, func(u *Upstream) { u.availability = a })
}

// AddPool adds the upstream matching addr to pool.
func (r *UpstreamRegistry) AddPool(addr, pool string) {
	r.mutate(addr, func(u *Upstream) { u.pools[pool] = struct{}{} })
}

// RemovePool removes the upstream matching addr from pool.
func (r *UpstreamRegistry) RemovePool(addr, pool string) {
	r.mutate(addr, func(u *Upstream) { delete(u.pools, pool) })
}

// mutate copies the current snapshot (and the target upstream's pool
// set, since it's the one piece of mutable reference state an upstream
// carries) and applies fn to the copy, republishing the result. Every
// other field mutated through the registry is a scalar, so copying the
// Upstream struct itself is enough to make the whole operation
// copy-on-write.
func (r *UpstreamRegistry) mutate(addr string, fn func(*Upstream)) {
	cur := r.Snapshot()
	next := make([]*Upstream, len(cur))
	for i, u := range cur {
		if u.String() == addr {
			cp := *u
			cp.pools = make(map[string]struct{}, len(u.pools))
			for p := range u.pools {
				cp.pools[p] = struct{}{}
			}
			fn(&cp)
			next[i] = &cp
			continue
		}
		next[i] = u
	}
	r.publish(next)
}

func (r *UpstreamRegistry) publish(upstreams []*Upstream) {
	sorted := append([]*Upstream{}, upstreams...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].order < sorted[j].order })
	r.snapshot.Store(&sorted)
}

// PoolCandidates returns the subsequence of the current snapshot that
// belongs to pool, is up, and whose rate limiter (if any) currently
// admits a query. This is the candidate set every selection policy
// (C6) operates over.
func (r *UpstreamRegistry) PoolCandidates(pool string) []*Upstream {
	var out []*Upstream
	for _, u := range r.Snapshot() {
		if !u.InPool(pool) || !u.IsUp() {
			continue
		}
		if u.limiter != nil && !u.limiter.Check() {
			continue
		}
		out = append(out, u)
	}
	return out
}
