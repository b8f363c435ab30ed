package rdns

import (
	"expvar"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// session is one occupied ring slot: the in-flight state needed to
// route an upstream's response back to the client that asked for it.
// respond is a continuation capturing the client address and any
// pending response mutations (SetRCode/SetTruncated rule actions) from
// the query that allocated the slot; the reader loop calls it once a
// matching response arrives; it restores the original ID.
type session struct {
	originalID  uint16
	fingerprint uint32
	respond     func(*dns.Msg)
}

// sessionTracker correlates asynchronous upstream responses with the
// client query that caused them, using a fixed-size ring of slots
// rather than a growable map: the DNS transaction ID doubles as a ring
// index, so matching a response costs one array lookup and no
// allocation. This generalizes the teacher's inFlightQueue (a
// map[uint16]*request protected by a mutex, unbounded in principle)
// into the bounded ring the design calls for: the ring is a
// correlation window, not a guaranteed delivery queue, and a slot can
// be reused out from under a query that never got an answer in time.
type sessionTracker struct {
	mu      sync.Mutex
	ring    []sessionSlot
	head    uint16
	timeout time.Duration

	metrics *sessionTrackerMetrics
}

type sessionSlot struct {
	occupied   bool
	insertedAt time.Time
	session
}

type sessionTrackerMetrics struct {
	outstanding *expvar.Int
	reuse       *expvar.Int
	spurious    *expvar.Int
}

// newSessionTracker returns a tracker with a ring of size n, which must
// be a power of two so the DNS ID (16 bits) can be masked directly into
// a slot index.
func newSessionTracker(id string, n int, timeout time.Duration) *sessionTracker {
	if n&(n-1) != 0 || n <= 0 {
		panic("ring size must be a power of two")
	}
	return &sessionTracker{
		ring:    make([]sessionSlot, n),
		timeout: timeout,
		metrics: &sessionTrackerMetrics{
			outstanding: getVarInt("session", id, "outstanding"),
			reuse:       getVarInt("session", id, "reuse"),
			spurious:    getVarInt("session", id, "spurious"),
		},
	}
}

// allocate claims the next ring slot for an outgoing query, returning
// the rewritten transaction ID to send upstream (equal to the slot
// index). If the slot was already occupied by a query that hasn't
// timed out, that previous occupant is counted as reused (its ring
// entry is overwritten regardless; the ring is bounded, not a promise).
func (t *sessionTracker) allocate(originalID uint16, fp uint32, respond func(*dns.Msg)) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.head
	t.head++
	slot := &t.ring[int(idx)%len(t.ring)]

	now := time.Now()
	if slot.occupied && now.Before(slot.insertedAt.Add(t.timeout)) {
		t.metrics.reuse.Add(1)
	}

	slot.occupied = true
	slot.insertedAt = now
	slot.originalID = originalID
	slot.fingerprint = fp
	slot.respond = respond

	t.metrics.outstanding.Add(1)
	return idx % uint16(len(t.ring))
}

// resolve looks up the slot named by a response's rewritten DNS ID. A
// response to an empty slot (never sent, or already resolved) is
// spurious and must be dropped; any other outcome frees the slot.
func (t *sessionTracker) resolve(responseID uint16) (s session, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := &t.ring[int(responseID)%len(t.ring)]
	if !slot.occupied {
		t.metrics.spurious.Add(1)
		return session{}, false
	}

	s = slot.session
	slot.occupied = false
	t.metrics.outstanding.Add(-1)
	return s, true
}
