package rdns

import (
	"expvar"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// cacheIdentity is the (qname, qtype, qclass) triple stored alongside a
// cached response so a fingerprint collision can be detected on lookup.
// qname is stored lowercased; wire-form case of the original query is
// never retained.
type cacheIdentity struct {
	qname  string
	qtype  uint16
	qclass uint16
}

// cacheEntry is an immutable stored response. Once inserted it is never
// mutated; TTL aging happens on a copy handed back to callers.
type cacheEntry struct {
	identity    cacheIdentity
	response    *dns.Msg
	insertedAt  time.Time
	validUntil  time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.After(e.validUntil)
}

// CacheMetrics exposes the counters the cache contract requires: hits,
// misses, collisions on both paths, and lease contention on both paths
// (deferred rather than retried, per the non-blocking lease design).
type CacheMetrics struct {
	hits              *expvar.Int
	misses            *expvar.Int
	insertCollisions  *expvar.Int
	lookupCollisions  *expvar.Int
	deferredInserts   *expvar.Int
	deferredLookups   *expvar.Int
	entries           *expvar.Int
}

// Cache is the fixed-capacity packet cache (C2). It maps a 32-bit query
// fingerprint to at most one stored response. Readers and writers use
// TryRLock/TryLock rather than Lock/RLock: under contention a reader
// takes a miss and a writer abandons the insert, both counted, rather
// than blocking the hot path. There is no eviction policy: once full,
// fresh inserts are dropped until an explicit purge frees room.
type Cache struct {
	id       string
	capacity int
	minTTL   uint32
	maxTTL   uint32
	scopeECS bool

	mu      sync.RWMutex
	entries map[uint32]*cacheEntry

	metrics *CacheMetrics
}

// NewCache returns an empty packet cache pre-sized to capacity+1 so
// that inserting the capacity-th entry never triggers a map resize.
func NewCache(id string, capacity int, minTTL, maxTTL uint32, scopeECS bool) *Cache {
	return &Cache{
		id:       id,
		capacity: capacity,
		minTTL:   minTTL,
		maxTTL:   maxTTL,
		scopeECS: scopeECS,
		entries:  make(map[uint32]*cacheEntry, capacity+1),
		metrics: &CacheMetrics{
			hits:             getVarInt("cache", id, "hits"),
			misses:           getVarInt("cache", id, "misses"),
			insertCollisions: getVarInt("cache", id, "insert_collisions"),
			lookupCollisions: getVarInt("cache", id, "lookup_collisions"),
			deferredInserts:  getVarInt("cache", id, "deferred_inserts"),
			deferredLookups:  getVarInt("cache", id, "deferred_lookups"),
			entries:          getVarInt("cache", id, "entries"),
		},
	}
}

// Lookup probes the cache for a previously cached response to q. On a
// hit it returns a copy with the transaction ID rewritten to q's ID and
// every TTL aged down by the time elapsed since insertion, unless
// skipAging is set. A non-blocking read lease that can't be acquired
// immediately, an absent fingerprint, an expired entry or an identity
// mismatch (collision) all count as a miss; only the last increments
// the collision counter.
func (c *Cache) Lookup(q *dns.Msg, skipAging bool) (resp *dns.Msg, hit bool) {
	if len(q.Question) != 1 {
		return nil, false
	}
	fp := fingerprint(q, c.scopeECS)
	id := identityOf(q.Question[0])

	if !c.mu.TryRLock() {
		c.metrics.deferredLookups.Add(1)
		return nil, false
	}
	defer c.mu.RUnlock()

	entry, ok := c.entries[fp]
	if !ok {
		c.metrics.misses.Add(1)
		return nil, false
	}
	now := time.Now()
	if entry.expired(now) {
		c.metrics.misses.Add(1)
		return nil, false
	}
	if entry.identity != id {
		c.metrics.lookupCollisions.Add(1)
		c.metrics.misses.Add(1)
		return nil, false
	}

	out := entry.response.Copy()
	out.Id = q.Id
	out.Question = q.Question

	if !skipAging {
		age := uint32(now.Sub(entry.insertedAt).Seconds())
		ageTTLs(out, age)
	}

	c.metrics.hits.Add(1)
	return out, true
}

// ageTTLs decrements every RR's TTL (except the OPT pseudo-RR, which
// carries no cache-relevant lifetime) by age, clamped at zero.
func ageTTLs(m *dns.Msg, age uint32) {
	for _, section := range [][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range section {
			if _, ok := rr.(*dns.OPT); ok {
				continue
			}
			h := rr.Header()
			if h.Ttl <= age {
				h.Ttl = 0
			} else {
				h.Ttl -= age
			}
		}
	}
}

// Insert stores response as the cached answer for query, subject to
// the effective-TTL floor, the capacity limit and the two non-blocking
// leases the contract requires. Responses with an effective TTL below
// minTTL are never stored. On an existing, unexpired entry for the same
// fingerprint with a different identity, an insert collision is counted
// and the insert abandoned; otherwise the entry with the later
// valid_until wins.
func (c *Cache) Insert(query, response *dns.Msg) {
	if len(query.Question) != 1 || response == nil {
		return
	}
	ttl := minTTL(response)
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	if ttl < c.minTTL {
		return
	}

	fp := fingerprint(query, c.scopeECS)
	id := identityOf(query.Question[0])
	now := time.Now()
	entry := &cacheEntry{
		identity:   id,
		response:   response,
		insertedAt: now,
		validUntil: now.Add(time.Duration(ttl) * time.Second),
	}

	if !c.mu.TryRLock() {
		c.metrics.deferredInserts.Add(1)
		return
	}
	full := len(c.entries) >= c.capacity
	_, exists := c.entries[fp]
	c.mu.RUnlock()
	if full && !exists {
		c.metrics.deferredInserts.Add(1)
		return
	}

	if !c.mu.TryLock() {
		c.metrics.deferredInserts.Add(1)
		return
	}
	defer c.mu.Unlock()

	if existing, ok := c.entries[fp]; ok {
		if !existing.expired(now) && existing.identity != id {
			c.metrics.insertCollisions.Add(1)
			return
		}
		if !entry.validUntil.After(existing.validUntil) {
			return
		}
	} else if len(c.entries) >= c.capacity {
		c.metrics.deferredInserts.Add(1)
		return
	}

	c.entries[fp] = entry
	c.metrics.entries.Set(int64(len(c.entries)))
}

// Purge evicts expired entries, under an exclusive lease, until the
// cache holds at most targetSize entries. Live entries are never
// evicted; if every entry is live, Purge is a no-op above targetSize.
func (c *Cache) Purge(targetSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) <= targetSize {
		return
	}
	now := time.Now()
	for fp, entry := range c.entries {
		if len(c.entries) <= targetSize {
			break
		}
		if entry.expired(now) {
			delete(c.entries, fp)
		}
	}
	c.metrics.entries.Set(int64(len(c.entries)))
}

// Expunge removes every cached entry whose stored identity is
// (qname, qtype), or every entry for qname regardless of type if qtype
// is dns.TypeANY.
func (c *Cache) Expunge(qname string, qtype uint16) {
	qname = strings.ToLower(strings.TrimSuffix(qname, "."))

	c.mu.Lock()
	defer c.mu.Unlock()
	for fp, entry := range c.entries {
		if entry.identity.qname != qname {
			continue
		}
		if qtype == dns.TypeANY || entry.identity.qtype == qtype {
			delete(c.entries, fp)
		}
	}
	c.metrics.entries.Set(int64(len(c.entries)))
}

// Size returns the current number of stored entries.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) String() string {
	return c.id
}

func identityOf(q dns.Question) cacheIdentity {
	return cacheIdentity{
		qname:  strings.ToLower(strings.TrimSuffix(q.Name, ".")),
		qtype:  q.Qtype,
		qclass: q.Qclass,
	}
}
