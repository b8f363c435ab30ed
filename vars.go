package rdns

import (
	"expvar"
	"fmt"
)

// globalCounters holds the process-wide counters described in the
// external-interfaces design documentation: hits, misses, deferred
// cache operations and collisions. They are not scoped to a single
// cache/component instance since an operator typically runs one cache.
var globalCounters = struct {
	Hits             *expvar.Int
	Misses           *expvar.Int
	DeferredInserts  *expvar.Int
	DeferredLookups  *expvar.Int
	InsertCollisions *expvar.Int
	LookupCollisions *expvar.Int
}{
	Hits:             getVarInt("cache", "global", "hits"),
	Misses:           getVarInt("cache", "global", "misses"),
	DeferredInserts:  getVarInt("cache", "global", "deferred_inserts"),
	DeferredLookups:  getVarInt("cache", "global", "deferred_lookups"),
	InsertCollisions: getVarInt("cache", "global", "insert_collisions"),
	LookupCollisions: getVarInt("cache", "global", "lookup_collisions"),
}

// ListenerMetrics tracks per-listener query/response/error/drop counts,
// shared by the client-facing listeners and the query pipeline (C8).
// Upstreams keep their own UpstreamMetrics.
type ListenerMetrics struct {
	query       *expvar.Int
	response    *expvar.Map
	err         *expvar.Map
	drop        *expvar.Int
	maxQueueLen *expvar.Int
}

// NewListenerMetrics returns metrics registered under base.id.
func NewListenerMetrics(base, id string) *ListenerMetrics {
	return &ListenerMetrics{
		query:       getVarInt(base, id, "query"),
		response:    getVarMap(base, id, "response"),
		err:         getVarMap(base, id, "error"),
		drop:        getVarInt(base, id, "drop"),
		maxQueueLen: getVarInt(base, id, "max_queue_len"),
	}
}

// Get an *expvar.Int with the given path.
func getVarInt(base string, id string, name string) *expvar.Int {
	fullname := fmt.Sprintf("dnslb.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Int)
	}
	return expvar.NewInt(fullname)
}

// Get an *expvar.Map with the given path.
func getVarMap(base string, id string, name string) *expvar.Map {
	fullname := fmt.Sprintf("dnslb.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Map)
	}
	return expvar.NewMap(fullname)
}

// Get an *expvar.String with the given path.
func getVarString(base string, id string, name string) *expvar.String {
	fullname := fmt.Sprintf("dnslb.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.String)
	}
	return expvar.NewString(fullname)
}

// Publish f as an expvar.Func at the given path, used for values that
// aren't a plain counter or map, such as TopN's trimmed tables.
func getVarFunc(base string, id string, name string, f func() interface{}) {
	fullname := fmt.Sprintf("dnslb.%s.%s.%s", base, id, name)
	if expvar.Get(fullname) == nil {
		expvar.Publish(fullname, expvar.Func(f))
	}
}
