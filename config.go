package rdns

import "sync/atomic"

// ConfigSnapshot is the immutable bundle of everything the query
// pipeline needs to classify and forward a query: the ACL, the ordered
// pool/action rule sets, the default pool, the active selection
// policy, the cache and the upstream registry. A new snapshot is built
// whole and installed by atomic pointer swap; the pipeline loads one
// snapshot reference at the start of every query, so a reload never
// changes behavior mid-query.
type ConfigSnapshot struct {
	ACL         *RuleSet // terminal Allow/Drop only; nil means allow everything
	PoolRules   *RuleSet // assigns a pool name via ActionPool; falls back to DefaultPool
	ActionRules *RuleSet // SetRCode/SetTruncated/Drop/RateLimit
	DefaultPool string

	Policy   SelectionPolicy
	Cache    *Cache // nil disables caching
	Registry *UpstreamRegistry
}

// ConfigStore holds the currently installed ConfigSnapshot, generalizing
// the teacher's "rebuild the in-memory resolver graph when config
// changes" pattern (cmd/routedns/main.go) into a single atomic
// reference the pipeline reads per query, per the configuration
// snapshot contract.
type ConfigStore struct {
	snapshot atomic.Pointer[ConfigSnapshot]
}

// NewConfigStore returns a store holding initial.
func NewConfigStore(initial *ConfigSnapshot) *ConfigStore {
	s := &ConfigStore{}
	s.Install(initial)
	return s
}

// Load returns the currently installed snapshot.
func (s *ConfigStore) Load() *ConfigSnapshot {
	return s.snapshot.Load()
}

// Install atomically replaces the store's snapshot. Queries already in
// flight keep using the snapshot they loaded at the start of Resolve.
func (s *ConfigStore) Install(next *ConfigSnapshot) {
	s.snapshot.Store(next)
}
