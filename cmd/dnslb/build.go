package main

import (
	"fmt"
	"net"
	"time"

	"github.com/heimdalr/dag"
	"github.com/pkg/errors"

	rdns "github.com/folbricht/dnslb"
)

// poolNode is a DAG vertex: either a declared pool (supplied by at
// least one upstream's pool membership or the default pool) or a rule
// that assigns queries into a pool. Edges run rule → pool. Building
// this graph before installing a config lets a missing pool reference
// be caught at load time rather than silently routing nowhere at
// query time, mirroring the teacher's main.go use of heimdalr/dag to
// validate resolver/group/router references before instantiating
// anything.
type poolNode struct {
	id string
}

func (n poolNode) ID() string { return n.id }

var _ dag.IDInterface = poolNode{}

// validatePoolReferences builds a DAG of declared pools and pool rules
// and fails if a pool rule assigns into a pool that is neither the
// default pool nor a pool some upstream belongs to.
func validatePoolReferences(fc fileConfig) error {
	graph := dag.NewDAG()

	pools := map[string]struct{}{}
	if fc.DefaultPool != "" {
		pools[fc.DefaultPool] = struct{}{}
	}
	for _, u := range fc.Upstreams {
		for _, p := range u.Pools {
			pools[p] = struct{}{}
		}
	}
	for p := range pools {
		if _, err := graph.AddVertex(poolNode{"pool:" + p}); err != nil {
			return err
		}
	}
	for i, r := range fc.PoolRules {
		id := fmt.Sprintf("rule:%d", i)
		if _, err := graph.AddVertex(poolNode{id}); err != nil {
			return err
		}
		if err := graph.AddEdge(id, "pool:"+r.Pool); err != nil {
			return errors.Wrapf(err, "pool rule %d assigns to undeclared pool %q", i, r.Pool)
		}
	}
	return nil
}

// buildConfigSnapshot converts a decoded fileConfig into an installable
// rdns.ConfigSnapshot plus the health-check interval, which is not part
// of the snapshot. The ring size is applied to every upstream it builds
// and is not returned.
func buildConfigSnapshot(fc fileConfig) (snapshot *rdns.ConfigSnapshot, healthInterval time.Duration, err error) {
	if err := validatePoolReferences(fc); err != nil {
		return nil, 0, errors.Wrap(err, "invalid pool configuration")
	}

	ringSize := fc.RingSize
	if ringSize == 0 {
		ringSize = 1024
	}
	healthInterval = 10 * time.Second
	if fc.HealthCheckInterval != "" {
		healthInterval, err = time.ParseDuration(fc.HealthCheckInterval)
		if err != nil {
			return nil, 0, errors.Wrap(err, "invalid health_check_interval")
		}
	}

	var acl *rdns.RuleSet
	if len(fc.ACL) > 0 {
		allowed, err := rdns.NewNetmaskMatcher(fc.ACL...)
		if err != nil {
			return nil, 0, errors.Wrap(err, "invalid acl")
		}
		acl = rdns.NewRuleSet(rdns.Rule{
			Matcher: rdns.Invert(allowed),
			Action:  rdns.Action{Kind: rdns.ActionDrop},
		})
	}

	var cache *rdns.Cache
	if fc.Cache.Capacity > 0 {
		cache = rdns.NewCache("cache", fc.Cache.Capacity, fc.Cache.MinTTL, fc.Cache.MaxTTL, fc.Cache.ScopeECS)
	}

	upstreams := make([]*rdns.Upstream, 0, len(fc.Upstreams))
	for i, uc := range fc.Upstreams {
		var limiter *rdns.RateLimiter
		if uc.QPS > 0 {
			limiter = rdns.NewRateLimiter(fmt.Sprintf("upstream-%d", i), uc.QPS, uc.Burst)
		}
		availability, err := parseAvailability(uc.Availability)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "upstream %q", uc.Addr)
		}
		weight := uc.Weight
		if weight <= 0 {
			weight = 1
		}
		u, err := rdns.NewUpstream(uc.Addr, uc.Addr, rdns.UpstreamOptions{
			Weight:       weight,
			Order:        uc.Order,
			Pools:        uc.Pools,
			Limiter:      limiter,
			Availability: availability,
			RingSize:     ringSize,
		})
		if err != nil {
			return nil, 0, errors.Wrapf(err, "upstream %q", uc.Addr)
		}
		upstreams = append(upstreams, u)
	}
	registry := rdns.NewUpstreamRegistry(upstreams...)

	policy, err := buildPolicy(fc.Policy)
	if err != nil {
		return nil, 0, err
	}

	poolRuleSlice, err := buildRules(fc.PoolRules)
	if err != nil {
		return nil, 0, errors.Wrap(err, "pool_rules")
	}
	var poolRules *rdns.RuleSet
	if len(poolRuleSlice) > 0 {
		poolRules = rdns.NewRuleSet(poolRuleSlice...)
	}

	actionRuleSlice, err := buildRules(fc.ActionRules)
	if err != nil {
		return nil, 0, errors.Wrap(err, "action_rules")
	}
	rateLimitSlice, err := buildRateLimitRules(fc.RateLimits)
	if err != nil {
		return nil, 0, errors.Wrap(err, "rate_limits")
	}
	// Rate limit rules are evaluated ahead of the remaining action
	// rules, per the data-flow order client → ACL gate → rate check →
	// ... in the design documentation.
	var actionRules *rdns.RuleSet
	if combined := append(rateLimitSlice, actionRuleSlice...); len(combined) > 0 {
		actionRules = rdns.NewRuleSet(combined...)
	}

	return &rdns.ConfigSnapshot{
		ACL:         acl,
		PoolRules:   poolRules,
		ActionRules: actionRules,
		DefaultPool: fc.DefaultPool,
		Policy:      policy,
		Cache:       cache,
		Registry:    registry,
	}, healthInterval, nil
}

func parseAvailability(s string) (rdns.Availability, error) {
	switch s {
	case "", "auto":
		return rdns.AvailabilityAuto, nil
	case "up":
		return rdns.AvailabilityUp, nil
	case "down":
		return rdns.AvailabilityDown, nil
	default:
		return 0, fmt.Errorf("unknown availability %q", s)
	}
}

func buildPolicy(name string) (rdns.SelectionPolicy, error) {
	switch name {
	case "", "firstAvailable":
		return rdns.FirstAvailable{}, nil
	case "roundRobin":
		return &rdns.RoundRobin{}, nil
	case "wrandom":
		return &rdns.WeightedRandom{}, nil
	case "leastOutstanding":
		return rdns.LeastOutstanding{}, nil
	default:
		return nil, fmt.Errorf("unknown selection policy %q", name)
	}
}

func buildMatcher(mc matchConfig) (rdns.Matcher, error) {
	var m rdns.Matcher
	var err error
	switch mc.Kind {
	case "netmask":
		m, err = rdns.NewNetmaskMatcher(mc.CIDRs...)
	case "suffix":
		m = rdns.NewSuffixMatcher(mc.Suffixes...)
	case "qtype":
		m, err = rdns.NewQTypeMatcher(mc.QTypes...)
	case "geo":
		m, err = rdns.NewGeoMatcher(mc.GeoDB, mc.GeoRules...)
	default:
		return nil, fmt.Errorf("unknown matcher kind %q", mc.Kind)
	}
	if err != nil {
		return nil, err
	}
	if mc.Invert {
		m = rdns.Invert(m)
	}
	return m, nil
}

func buildRules(rcs []ruleConfig) ([]rdns.Rule, error) {
	if len(rcs) == 0 {
		return nil, nil
	}
	rules := make([]rdns.Rule, 0, len(rcs))
	for i, rc := range rcs {
		m, err := buildMatcher(rc.matchConfig)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %d", i)
		}
		var action rdns.Action
		if rc.Pool != "" {
			action = rdns.Action{Kind: rdns.ActionPool, Pool: rc.Pool}
		} else {
			switch rc.Action {
			case "allow":
				action = rdns.Action{Kind: rdns.ActionAllow}
			case "drop":
				action = rdns.Action{Kind: rdns.ActionDrop}
			case "set-rcode":
				action = rdns.Action{Kind: rdns.ActionSetRCode, RCode: rc.RCode}
			case "set-truncated":
				action = rdns.Action{Kind: rdns.ActionSetTruncated}
			default:
				return nil, fmt.Errorf("rule %d: unknown action %q", i, rc.Action)
			}
		}
		rules = append(rules, rdns.Rule{Matcher: m, Action: action})
	}
	return rules, nil
}

func buildRateLimitRules(rcs []rateLimitConfig) ([]rdns.Rule, error) {
	if len(rcs) == 0 {
		return nil, nil
	}
	rules := make([]rdns.Rule, 0, len(rcs))
	for i, rc := range rcs {
		m, err := buildMatcher(rc.matchConfig)
		if err != nil {
			return nil, errors.Wrapf(err, "rate limit %d", i)
		}
		limiter := rdns.NewRateLimiter(fmt.Sprintf("rate-limit-%d", i), rc.Rate, rc.Burst)
		rules = append(rules, rdns.Rule{Matcher: m, Action: rdns.Action{Kind: rdns.ActionRateLimit, Limiter: limiter}})
	}
	return rules, nil
}

func parseCIDRList(networks []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(networks))
	for _, s := range networks {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
