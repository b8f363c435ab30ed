package rdns

import (
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// ActionKind identifies what a matched rule does with a query, per the
// rule-set design: Allow/Drop/Pool are terminal (evaluation of the rule
// set stops), SetRCode/SetTruncated mutate the eventual response but let
// evaluation continue, and RateLimit either short-circuits to Drop (on
// exhaustion) or lets evaluation continue.
type ActionKind int

const (
	ActionAllow ActionKind = iota
	ActionDrop
	ActionPool
	ActionSetRCode
	ActionSetTruncated
	ActionRateLimit
)

func (k ActionKind) String() string {
	switch k {
	case ActionAllow:
		return "allow"
	case ActionDrop:
		return "drop"
	case ActionPool:
		return "pool"
	case ActionSetRCode:
		return "set-rcode"
	case ActionSetTruncated:
		return "set-truncated"
	case ActionRateLimit:
		return "rate-limit"
	default:
		return "unknown"
	}
}

// Action is the effect of a matched rule.
type Action struct {
	Kind        ActionKind
	Pool        string       // for ActionPool
	RCode       int          // for ActionSetRCode
	Limiter     *RateLimiter // for ActionRateLimit
	RateLimited bool         // set on the synthesized Drop when a RateLimit action exhausts its bucket
}

func (a Action) terminal() bool {
	return a.Kind == ActionAllow || a.Kind == ActionDrop || a.Kind == ActionPool
}

func (a Action) String() string {
	switch a.Kind {
	case ActionPool:
		return fmt.Sprintf("pool(%s)", a.Pool)
	case ActionSetRCode:
		return fmt.Sprintf("set-rcode(%d)", a.RCode)
	default:
		return a.Kind.String()
	}
}

// Rule pairs a Matcher with the Action to apply when it matches.
type Rule struct {
	Matcher Matcher
	Action  Action
}

// RuleSet is an ordered list of rules, evaluated in order. It implements
// the access-control / pool-assignment / action-rule stage of the query
// pipeline; the same type is reused for all three (spec §4.4), since the
// evaluation semantics are identical and only the actions configured
// differ between an ACL, a pool assignment list and an action list.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet returns a RuleSet evaluating the given rules in order.
func NewRuleSet(rules ...Rule) *RuleSet {
	return &RuleSet{rules: rules}
}

// Evaluate walks the rule set in order. It returns the first terminal
// action (Allow, Drop, Pool) encountered. Non-terminal actions
// (SetRCode, SetTruncated) are accumulated and returned alongside the
// terminal action so the caller can apply all of them. A RateLimit
// action is evaluated immediately: on exhaustion it becomes a terminal
// Drop, otherwise evaluation continues with the next rule.
//
// If no rule matches, Evaluate returns the zero Action and false.
func (rs *RuleSet) Evaluate(q *dns.Msg, ci ClientInfo) (terminal Action, nonTerminal []Action, matched bool) {
	for _, rule := range rs.rules {
		if !rule.Matcher.Match(q, ci) {
			continue
		}
		matched = true
		action := rule.Action
		if action.Kind == ActionRateLimit {
			if action.Limiter == nil || action.Limiter.Check() {
				continue // allowed, keep evaluating subsequent rules
			}
			return Action{Kind: ActionDrop, RateLimited: true}, nonTerminal, true
		}
		if action.terminal() {
			return action, nonTerminal, true
		}
		nonTerminal = append(nonTerminal, action)
	}
	return Action{}, nonTerminal, matched
}

// NetmaskMatcher matches a query if the client's source address falls
// within any of a configured list of networks. Used for ACLs and for
// source-based pool assignment.
type NetmaskMatcher struct {
	networks []*net.IPNet
}

var _ Matcher = &NetmaskMatcher{}

// NewNetmaskMatcher parses a list of CIDR strings into a NetmaskMatcher.
func NewNetmaskMatcher(cidrs ...string) (*NetmaskMatcher, error) {
	m := &NetmaskMatcher{}
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q: %w", c, err)
		}
		m.networks = append(m.networks, n)
	}
	return m, nil
}

func (m *NetmaskMatcher) Match(q *dns.Msg, ci ClientInfo) bool {
	for _, n := range m.networks {
		if n.Contains(ci.SourceIP) {
			return true
		}
	}
	return false
}

func (m *NetmaskMatcher) String() string {
	var s []string
	for _, n := range m.networks {
		s = append(s, n.String())
	}
	return "netmask(" + strings.Join(s, ",") + ")"
}

// suffixNode is a trie node keyed by one DNS label, descended right to
// left (TLD first). An empty-string key marks a node as terminal: a
// query reaching it via exact-match or any descendant qualifies.
type suffixNode map[string]suffixNode

// SuffixMatcher matches a query name against a trie of configured
// suffixes. check(n) descends labels right-to-left and returns true on
// reaching a node flagged terminal, or on a terminal ancestor of the
// query, mirroring a domain blocklist trie generalized to any qname
// suffix-match use (pool assignment, action rules).
type SuffixMatcher struct {
	root suffixNode
}

var _ Matcher = &SuffixMatcher{}

// NewSuffixMatcher builds a matcher from a list of domain suffixes, e.g.
// "example.com" matches example.com and all subdomains.
func NewSuffixMatcher(suffixes ...string) *SuffixMatcher {
	root := make(suffixNode)
	for _, s := range suffixes {
		s = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), "."))
		if s == "" {
			continue
		}
		parts := strings.Split(s, ".")
		n := root
		for i := len(parts) - 1; i >= 0; i-- {
			part := parts[i]
			sub, ok := n[part]
			if !ok {
				sub = make(suffixNode)
				n[part] = sub
			}
			n = sub
		}
		n[""] = suffixNode{} // mark terminal
	}
	return &SuffixMatcher{root: root}
}

func (m *SuffixMatcher) Match(q *dns.Msg, ci ClientInfo) bool {
	if len(q.Question) == 0 {
		return false
	}
	return m.check(q.Question[0].Name)
}

// check implements §8's law: check(n) = true iff n == s or n ends with
// ".s" for some listed suffix s, case-insensitively.
func (m *SuffixMatcher) check(name string) bool {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if name == "" {
		return false
	}
	parts := strings.Split(name, ".")
	n := m.root
	for i := len(parts) - 1; i >= 0; i-- {
		if _, ok := n[""]; ok {
			return true // terminal ancestor reached
		}
		sub, ok := n[parts[i]]
		if !ok {
			return false
		}
		n = sub
	}
	_, ok := n[""]
	return ok
}

func (m *SuffixMatcher) String() string {
	return "suffix"
}

// QTypeMatcher matches a query against a set of accepted query types.
type QTypeMatcher struct {
	types map[uint16]struct{}
}

var _ Matcher = &QTypeMatcher{}

// NewQTypeMatcher builds a matcher from a list of type strings, e.g. "A", "AAAA".
func NewQTypeMatcher(types ...string) (*QTypeMatcher, error) {
	m := &QTypeMatcher{types: make(map[uint16]struct{}, len(types))}
	for _, t := range types {
		qt, ok := dns.StringToType[strings.ToUpper(t)]
		if !ok {
			return nil, fmt.Errorf("unknown query type %q", t)
		}
		m.types[qt] = struct{}{}
	}
	return m, nil
}

func (m *QTypeMatcher) Match(q *dns.Msg, ci ClientInfo) bool {
	if len(q.Question) == 0 {
		return false
	}
	_, ok := m.types[q.Question[0].Qtype]
	return ok
}

func (m *QTypeMatcher) String() string {
	return "qtype"
}
