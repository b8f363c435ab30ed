package rdns

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRuleSetPoolAssignment(t *testing.T) {
	suffix := NewSuffixMatcher("internal.example.com")
	rs := NewRuleSet(Rule{Matcher: suffix, Action: Action{Kind: ActionPool, Pool: "internal"}})

	terminal, _, matched := rs.Evaluate(queryFor("svc.internal.example.com"), ClientInfo{})
	require.True(t, matched)
	require.Equal(t, ActionPool, terminal.Kind)
	require.Equal(t, "internal", terminal.Pool)

	_, _, matched = rs.Evaluate(queryFor("example.org"), ClientInfo{})
	require.False(t, matched)
}

func TestRuleSetFirstTerminalWins(t *testing.T) {
	rs := NewRuleSet(
		Rule{Matcher: NewSuffixMatcher("example.com"), Action: Action{Kind: ActionDrop}},
		Rule{Matcher: NewSuffixMatcher("example.com"), Action: Action{Kind: ActionAllow}},
	)

	terminal, _, matched := rs.Evaluate(queryFor("example.com"), ClientInfo{})
	require.True(t, matched)
	require.Equal(t, ActionDrop, terminal.Kind)
}

func TestRuleSetNonTerminalActionsAccumulate(t *testing.T) {
	rs := NewRuleSet(
		Rule{Matcher: NewSuffixMatcher("example.com"), Action: Action{Kind: ActionSetTruncated}},
		Rule{Matcher: NewSuffixMatcher("example.com"), Action: Action{Kind: ActionSetRCode, RCode: 3}},
		Rule{Matcher: NewSuffixMatcher("example.com"), Action: Action{Kind: ActionAllow}},
	)

	terminal, nonTerminal, matched := rs.Evaluate(queryFor("example.com"), ClientInfo{})
	require.True(t, matched)
	require.Equal(t, ActionAllow, terminal.Kind)
	require.Len(t, nonTerminal, 2)
}

// TestRuleSetRateLimitExhaustionDistinguishedFromPlainDrop checks that
// a terminal Drop synthesized by an exhausted rate limiter carries
// RateLimited=true, so the pipeline can tell it apart from an explicit
// "drop" action rule match.
func TestRuleSetRateLimitExhaustionDistinguishedFromPlainDrop(t *testing.T) {
	limiter := NewRateLimiter("test-ruleset-ratelimit", 1, 1)
	rs := NewRuleSet(Rule{Matcher: NewSuffixMatcher("example.com"), Action: Action{Kind: ActionRateLimit, Limiter: limiter}})

	terminal, _, matched := rs.Evaluate(queryFor("example.com"), ClientInfo{})
	require.True(t, matched, "the rule's matcher matched even though it admitted the query")
	require.NotEqual(t, ActionDrop, terminal.Kind, "an admitted query produces no terminal action")

	// Second query exhausts the bucket.
	terminal, _, matched = rs.Evaluate(queryFor("example.com"), ClientInfo{})
	require.True(t, matched)
	require.Equal(t, ActionDrop, terminal.Kind)
	require.True(t, terminal.RateLimited)
}

func TestRuleSetNoMatchReturnsZeroAction(t *testing.T) {
	rs := NewRuleSet(Rule{Matcher: NewSuffixMatcher("example.com"), Action: Action{Kind: ActionDrop}})

	terminal, nonTerminal, matched := rs.Evaluate(queryFor("other.org"), ClientInfo{})
	require.False(t, matched)
	require.Equal(t, Action{}, terminal)
	require.Nil(t, nonTerminal)
}
