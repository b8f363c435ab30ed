package rdns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsUpToBurst(t *testing.T) {
	rl := NewRateLimiter("test-burst", 1, 3)

	require.True(t, rl.Check())
	require.True(t, rl.Check())
	require.True(t, rl.Check())
	require.False(t, rl.Check(), "the fourth immediate query should exhaust the burst")
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	rl := NewRateLimiter("test-refill", 10, 1)

	require.True(t, rl.Check())
	require.False(t, rl.Check())

	time.Sleep(150 * time.Millisecond) // ~1.5 tokens at rate 10/s

	require.True(t, rl.Check())
}

func TestRateLimiterDefaultBurstIsRate(t *testing.T) {
	rl := NewRateLimiter("test-default-burst", 2, 0)
	require.True(t, rl.Check())
	require.True(t, rl.Check())
	require.False(t, rl.Check())
}
