package ratecontrol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineLimits(t *testing.T) {
	a := RateLimit{RPM: 30, TPM: 50000}
	b := RateLimit{RPM: 20, TPM: 0}
	assert.Equal(t, RateLimit{RPM: 20, TPM: 50000}, CombineLimits(a, b))
	assert.True(t, CombineLimits(RateLimit{}, RateLimit{}).Unlimited())
}

func TestLimitForOverride(t *testing.T) {
	cfg := Config{
		Default:   RateLimit{RPM: 60},
		Overrides: map[string]RateLimit{"visualize": {RPM: 10, TPM: 2000}},
	}
	assert.Equal(t, RateLimit{RPM: 10, TPM: 2000}, cfg.LimitFor("visualize"))
	assert.Equal(t, RateLimit{RPM: 60}, cfg.LimitFor("query"))
}

func TestLimitForOverrideOnlyTightens(t *testing.T) {
	cfg := Config{
		Default: RateLimit{RPM: 120},
		Overrides: map[string]RateLimit{
			"analyze":   {RPM: 30, TPM: 9000},
			"visualize": {RPM: 500},
		},
	}
	assert.Equal(t, RateLimit{RPM: 30, TPM: 9000}, cfg.LimitFor(" Analyze "))
	assert.Equal(t, RateLimit{RPM: 120}, cfg.LimitFor("visualize"))
	assert.Equal(t, RateLimit{RPM: 120}, cfg.LimitFor("query"))
}

func TestLimiterUnlimitedNeverBlocks(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), "query", 1000))
		require.True(t, l.Allow("query"))
	}
}

func TestLimiterAllowExhaustsBurst(t *testing.T) {
	// 60 rpm is one request per second with a burst of one.
	l := NewLimiter(Config{Default: RateLimit{RPM: 60}})
	assert.True(t, l.Allow("query"))
	assert.False(t, l.Allow("query"))
	// capabilities have independent buckets
	assert.True(t, l.Allow("analyze"))
}

func TestLimiterWaitRespectsContext(t *testing.T) {
	l := NewLimiter(Config{Default: RateLimit{RPM: 1}})
	require.NoError(t, l.Wait(context.Background(), "query", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "query", 0))
}
