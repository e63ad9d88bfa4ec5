package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/bpmn-engine/common/logger"
)

func newLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLimiter(client, logger.New("error", "json")), mr
}

func TestCheckDefinitionLimitEnforcesTierBudget(t *testing.T) {
	l, _ := newLimiter(t)
	ctx := context.Background()

	limit := GetLimitForTier(TierHeavy)
	for i := int64(0); i < limit; i++ {
		result, err := l.CheckDefinitionLimit(ctx, "def-1", TierHeavy)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "start %d should fit the budget", i+1)
		assert.EqualValues(t, 0, result.RetryAfterSeconds)
	}

	result, err := l.CheckDefinitionLimit(ctx, "def-1", TierHeavy)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, limit, result.Limit)
	assert.Greater(t, result.RetryAfterSeconds, int64(0))
}

func TestCheckDefinitionLimitKeysPerDefinition(t *testing.T) {
	l, _ := newLimiter(t)
	ctx := context.Background()

	for i := int64(0); i < GetLimitForTier(TierHeavy); i++ {
		_, err := l.CheckDefinitionLimit(ctx, "def-busy", TierHeavy)
		require.NoError(t, err)
	}
	blocked, err := l.CheckDefinitionLimit(ctx, "def-busy", TierHeavy)
	require.NoError(t, err)
	assert.False(t, blocked.Allowed)

	// a different definition still has its own budget
	other, err := l.CheckDefinitionLimit(ctx, "def-quiet", TierHeavy)
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestCheckGlobalLimitWindowExpires(t *testing.T) {
	l, mr := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := l.CheckGlobalLimit(ctx, 2)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}
	result, err := l.CheckGlobalLimit(ctx, 2)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	mr.FastForward(time.Duration(DefaultGlobalConfig.WindowSeconds+1) * time.Second)

	result, err = l.CheckGlobalLimit(ctx, 2)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.EqualValues(t, 1, result.CurrentCount)
}

func TestResetLimitClearsCounter(t *testing.T) {
	l, _ := newLimiter(t)
	ctx := context.Background()

	for i := int64(0); i <= GetLimitForTier(TierHeavy); i++ {
		_, err := l.CheckDefinitionLimit(ctx, "def-1", TierHeavy)
		require.NoError(t, err)
	}

	key := "rate_limit:definition:def-1:tier:heavy"
	count, err := l.GetCurrentCount(ctx, key)
	require.NoError(t, err)
	assert.Greater(t, count, int64(0))

	require.NoError(t, l.ResetLimit(ctx, key))

	result, err := l.CheckDefinitionLimit(ctx, "def-1", TierHeavy)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestProfileForTiersByActivityCount(t *testing.T) {
	assert.Equal(t, TierSimple, ProfileFor(0, 4).Tier)
	assert.Equal(t, TierStandard, ProfileFor(2, 8).Tier)
	assert.Equal(t, TierHeavy, ProfileFor(3, 10).Tier)
}
