// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataguard/platform/shared/logger"
)

func newMiniredisLimiter(t *testing.T, rpm int) (*redisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	l, err := newRedisLimiter("redis://"+mr.Addr(), rpm, logger.New("gateway-test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

func TestRedisLimiterAllowsUpToLimit(t *testing.T) {
	l, _ := newMiniredisLimiter(t, 2)
	ctx := context.Background()

	allowed, _ := l.Allow(ctx, "k")
	assert.True(t, allowed)
	allowed, _ = l.Allow(ctx, "k")
	assert.True(t, allowed)

	allowed, retry := l.Allow(ctx, "k")
	assert.False(t, allowed)
	assert.GreaterOrEqual(t, retry, 1)
}

func TestRedisLimiterKeysAreIndependent(t *testing.T) {
	l, _ := newMiniredisLimiter(t, 1)
	ctx := context.Background()

	allowed, _ := l.Allow(ctx, "a")
	assert.True(t, allowed)
	allowed, _ = l.Allow(ctx, "a")
	assert.False(t, allowed)
	allowed, _ = l.Allow(ctx, "b")
	assert.True(t, allowed)
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	l, mr := newMiniredisLimiter(t, 1)
	mr.Close()

	allowed, retry := l.Allow(context.Background(), "k")
	assert.True(t, allowed)
	assert.Zero(t, retry)
}

func TestNewRedisLimiterBadURL(t *testing.T) {
	_, err := newRedisLimiter("not-a-url", 60, logger.New("gateway-test"))
	assert.Error(t, err)
}

func TestNewRedisLimiterUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := newRedisLimiter("redis://"+addr, 60, logger.New("gateway-test"))
	assert.Error(t, err)
}
