// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"dataguard/platform/shared/logger"
)

// redisLimiter is a distributed sliding-window limiter over a Redis sorted
// set: member timestamps outside the 60s window are trimmed, the remaining
// cardinality is the request count. Redis errors fail open so a cache outage
// never blocks evaluations.
type redisLimiter struct {
	client *redis.Client
	limit  int
	log    *logger.Logger
}

func newRedisLimiter(redisURL string, rpm int, log *logger.Logger) (*redisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to Redis: %w", err)
	}

	return &redisLimiter{client: client, limit: rpm, log: log}, nil
}

func (l *redisLimiter) Allow(ctx context.Context, key string) (bool, int) {
	now := time.Now()
	redisKey := "guardian:ratelimit:" + key

	pipe := l.client.Pipeline()
	minScore := now.Add(-time.Minute).Unix()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", minScore))
	pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, &redis.Z{
		Score:  float64(now.Unix()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, redisKey, 2*time.Minute)

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		// Fail open: a rate limiter outage must not take evaluations down.
		l.log.Warn("", "", "Redis rate limit check failed, failing open",
			map[string]interface{}{"key": key, "error": err.Error()})
		return true, 0
	}

	count := cmds[1].(*redis.IntCmd).Val()
	if count >= int64(l.limit) {
		return false, l.retryAfter(ctx, redisKey, now)
	}
	return true, 0
}

// retryAfter estimates seconds until the oldest windowed request expires.
func (l *redisLimiter) retryAfter(ctx context.Context, redisKey string, now time.Time) int {
	oldest, err := l.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return 60
	}
	expires := time.Unix(int64(oldest[0].Score), 0).Add(time.Minute)
	retry := int(expires.Sub(now).Seconds()) + 1
	if retry < 1 {
		retry = 1
	}
	return retry
}

func (l *redisLimiter) Close() error {
	return l.client.Close()
}
