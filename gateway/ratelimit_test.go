// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryLimiterAllowsUpToLimit(t *testing.T) {
	l := newMemoryLimiter(2)

	allowed, _ := l.Allow(context.Background(), "k")
	assert.True(t, allowed)
	allowed, _ = l.Allow(context.Background(), "k")
	assert.True(t, allowed)

	allowed, retry := l.Allow(context.Background(), "k")
	assert.False(t, allowed)
	assert.GreaterOrEqual(t, retry, 1)
	assert.LessOrEqual(t, retry, 60)
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	l := newMemoryLimiter(1)

	allowed, _ := l.Allow(context.Background(), "a")
	assert.True(t, allowed)
	allowed, _ = l.Allow(context.Background(), "b")
	assert.True(t, allowed)
	allowed, _ = l.Allow(context.Background(), "a")
	assert.False(t, allowed)
}

func TestMemoryLimiterWindowSlides(t *testing.T) {
	now := time.Now()
	l := newMemoryLimiter(1)
	l.now = func() time.Time { return now }

	allowed, _ := l.Allow(context.Background(), "k")
	assert.True(t, allowed)
	allowed, _ = l.Allow(context.Background(), "k")
	assert.False(t, allowed)

	now = now.Add(61 * time.Second)
	allowed, _ = l.Allow(context.Background(), "k")
	assert.True(t, allowed)
}

func TestRateLimitMiddleware429(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.RateLimitRPM = 1 })

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/v1/guardian/evaluate", strings.NewReader(evaluateBody())))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/v1/guardian/evaluate", strings.NewReader(evaluateBody())))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"detail":"Rate limit exceeded."}`, rec.Body.String())
}

func TestRateLimitKeyedByAPIKey(t *testing.T) {
	s := newTestServer(t, func(c *Config) {
		c.APIKeys = "sk-1,sk-2"
		c.RateLimitRPM = 1
	})

	send := func(key string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/guardian/evaluate", strings.NewReader(evaluateBody()))
		req.Header.Set("X-API-Key", key)
		s.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("sk-1"))
	assert.Equal(t, http.StatusTooManyRequests, send("sk-1"))
	// A different key has its own window.
	assert.Equal(t, http.StatusOK, send("sk-2"))
}

func TestRateLimitHealthExempt(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.RateLimitRPM = 1 })

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimitDisabledWhenZero(t *testing.T) {
	s := newTestServer(t)
	assert.Nil(t, s.limiter)

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/v1/guardian/evaluate", strings.NewReader(evaluateBody())))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.1.2.3:5544"
	assert.Equal(t, "10.1.2.3", clientIP(req))

	req.RemoteAddr = "garbage"
	assert.Equal(t, "garbage", clientIP(req))
}
