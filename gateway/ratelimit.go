// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// rateLimiter decides whether a caller may proceed. retryAfter is the
// suggested wait in whole seconds when the request is rejected.
type rateLimiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter int)
}

// memoryLimiter is a per-key sliding-window limiter over a 60s window.
// It is the default when no Redis URL is configured; state is process-local.
type memoryLimiter struct {
	limit int
	now   func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time
}

func newMemoryLimiter(rpm int) *memoryLimiter {
	return &memoryLimiter{
		limit:   rpm,
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
}

func (m *memoryLimiter) Allow(_ context.Context, key string) (bool, int) {
	now := m.now()
	cutoff := now.Add(-time.Minute)

	m.mu.Lock()
	defer m.mu.Unlock()

	window := m.windows[key]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= m.limit {
		m.windows[key] = kept
		retry := int(math.Ceil(kept[0].Add(time.Minute).Sub(now).Seconds()))
		if retry < 1 {
			retry = 1
		}
		return false, retry
	}

	m.windows[key] = append(kept, now)
	return true, 0
}

// rateLimitMiddleware applies the configured limiter keyed by API key, or by
// client IP when the request carries none. Health and metrics endpoints are
// exempt.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || exemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = clientIP(r)
		}

		allowed, retryAfter := s.limiter.Allow(r.Context(), key)
		if !allowed {
			rateLimitedTotal.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeDetail(w, http.StatusTooManyRequests, "Rate limit exceeded.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
