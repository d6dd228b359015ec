// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"net/http"
)

type principalKey struct{}

// principal is the authenticated caller attached to the request context.
type principal struct {
	Key      string
	TenantID string
	Role     Role
}

// anonymousAdmin is the implicit principal when no API keys are configured.
var anonymousAdmin = principal{TenantID: "default", Role: RoleAdmin}

func withPrincipal(ctx context.Context, p principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFrom(ctx context.Context) principal {
	if p, ok := ctx.Value(principalKey{}).(principal); ok {
		return p
	}
	return anonymousAdmin
}

// exemptPath reports whether the path bypasses auth and rate limiting.
func exemptPath(path string) bool {
	switch path {
	case "/health", "/ready", "/metrics":
		return true
	}
	return false
}

// authMiddleware validates the X-API-Key header against the configured key
// set. When no keys are configured, every caller is an admin on the default
// tenant.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptPath(r.URL.Path) || len(s.keys) == 0 {
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), anonymousAdmin)))
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			writeDetail(w, http.StatusUnauthorized, "Missing API key. Provide X-API-Key header.")
			return
		}
		ak, ok := s.keys[key]
		if !ok {
			writeDetail(w, http.StatusUnauthorized, "Invalid API key.")
			return
		}

		p := principal{Key: ak.Key, TenantID: ak.TenantID, Role: ak.Role}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// requireAdmin writes a 403 and returns false unless the caller is an admin.
func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if principalFrom(r.Context()).Role != RoleAdmin {
		writeDetail(w, http.StatusForbidden, "Admin role required.")
		return false
	}
	return true
}
