// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Role is the permission level attached to an API key.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleAgent Role = "agent"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleAgent
}

// APIKey is one parsed entry from GUARDIAN_API_KEYS.
type APIKey struct {
	Key      string
	TenantID string
	Role     Role
}

// Config holds the gateway's runtime configuration, populated from
// GUARDIAN_* environment variables.
type Config struct {
	DatabaseURL       string
	DefaultPolicyPath string
	LLMProvider       string
	LLMAPIKey         string
	LLMModel          string
	AWSRegion         string
	APIKeys           string
	RateLimitRPM      int
	RedisURL          string
	Host              string
	Port              int
	LogLevel          string
	CORSOrigins       string
}

// LoadConfig reads the environment into a Config, applying defaults.
func LoadConfig() Config {
	return Config{
		DatabaseURL:       getEnv("GUARDIAN_DATABASE_URL", ""),
		DefaultPolicyPath: getEnv("GUARDIAN_DEFAULT_POLICY_PATH", "policies/default_policy.json"),
		LLMProvider:       getEnv("GUARDIAN_LLM_PROVIDER", "stub"),
		LLMAPIKey:         getEnv("GUARDIAN_LLM_API_KEY", ""),
		LLMModel:          getEnv("GUARDIAN_LLM_MODEL", "claude-sonnet-4-5-20250929"),
		AWSRegion:         getEnv("GUARDIAN_AWS_REGION", "us-east-1"),
		APIKeys:           getEnv("GUARDIAN_API_KEYS", ""),
		RateLimitRPM:      getEnvInt("GUARDIAN_RATE_LIMIT_RPM", 60),
		RedisURL:          getEnv("GUARDIAN_REDIS_URL", ""),
		Host:              getEnv("GUARDIAN_HOST", "0.0.0.0"),
		Port:              getEnvInt("GUARDIAN_PORT", 8000),
		LogLevel:          getEnv("GUARDIAN_LOG_LEVEL", "INFO"),
		CORSOrigins:       getEnv("GUARDIAN_CORS_ORIGINS", "*"),
	}
}

// ParseAPIKeys parses the comma-separated key list. A bare `key` entry
// grants admin on the default tenant; `key:tenant:role` is the structured
// form. An empty list means authentication is disabled.
func (c Config) ParseAPIKeys() (map[string]APIKey, error) {
	keys := make(map[string]APIKey)
	if strings.TrimSpace(c.APIKeys) == "" {
		return keys, nil
	}
	for _, entry := range strings.Split(c.APIKeys, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		switch len(parts) {
		case 1:
			keys[parts[0]] = APIKey{Key: parts[0], TenantID: "default", Role: RoleAdmin}
		case 3:
			role := Role(parts[2])
			if !role.Valid() {
				return nil, fmt.Errorf("API key entry %q: unknown role %q", entry, parts[2])
			}
			tenant := parts[1]
			if tenant == "" {
				tenant = "default"
			}
			keys[parts[0]] = APIKey{Key: parts[0], TenantID: tenant, Role: role}
		default:
			return nil, fmt.Errorf("API key entry %q: want `key` or `key:tenant:role`", entry)
		}
	}
	return keys, nil
}

// CORSOriginList splits the configured origins.
func (c Config) CORSOriginList() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		out = []string{"*"}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
