// Package config centralizes environment-driven configuration: the physical
// model registry, rate-limiter knobs, load-balancing policy, cache and
// session settings, and the knowledge-service endpoint.
package config

import (
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// CacheConfig holds shared-cache (Redis) connection settings.
type CacheConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns "host:port" for client construction.
func (c CacheConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// SessionConfig holds single-active-session settings.
type SessionConfig struct {
	// TokenTTL is the session lifetime, driven by JWT_EXPIRY_HOURS.
	TokenTTL time.Duration
}

// KnowledgeConfig holds the external RAG context service settings.
type KnowledgeConfig struct {
	BaseURL          string
	Timeout          time.Duration
	TopK             int
	MaxContextLength int
}

// Config is the umbrella configuration object returned by Load and passed
// to component constructors.
type Config struct {
	Models        *ModelRegistry
	RateLimits    RateLimits
	LoadBalancing LoadBalancingConfig
	Cache         CacheConfig
	Session       SessionConfig
	Knowledge     KnowledgeConfig
}

// Load builds the full configuration from the environment.
func Load() (*Config, error) {
	models, err := DefaultModelRegistry()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Models:        models,
		RateLimits:    LoadRateLimits(),
		LoadBalancing: LoadBalancing(),
		Cache: CacheConfig{
			Host:     envStr("REDIS_HOST", "localhost"),
			Port:     envInt("REDIS_PORT", 6379),
			Password: envStr("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Session: SessionConfig{
			TokenTTL: envHours("JWT_EXPIRY_HOURS", 24),
		},
		Knowledge: KnowledgeConfig{
			BaseURL:          envStr("KNOWLEDGE_SERVICE_URL", ""),
			Timeout:          envSeconds("KNOWLEDGE_TIMEOUT_SECONDS", 10),
			TopK:             envInt("KNOWLEDGE_TOP_K", 5),
			MaxContextLength: envInt("KNOWLEDGE_MAX_CONTEXT_LENGTH", 4000),
		},
	}
	return cfg, nil
}

// Stats contains statistics about loaded configuration
type Stats struct {
	Models           int
	BalancingEnabled bool
	Strategy         BalancingStrategy
}

// Stats returns configuration statistics for startup logging
func (c *Config) Stats() Stats {
	s := Stats{
		BalancingEnabled: c.LoadBalancing.Enabled,
		Strategy:         c.LoadBalancing.Strategy,
	}
	if c.Models != nil {
		s.Models = c.Models.Len()
	}
	return s
}

// parseWeights parses "physical:weight,physical:weight" pairs. Malformed
// entries are skipped with a warning.
func parseWeights(raw string) map[string]int {
	weights := make(map[string]int)
	if raw == "" {
		return weights
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, val, ok := strings.Cut(pair, ":")
		if !ok {
			slog.Warn("Ignoring malformed weight entry", "entry", pair)
			continue
		}
		w, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || w < 0 {
			slog.Warn("Ignoring non-integer weight", "entry", pair)
			continue
		}
		weights[strings.TrimSpace(name)] = w
	}
	return weights
}
