package config

// RateLimitConfig holds the knobs for one rate-limiter key.
type RateLimitConfig struct {
	// Maximum acquisitions per epoch minute
	QPM int

	// Maximum in-flight requests
	Concurrent int

	// When false, acquire returns immediately
	Enabled bool
}

// RateLimits holds every configured limiter key.
//
// Dashscope models share one key; each Volcengine endpoint gets its own;
// load-balanced Volcengine routes (ark-*) use a separate internal key so
// balancer traffic does not starve the dedicated endpoints.
type RateLimits struct {
	Dashscope        RateLimitConfig
	VolcengineKimi   RateLimitConfig
	VolcengineDoubao RateLimitConfig
	VolcengineLB     RateLimitConfig
}

// LoadRateLimits reads limiter configuration from the environment.
//
//	DASHSCOPE_QPM_LIMIT / DASHSCOPE_CONCURRENT_LIMIT / DASHSCOPE_RATE_LIMITING_ENABLED
//	VOLCENGINE_KIMI_QPM_LIMIT / VOLCENGINE_KIMI_CONCURRENT_LIMIT / VOLCENGINE_KIMI_RATE_LIMITING_ENABLED
//	VOLCENGINE_DOUBAO_QPM_LIMIT / VOLCENGINE_DOUBAO_CONCURRENT_LIMIT / VOLCENGINE_DOUBAO_RATE_LIMITING_ENABLED
//	VOLCENGINE_QPM_LIMIT / VOLCENGINE_CONCURRENT_LIMIT / LOAD_BALANCING_RATE_LIMITING_ENABLED
func LoadRateLimits() RateLimits {
	return RateLimits{
		Dashscope: RateLimitConfig{
			QPM:        envInt("DASHSCOPE_QPM_LIMIT", 100),
			Concurrent: envInt("DASHSCOPE_CONCURRENT_LIMIT", 10),
			Enabled:    envBool("DASHSCOPE_RATE_LIMITING_ENABLED", true),
		},
		VolcengineKimi: RateLimitConfig{
			QPM:        envInt("VOLCENGINE_KIMI_QPM_LIMIT", 30),
			Concurrent: envInt("VOLCENGINE_KIMI_CONCURRENT_LIMIT", 2),
			Enabled:    envBool("VOLCENGINE_KIMI_RATE_LIMITING_ENABLED", true),
		},
		VolcengineDoubao: RateLimitConfig{
			QPM:        envInt("VOLCENGINE_DOUBAO_QPM_LIMIT", 60),
			Concurrent: envInt("VOLCENGINE_DOUBAO_CONCURRENT_LIMIT", 5),
			Enabled:    envBool("VOLCENGINE_DOUBAO_RATE_LIMITING_ENABLED", true),
		},
		VolcengineLB: RateLimitConfig{
			QPM:        envInt("VOLCENGINE_QPM_LIMIT", 120),
			Concurrent: envInt("VOLCENGINE_CONCURRENT_LIMIT", 10),
			Enabled:    envBool("LOAD_BALANCING_RATE_LIMITING_ENABLED", true),
		},
	}
}

// LoadBalancingConfig holds logical→physical mapping policy.
type LoadBalancingConfig struct {
	Enabled  bool
	Strategy BalancingStrategy

	// Integer weights per physical model for the weighted strategy
	Weights map[string]int
}

// LoadBalancing reads balancer configuration from the environment.
//
//	LOAD_BALANCING_ENABLED (default true)
//	LOAD_BALANCING_STRATEGY (weighted | rate_aware | round_robin, default rate_aware)
//	LOAD_BALANCING_WEIGHTS ("physical:weight,..." e.g. "deepseek:2,ark-deepseek:1")
func LoadBalancing() LoadBalancingConfig {
	cfg := LoadBalancingConfig{
		Enabled:  envBool("LOAD_BALANCING_ENABLED", true),
		Strategy: BalancingStrategy(envStr("LOAD_BALANCING_STRATEGY", string(StrategyRateAware))),
		Weights:  parseWeights(envStr("LOAD_BALANCING_WEIGHTS", "deepseek:2,ark-deepseek:1")),
	}
	if !cfg.Strategy.IsValid() {
		cfg.Strategy = StrategyRateAware
	}
	return cfg
}
