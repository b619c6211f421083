package config

// Provider identifies an upstream LLM vendor.
type Provider string

const (
	// ProviderDashscope is the Alibaba Cloud Dashscope OpenAI-compatible endpoint
	ProviderDashscope Provider = "dashscope"
	// ProviderVolcengine is the ByteDance Volcengine Ark OpenAI-compatible endpoint
	ProviderVolcengine Provider = "volcengine"
)

// IsValid checks whether the provider is known
func (p Provider) IsValid() bool {
	return p == ProviderDashscope || p == ProviderVolcengine
}

// BalancingStrategy defines available load-balancing strategies
type BalancingStrategy string

const (
	// StrategyWeighted picks among candidates by configured integer weights
	StrategyWeighted BalancingStrategy = "weighted"
	// StrategyRateAware prefers candidates whose rate limiter reports headroom
	StrategyRateAware BalancingStrategy = "rate_aware"
	// StrategyRoundRobin cycles candidates with a per-process counter
	StrategyRoundRobin BalancingStrategy = "round_robin"
)

// IsValid checks whether the strategy is known
func (s BalancingStrategy) IsValid() bool {
	switch s {
	case StrategyWeighted, StrategyRateAware, StrategyRoundRobin:
		return true
	default:
		return false
	}
}
