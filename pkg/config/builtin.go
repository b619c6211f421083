package config

import "time"

// Built-in model table. Request-model identifiers and endpoints are
// overridable via environment so deployments can track provider releases
// without a rebuild.

const (
	dashscopeBaseURL    = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	volcengineBaseURL   = "https://ark.cn-beijing.volces.com/api/v3"
	dashscopeVoiceWSURL = "wss://dashscope.aliyuncs.com/api-ws/v1/inference"
)

func builtinModels() map[string]*ModelConfig {
	return map[string]*ModelConfig{
		"qwen": {
			Name:         "qwen",
			Provider:     ProviderDashscope,
			BaseURL:      envStr("DASHSCOPE_BASE_URL", dashscopeBaseURL),
			APIKeyEnv:    "DASHSCOPE_API_KEY",
			RequestModel: envStr("QWEN_REQUEST_MODEL", "qwen-max"),
		},
		"deepseek": {
			Name:             "deepseek",
			Provider:         ProviderDashscope,
			BaseURL:          envStr("DASHSCOPE_BASE_URL", dashscopeBaseURL),
			APIKeyEnv:        "DASHSCOPE_API_KEY",
			RequestModel:     envStr("DEEPSEEK_REQUEST_MODEL", "deepseek-r1"),
			SupportsThinking: true,
		},
		"ark-deepseek": {
			Name:             "ark-deepseek",
			Provider:         ProviderVolcengine,
			BaseURL:          envStr("VOLCENGINE_BASE_URL", volcengineBaseURL),
			APIKeyEnv:        "ARK_API_KEY",
			RequestModel:     envStr("ARK_DEEPSEEK_ENDPOINT_ID", "deepseek-r1-250120"),
			SupportsThinking: true,
		},
		"kimi": {
			Name:            "kimi",
			Provider:        ProviderVolcengine,
			BaseURL:         envStr("VOLCENGINE_BASE_URL", volcengineBaseURL),
			APIKeyEnv:       "ARK_API_KEY",
			RequestModel:    envStr("KIMI_ENDPOINT_ID", "kimi-k2-250711"),
			LimiterEndpoint: "kimi",
		},
		"doubao": {
			Name:            "doubao",
			Provider:        ProviderVolcengine,
			BaseURL:         envStr("VOLCENGINE_BASE_URL", volcengineBaseURL),
			APIKeyEnv:       "ARK_API_KEY",
			RequestModel:    envStr("DOUBAO_ENDPOINT_ID", "doubao-seed-1-6-250615"),
			LimiterEndpoint: "doubao",
		},
		"cosyvoice": {
			Name:       "cosyvoice",
			Provider:   ProviderDashscope,
			APIKeyEnv:  "DASHSCOPE_API_KEY",
			Voice:      true,
			WSEndpoint: envStr("COSYVOICE_WS_URL", dashscopeVoiceWSURL),
			Timeout:    5 * time.Second,
		},
	}
}

// builtinCandidates maps logical models to their physical candidates.
// Only deepseek is multi-homed; the rest route to a single endpoint.
func builtinCandidates() map[string][]string {
	return map[string][]string{
		"qwen":      {"qwen"},
		"deepseek":  {"deepseek", "ark-deepseek"},
		"kimi":      {"kimi"},
		"doubao":    {"doubao"},
		"cosyvoice": {"cosyvoice"},
	}
}

// DefaultModelRegistry builds the registry from the built-in table with
// environment overrides applied.
func DefaultModelRegistry() (*ModelRegistry, error) {
	return NewModelRegistry(builtinModels(), builtinCandidates())
}

// DefaultFanoutModels is the default model set for palette-style fan-out:
// three models chosen for complementary throughput. Models behind narrow
// concurrency caps (kimi) are excluded unless explicitly requested.
func DefaultFanoutModels() []string {
	return []string{"qwen", "deepseek", "doubao"}
}
