package config

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ModelConfig defines a physical model: a routable endpoint bound to one provider.
type ModelConfig struct {
	// Physical model name used as the routing and metrics key (required)
	Name string

	// Owning provider (required)
	Provider Provider

	// OpenAI-compatible base URL, e.g. "https://dashscope.aliyuncs.com/compatible-mode/v1"
	BaseURL string

	// Environment variable name holding the API key
	APIKeyEnv string

	// Provider-side model identifier sent in the request body
	RequestModel string

	// True for reasoning models that emit a separate reasoning_content stream
	SupportsThinking bool

	// True for WebSocket-based voice models (health-checked with a connect/close
	// handshake instead of a chat probe)
	Voice bool

	// WebSocket endpoint for voice models
	WSEndpoint string

	// Volcengine endpoint limiter name ("kimi", "doubao"); empty for
	// provider-wide limiting
	LimiterEndpoint string

	// Per-call request timeout; zero means the orchestrator default
	Timeout time.Duration
}

// Validate checks required fields
func (m *ModelConfig) Validate() error {
	if m.Name == "" {
		return NewValidationError("model", m.Name, "name", ErrMissingRequiredField)
	}
	if !m.Provider.IsValid() {
		return NewValidationError("model", m.Name, "provider", ErrInvalidValue)
	}
	if m.Voice {
		if m.WSEndpoint == "" {
			return NewValidationError("model", m.Name, "ws_endpoint", ErrMissingRequiredField)
		}
		return nil
	}
	if m.BaseURL == "" {
		return NewValidationError("model", m.Name, "base_url", ErrMissingRequiredField)
	}
	if m.RequestModel == "" {
		return NewValidationError("model", m.Name, "request_model", ErrMissingRequiredField)
	}
	return nil
}

// ModelRegistry stores physical model configurations and the logical→physical
// candidate table in memory with thread-safe access.
type ModelRegistry struct {
	models     map[string]*ModelConfig
	candidates map[string][]string
	mu         sync.RWMutex
}

// NewModelRegistry creates a new model registry.
// candidates maps a logical model name to its physical candidates; every
// candidate must exist in models.
func NewModelRegistry(models map[string]*ModelConfig, candidates map[string][]string) (*ModelRegistry, error) {
	copiedModels := make(map[string]*ModelConfig, len(models))
	for k, v := range models {
		if err := v.Validate(); err != nil {
			return nil, err
		}
		copiedModels[k] = v
	}
	copiedCandidates := make(map[string][]string, len(candidates))
	for logical, phys := range candidates {
		for _, p := range phys {
			if _, ok := copiedModels[p]; !ok {
				return nil, NewValidationError("model", logical, "candidates",
					fmt.Errorf("%w: %s", ErrModelNotFound, p))
			}
		}
		cp := make([]string, len(phys))
		copy(cp, phys)
		copiedCandidates[logical] = cp
	}
	return &ModelRegistry{
		models:     copiedModels,
		candidates: copiedCandidates,
	}, nil
}

// Get retrieves a physical model configuration by name (thread-safe)
func (r *ModelRegistry) Get(name string) (*ModelConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.models[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	return m, nil
}

// Has checks if a physical model exists in the registry (thread-safe)
func (r *ModelRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.models[name]
	return exists
}

// Candidates returns the physical candidates for a logical model.
// When the logical name is unknown, it is returned as its own single
// candidate (a physical model addressed directly).
func (r *ModelRegistry) Candidates(logical string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	phys, ok := r.candidates[logical]
	if !ok || len(phys) == 0 {
		return []string{logical}
	}
	cp := make([]string, len(phys))
	copy(cp, phys)
	return cp
}

// ProviderOf returns the provider tag of a physical model
func (r *ModelRegistry) ProviderOf(physical string) (Provider, error) {
	m, err := r.Get(physical)
	if err != nil {
		return "", err
	}
	return m.Provider, nil
}

// PhysicalModels returns all physical model names, sorted (thread-safe)
func (r *ModelRegistry) PhysicalModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of physical models in the registry (thread-safe)
func (r *ModelRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}
