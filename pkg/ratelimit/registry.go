package ratelimit

import (
	"strings"

	"github.com/drawmind/modelmux/pkg/config"
)

// Limiters owns the configured limiter set and resolves which limiter
// applies to a call.
type Limiters struct {
	dashscope    *Limiter
	endpoints    map[string]*Limiter
	lbVolcengine *Limiter
}

// NewLimiters builds the limiter set: one shared Dashscope key, one key per
// dedicated Volcengine endpoint, and a separate internal key for
// load-balanced Volcengine routes.
func NewLimiters(cfg config.RateLimits, store Store) *Limiters {
	return &Limiters{
		dashscope: New(Key{Provider: string(config.ProviderDashscope)}, cfg.Dashscope, store),
		endpoints: map[string]*Limiter{
			"kimi":   New(Key{Provider: string(config.ProviderVolcengine), Endpoint: "kimi"}, cfg.VolcengineKimi, store),
			"doubao": New(Key{Provider: string(config.ProviderVolcengine), Endpoint: "doubao"}, cfg.VolcengineDoubao, store),
		},
		lbVolcengine: New(Key{Provider: string(config.ProviderVolcengine), Endpoint: "ark"}, cfg.VolcengineLB, store),
	}
}

// ForModel resolves the limiter for a (logical, physical, provider) triple:
//
//   - deepseek routed to an ark-* physical → the balancer's Volcengine key
//   - deepseek routed to the dashscope physical → shared Dashscope key
//   - kimi and doubao → their dedicated Volcengine endpoint keys
//   - anything else on Dashscope → shared Dashscope key
//   - no match → nil (no limiting)
func (ls *Limiters) ForModel(logical, physical string, provider config.Provider) *Limiter {
	switch {
	case logical == "deepseek" && strings.HasPrefix(physical, "ark-"):
		return ls.lbVolcengine
	case logical == "deepseek" && physical == "deepseek":
		return ls.dashscope
	case logical == "kimi" || logical == "doubao":
		return ls.endpoints[logical]
	case provider == config.ProviderDashscope:
		return ls.dashscope
	default:
		return nil
	}
}

// All returns every configured limiter for stats surfaces.
func (ls *Limiters) All() []*Limiter {
	all := []*Limiter{ls.dashscope}
	for _, l := range ls.endpoints {
		all = append(all, l)
	}
	all = append(all, ls.lbVolcengine)
	return all
}
