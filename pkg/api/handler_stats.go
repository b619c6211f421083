package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
)

// modelStats is one physical model's row in the stats response.
type modelStats struct {
	State               string  `json:"state"`
	Samples             int     `json:"samples"`
	SuccessRate         float64 `json:"success_rate"`
	P50MS               int64   `json:"p50_ms"`
	P95MS               int64   `json:"p95_ms"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	Cancelled           int64   `json:"cancelled"`
}

// providerStats is one provider's aggregate row.
type providerStats struct {
	Requests    int64   `json:"requests"`
	SuccessRate float64 `json:"success_rate"`
	AvgMS       int64   `json:"avg_ms"`
	LastError   string  `json:"last_error,omitempty"`
}

// modelStatsHandler handles GET /api/v1/models/stats: the breaker tracker's
// rolling window per physical model plus provider-level telemetry.
func (s *Server) modelStatsHandler(c *gin.Context) {
	models := make(map[string]modelStats)
	var names []string
	for name, m := range s.tracker.AllMetrics() {
		names = append(names, name)
		models[name] = modelStats{
			State:               string(m.State),
			Samples:             m.Samples,
			SuccessRate:         m.SuccessRate,
			P50MS:               m.P50.Milliseconds(),
			P95MS:               m.P95.Milliseconds(),
			ConsecutiveFailures: m.ConsecutiveFailures,
			Cancelled:           m.Cancelled,
		}
	}

	sort.Strings(names)
	resp := gin.H{"models": models}
	if fastest := s.tracker.FastestModel(names); fastest != "" {
		resp["fastest_model"] = fastest
	}

	if s.balancer != nil {
		providers := make(map[string]providerStats)
		for provider, ps := range s.balancer.ProviderStats() {
			providers[string(provider)] = providerStats{
				Requests:    ps.Requests,
				SuccessRate: ps.SuccessRate,
				AvgMS:       ps.AvgDuration.Milliseconds(),
				LastError:   ps.LastError,
			}
		}
		resp["providers"] = providers
	}

	c.JSON(http.StatusOK, resp)
}
