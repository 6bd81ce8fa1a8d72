package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/relaycore/relay/model"
)

// Component probe thresholds.
const (
	durableStoreDegradedAfter = time.Second
	fastStoreDegradedAfter    = 100 * time.Millisecond
	queueDepthDegradedAt      = 10000
	dlqDepthDegradedAt        = 1000
)

type healthStatus string

const (
	healthStatusHealthy   healthStatus = "healthy"
	healthStatusDegraded  healthStatus = "degraded"
	healthStatusUnhealthy healthStatus = "unhealthy"
)

type componentHealth struct {
	Status    healthStatus `json:"status"`
	LatencyMs int64        `json:"latency_ms,omitempty"`
	Depth     int64        `json:"depth,omitempty"`
	Detail    string       `json:"detail,omitempty"`
}

type healthResponse struct {
	Status        healthStatus               `json:"status"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Components    map[string]componentHealth `json:"components"`
}

// initHealth registers the health endpoint on the given router. It requires
// no credential so load balancers can probe it.
func initHealth(apiRouter *mux.Router, context *Context) {
	apiRouter.Handle("/health", newContextHandler(context, "", handleGetHealth)).Methods("GET")
}

// handleGetHealth responds to GET /api/health with per-component probes and
// the aggregate status. Unhealthy components yield a 503.
func handleGetHealth(c *Context, w http.ResponseWriter, r *http.Request) {
	response := &healthResponse{
		Status:        healthStatusHealthy,
		UptimeSeconds: (model.GetMillis() - c.StartedAt) / 1000,
		Components:    map[string]componentHealth{},
	}

	start := time.Now()
	err := c.Store.Ping()
	response.Components["database"] = classifyPing(time.Since(start), durableStoreDegradedAfter, err)

	start = time.Now()
	err = c.FastStore.Ping(r.Context())
	response.Components["fast_store"] = classifyPing(time.Since(start), fastStoreDegradedAfter, err)

	queueDepth, err := c.FastStore.QueueDepth(r.Context())
	response.Components["queue"] = classifyDepth(queueDepth, queueDepthDegradedAt, err)

	dlqDepth, err := c.FastStore.DLQDepth(r.Context())
	response.Components["dlq"] = classifyDepth(dlqDepth, dlqDepthDegradedAt, err)

	for _, component := range response.Components {
		if worse(component.Status, response.Status) {
			response.Status = component.Status
		}
	}

	status := http.StatusOK
	if response.Status == healthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	outputJSON(c, w, response)
}

func classifyPing(latency, degradedAfter time.Duration, err error) componentHealth {
	if err != nil {
		return componentHealth{Status: healthStatusUnhealthy, Detail: err.Error()}
	}
	status := healthStatusHealthy
	if latency > degradedAfter {
		status = healthStatusDegraded
	}
	return componentHealth{Status: status, LatencyMs: latency.Milliseconds()}
}

func classifyDepth(depth, degradedAt int64, err error) componentHealth {
	if err != nil {
		return componentHealth{Status: healthStatusUnhealthy, Detail: err.Error()}
	}
	status := healthStatusHealthy
	if depth >= degradedAt {
		status = healthStatusDegraded
	}
	return componentHealth{Status: status, Depth: depth}
}

func worse(a, b healthStatus) bool {
	rank := map[healthStatus]int{
		healthStatusHealthy:   0,
		healthStatusDegraded:  1,
		healthStatusUnhealthy: 2,
	}
	return rank[a] > rank[b]
}
