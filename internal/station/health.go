package station

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ComponentStatus represents the health status of a component
type ComponentStatus string

const (
	StatusOK          ComponentStatus = "ok"
	StatusError       ComponentStatus = "error"
	StatusUnavailable ComponentStatus = "unavailable"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

type ComponentHealth struct {
	Status ComponentStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

type HealthCheckResult struct {
	Status     HealthStatus               `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Pinger is satisfied by the history store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LinkStatus is satisfied by *link.Link.
type LinkStatus interface {
	Connected() bool
	FirmwareVersion() string
}

// HealthChecker reports on the store and the controller link.
type HealthChecker struct {
	store Pinger
	link  LinkStatus
}

func NewHealthChecker(store Pinger, link LinkStatus) *HealthChecker {
	return &HealthChecker{store: store, link: link}
}

// CheckLiveness always reports healthy while the process serves requests.
func (hc *HealthChecker) CheckLiveness(ctx context.Context) HealthCheckResult {
	return HealthCheckResult{
		Status:     HealthHealthy,
		Components: map[string]ComponentHealth{},
		Timestamp:  time.Now().UTC(),
	}
}

// CheckReadiness checks every component. A down link degrades the
// station; a failing store makes it unhealthy.
func (hc *HealthChecker) CheckReadiness(ctx context.Context) HealthCheckResult {
	components := map[string]ComponentHealth{
		"database": hc.checkDatabase(ctx),
		"link":     hc.checkLink(),
	}

	overall := HealthHealthy
	for _, comp := range components {
		if comp.Status == StatusError {
			overall = HealthUnhealthy
			break
		}
		if comp.Status == StatusUnavailable {
			overall = HealthDegraded
		}
	}

	return HealthCheckResult{
		Status:     overall,
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentHealth {
	if hc.store == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "database not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := hc.store.Ping(ctx); err != nil {
		return ComponentHealth{Status: StatusError, Error: err.Error()}
	}
	return ComponentHealth{Status: StatusOK}
}

func (hc *HealthChecker) checkLink() ComponentHealth {
	if hc.link == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "link not configured"}
	}
	if !hc.link.Connected() {
		return ComponentHealth{Status: StatusUnavailable, Error: "controller not connected"}
	}
	return ComponentHealth{Status: StatusOK}
}

// Handler serves /healthz, /readyz and /metrics.
func (hc *HealthChecker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", hc.handleLiveness)
	mux.HandleFunc("GET /readyz", hc.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (hc *HealthChecker) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hc.CheckLiveness(r.Context()))
}

func (hc *HealthChecker) handleReadiness(w http.ResponseWriter, r *http.Request) {
	result := hc.CheckReadiness(r.Context())
	status := http.StatusOK
	if result.Status == HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
