package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"upload-relay/internal/storage"
)

// HealthStatus represents the overall readiness of the service
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp       ComponentStatus = "up"
	ComponentStatusDown     ComponentStatus = "down"
	ComponentStatusDegraded ComponentStatus = "degraded"
)

// Health is the /ready response body.
type Health struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Commit     string                     `json:"commit,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a single system component
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
	Details   any             `json:"details,omitempty"`
}

// handleHealth is the liveness probe: the process is up and serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady checks every dependency an upload needs.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := s.checkHealth(ctx)

	statusCode := http.StatusOK
	if health.Status == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

func (s *Server) checkHealth(ctx context.Context) Health {
	health := Health{
		Timestamp:  time.Now().UTC(),
		Version:    s.cfg.Version,
		Commit:     s.cfg.Commit,
		Components: make(map[string]ComponentHealth),
	}

	health.Components["object_store"] = s.checkStoreHealth(ctx)
	health.Components["staging"] = s.checkStagingHealth()
	if s.cfg.Ledger != nil {
		health.Components["database"] = s.checkDatabaseHealth(ctx)
	}

	health.Status = determineOverallHealth(health.Components)
	return health
}

// checkStoreHealth pings the bucket. An open breaker degrades the component
// even when the ping succeeds, since puts are still being refused.
func (s *Server) checkStoreHealth(ctx context.Context) ComponentHealth {
	if s.cfg.Relay == nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: "object store not configured"}
	}
	store := s.cfg.Relay.Store()

	start := time.Now()
	err := store.Ping(ctx)
	latency := float64(time.Since(start).Milliseconds())

	details := map[string]any{
		"backend": store.Backend(),
		"bucket":  store.Bucket(),
	}
	if s.cfg.Breaker != nil {
		details["breaker"] = s.cfg.Breaker.Stats()
	}

	switch {
	case errors.Is(err, storage.ErrBucketNotFound):
		return ComponentHealth{Status: ComponentStatusDown, Message: "bucket does not exist: " + store.Bucket(), Details: details}
	case err != nil:
		return ComponentHealth{Status: ComponentStatusDown, Message: "object store ping failed: " + err.Error(), Details: details}
	}

	status, message := ComponentStatusUp, "object store healthy"
	if s.cfg.Breaker != nil && s.cfg.Breaker.State() != storage.StateClosed {
		status, message = ComponentStatusDegraded, "circuit breaker "+s.cfg.Breaker.State().String()
	} else if latency > 2000 {
		status, message = ComponentStatusDegraded, "object store latency high"
	}

	return ComponentHealth{
		Status:    status,
		Message:   message,
		LatencyMs: latency,
		Details:   details,
	}
}

// checkStagingHealth verifies the staging directory accepts new files.
func (s *Server) checkStagingHealth() ComponentHealth {
	if s.cfg.Stager == nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: "staging not configured"}
	}
	dir := s.cfg.Stager.Dir()

	f, err := os.CreateTemp(dir, ".ready-*")
	if err != nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: "staging directory not writable: " + err.Error()}
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)

	return ComponentHealth{
		Status:  ComponentStatusUp,
		Message: "staging writable",
		Details: map[string]string{"dir": dir},
	}
}

func (s *Server) checkDatabaseHealth(ctx context.Context) ComponentHealth {
	start := time.Now()
	if err := s.cfg.Ledger.Ping(ctx); err != nil {
		// The ledger is best-effort, uploads still work without it.
		return ComponentHealth{
			Status:  ComponentStatusDegraded,
			Message: "database ping failed: " + err.Error(),
		}
	}
	return ComponentHealth{
		Status:    ComponentStatusUp,
		Message:   "database healthy",
		LatencyMs: float64(time.Since(start).Milliseconds()),
	}
}

// determineOverallHealth calculates overall health from component statuses
func determineOverallHealth(components map[string]ComponentHealth) HealthStatus {
	var downCount, degradedCount int
	for _, component := range components {
		switch component.Status {
		case ComponentStatusDown:
			downCount++
		case ComponentStatusDegraded:
			degradedCount++
		}
	}

	if downCount > 0 {
		return HealthStatusUnhealthy
	}
	if degradedCount > 0 {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}
