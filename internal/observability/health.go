package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"go.uber.org/zap"
)

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

type ComponentHealth struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
	Latency string       `json:"latency,omitempty"`
}

type HealthReport struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
}

// HealthCheck probes one dependency: the remote chat service, its circuit
// breaker, Redis or Postgres.
type HealthCheck func(context.Context) (HealthStatus, string, error)

type HealthChecker struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	logger    *zap.Logger
	startTime time.Time
	version   string
	now       func() time.Time
}

func NewHealthChecker(logger *zap.Logger, version string) *HealthChecker {
	return &HealthChecker{
		checks:    make(map[string]HealthCheck),
		logger:    logging.OrNop(logger),
		startTime: time.Now(),
		version:   version,
		now:       time.Now,
	}
}

func (h *HealthChecker) RegisterCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// PingCheck adapts a ping function. Errors make the component unhealthy, or
// only degraded when optional is set.
func PingCheck(ping func(context.Context) error, optional bool) HealthCheck {
	return func(ctx context.Context) (HealthStatus, string, error) {
		if err := ping(ctx); err != nil {
			if optional {
				return StatusDegraded, err.Error(), nil
			}
			return StatusUnhealthy, "", err
		}
		return StatusHealthy, "", nil
	}
}

// Check runs every registered check and folds them into one report. The
// worst component status wins.
func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	checks := make(map[string]HealthCheck, len(h.checks))
	for name, check := range h.checks {
		names = append(names, name)
		checks[name] = check
	}
	h.mu.RUnlock()
	sort.Strings(names)

	report := HealthReport{
		Status:     StatusHealthy,
		Timestamp:  h.now(),
		Components: make(map[string]ComponentHealth, len(names)),
		Version:    h.version,
		Uptime:     h.now().Sub(h.startTime).Round(time.Second).String(),
	}

	for _, name := range names {
		start := time.Now()
		status, message, err := checks[name](ctx)
		component := ComponentHealth{
			Status:  status,
			Message: message,
			Latency: time.Since(start).String(),
		}
		if err != nil {
			component.Status = StatusUnhealthy
			component.Message = err.Error()
		}
		report.Components[name] = component

		switch {
		case component.Status == StatusUnhealthy:
			report.Status = StatusUnhealthy
		case component.Status == StatusDegraded && report.Status != StatusUnhealthy:
			report.Status = StatusDegraded
		}
	}
	return report
}

// Handler serves the report as JSON. Unhealthy reports answer 503.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		report := h.Check(ctx)

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		if err := json.NewEncoder(w).Encode(report); err != nil {
			h.logger.Error("failed to encode health report", zap.Error(err))
		}
	})
}
