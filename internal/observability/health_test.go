package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) error { return nil }

func failing(context.Context) error { return errors.New("connection refused") }

func TestHealthCheckerFoldsStatuses(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]HealthCheck
		want   HealthStatus
		code   int
	}{
		{
			name:   "no checks",
			checks: nil,
			want:   StatusHealthy,
			code:   http.StatusOK,
		},
		{
			name: "all healthy",
			checks: map[string]HealthCheck{
				"remote": PingCheck(healthy, false),
				"redis":  PingCheck(healthy, true),
			},
			want: StatusHealthy,
			code: http.StatusOK,
		},
		{
			name: "optional dependency down",
			checks: map[string]HealthCheck{
				"remote": PingCheck(healthy, false),
				"redis":  PingCheck(failing, true),
			},
			want: StatusDegraded,
			code: http.StatusOK,
		},
		{
			name: "required dependency down",
			checks: map[string]HealthCheck{
				"remote": PingCheck(failing, false),
				"redis":  PingCheck(failing, true),
			},
			want: StatusUnhealthy,
			code: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker(nil, "test")
			for name, check := range tt.checks {
				h.RegisterCheck(name, check)
			}

			rec := httptest.NewRecorder()
			h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.code, rec.Code)

			var report HealthReport
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Components, len(tt.checks))
			assert.Equal(t, "test", report.Version)
		})
	}
}

func TestHealthCheckErrorMessage(t *testing.T) {
	h := NewHealthChecker(nil, "test")
	h.RegisterCheck("postgres", PingCheck(failing, false))

	report := h.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Components["postgres"].Status)
	assert.Equal(t, "connection refused", report.Components["postgres"].Message)
}
