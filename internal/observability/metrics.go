package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics collects chat core counters. A nil *Metrics is valid and records
// nothing, so services can run without instrumentation.
type Metrics struct {
	registry         *prometheus.Registry
	messagesSent     *prometheus.CounterVec
	acksTotal        *prometheus.CounterVec
	reactionsToggled *prometheus.CounterVec
	typingTimers     prometheus.Gauge
	uploadsTotal     *prometheus.CounterVec
	uploadBytes      prometheus.Counter
	unreadMessages   *prometheus.GaugeVec
	remoteDuration   *prometheus.HistogramVec
	cacheHits        *prometheus.CounterVec
	logger           *zap.Logger
}

func NewMetrics(logger *zap.Logger) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcore_messages_sent_total",
				Help: "Messages sent optimistically, by conversation kind and type",
			},
			[]string{"kind", "type"},
		),
		acksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcore_delivery_acks_total",
				Help: "Delivery acknowledgments by target state and outcome",
			},
			[]string{"target", "outcome"},
		),
		reactionsToggled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcore_reactions_toggled_total",
				Help: "Reaction toggles by direction",
			},
			[]string{"direction"},
		),
		typingTimers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatcore_typing_timers_active",
				Help: "Pending typing eviction timers",
			},
		),
		uploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcore_uploads_total",
				Help: "Attachment uploads by outcome",
			},
			[]string{"outcome"},
		),
		uploadBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatcore_upload_bytes_total",
				Help: "Bytes uploaded for completed attachments",
			},
		),
		unreadMessages: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatcore_unread_messages",
				Help: "Unread messages per conversation for the local viewer",
			},
			[]string{"conversation"},
		),
		remoteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatcore_remote_call_duration_seconds",
				Help:    "Remote chat service call duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"operation", "status"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcore_cache_hits_total",
				Help: "Remote listing cache hits/misses",
			},
			[]string{"cache_type", "status"},
		),
		logger: logging.OrNop(logger),
	}

	m.registry.MustRegister(
		m.messagesSent,
		m.acksTotal,
		m.reactionsToggled,
		m.typingTimers,
		m.uploadsTotal,
		m.uploadBytes,
		m.unreadMessages,
		m.remoteDuration,
		m.cacheHits,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MessageSent(kind, msgType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(kind, msgType).Inc()
}

func (m *Metrics) AckApplied(target string) {
	if m == nil {
		return
	}
	m.acksTotal.WithLabelValues(target, "applied").Inc()
}

func (m *Metrics) AckIgnored(target string) {
	if m == nil {
		return
	}
	m.acksTotal.WithLabelValues(target, "ignored").Inc()
}

func (m *Metrics) ReactionToggled(added bool) {
	if m == nil {
		return
	}
	direction := "added"
	if !added {
		direction = "removed"
	}
	m.reactionsToggled.WithLabelValues(direction).Inc()
}

func (m *Metrics) SetTypingTimers(n int) {
	if m == nil {
		return
	}
	m.typingTimers.Set(float64(n))
}

func (m *Metrics) UploadFinished(outcome string, bytes int64) {
	if m == nil {
		return
	}
	m.uploadsTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		m.uploadBytes.Add(float64(bytes))
	}
}

func (m *Metrics) SetUnread(conversation string, count int) {
	if m == nil {
		return
	}
	m.unreadMessages.WithLabelValues(conversation).Set(float64(count))
}

func (m *Metrics) RecordRemoteCall(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.remoteDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheHit(cacheType string, hit bool) {
	if m == nil {
		return
	}
	status := "hit"
	if !hit {
		status = "miss"
	}
	m.cacheHits.WithLabelValues(cacheType, status).Inc()
}

// Mount is an extra route served next to /metrics.
type Mount struct {
	Pattern string
	Handler http.Handler
}

// Serve exposes /metrics and the given mounts on port until ctx is done.
func (m *Metrics) Serve(ctx context.Context, port int, mounts ...Mount) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	for _, mount := range mounts {
		mux.Handle(mount.Pattern, mount.Handler)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	m.logger.Info("metrics server starting", zap.Int("port", port), zap.Int("mounts", len(mounts)))

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
