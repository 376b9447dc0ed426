package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.MessageSent("channel", "text")
		m.AckApplied("read")
		m.AckIgnored("read")
		m.ReactionToggled(true)
		m.SetTypingTimers(3)
		m.UploadFinished("completed", 10)
		m.SetUnread("ch:general", 2)
		m.RecordRemoteCall("list_channels", time.Millisecond, nil)
		m.RecordCacheHit("channels", false)
	})
	assert.Nil(t, m.Registry())
}

func TestMetricsCount(t *testing.T) {
	m := NewMetrics(zap.NewNop())

	m.AckApplied("delivered")
	m.AckApplied("delivered")
	m.AckIgnored("sent")
	m.ReactionToggled(false)
	m.UploadFinished("completed", 2048)
	m.SetUnread("ch:general", 4)
	m.RecordRemoteCall("list_channels", 10*time.Millisecond, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.acksTotal.WithLabelValues("delivered", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.acksTotal.WithLabelValues("sent", "ignored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reactionsToggled.WithLabelValues("removed")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.uploadBytes))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.unreadMessages.WithLabelValues("ch:general")))

	// Two registries must not collide.
	assert.NotPanics(t, func() { NewMetrics(zap.NewNop()) })
}
