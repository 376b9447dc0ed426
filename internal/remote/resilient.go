package remote

import (
	"context"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/circuitbreaker"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/config"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/Alexander-D-Karpov/chatcore/internal/delivery"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/Alexander-D-Karpov/chatcore/internal/retry"
	"go.uber.org/zap"
)

// Resilient retries transient failures with backoff and stops calling a
// failing remote through a circuit breaker. Each retry attempt passes the
// breaker, so an opening circuit ends the retry loop.
type Resilient struct {
	next    Service
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.Config
	logger  *zap.Logger
}

func NewResilient(next Service, cfg config.RemoteConfig, logger *zap.Logger) *Resilient {
	return &Resilient{
		next:    next,
		breaker: circuitbreaker.New(cfg.BreakerFailures, cfg.BreakerTimeout),
		retry:   retryConfig(cfg),
		logger:  logging.OrNop(logger),
	}
}

func retryConfig(cfg config.RemoteConfig) retry.Config {
	rc := retry.DefaultConfig()
	if cfg.RetryAttempts > 0 {
		rc.MaxAttempts = cfg.RetryAttempts
	}
	if cfg.RetryWait > 0 {
		rc.InitialWait = cfg.RetryWait
	}
	rc.Retryable = Transient
	return rc
}

func (r *Resilient) Breaker() *circuitbreaker.CircuitBreaker {
	return r.breaker
}

func (r *Resilient) ListChannels(ctx context.Context) ([]messaging.Channel, error) {
	var out []messaging.Channel
	err := r.call(ctx, "list_channels", func() (err error) {
		out, err = r.next.ListChannels(ctx)
		return err
	})
	return out, err
}

func (r *Resilient) ListChannelMessages(ctx context.Context, channelID string) ([]messaging.Message, error) {
	var out []messaging.Message
	err := r.call(ctx, "list_channel_messages", func() (err error) {
		out, err = r.next.ListChannelMessages(ctx, channelID)
		return err
	})
	return out, err
}

func (r *Resilient) ListDirectMessages(ctx context.Context, peerUserID string) ([]messaging.Message, error) {
	var out []messaging.Message
	err := r.call(ctx, "list_direct_messages", func() (err error) {
		out, err = r.next.ListDirectMessages(ctx, peerUserID)
		return err
	})
	return out, err
}

func (r *Resilient) ListTenantUsers(ctx context.Context, tenantID string) ([]messaging.ChatUser, error) {
	var out []messaging.ChatUser
	err := r.call(ctx, "list_tenant_users", func() (err error) {
		out, err = r.next.ListTenantUsers(ctx, tenantID)
		return err
	})
	return out, err
}

func (r *Resilient) call(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	start := time.Now()
	err := retry.WithBackoff(ctx, r.retry, func() error {
		attempt++
		return r.breaker.CallIgnoring(fn, healthy)
	})
	if err != nil && attempt > 1 {
		r.logger.Warn("remote call failed after retries",
			zap.String("op", op),
			zap.Int("attempts", attempt),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
	}
	return err
}

// ResilientTransport retries message sends. Typing notifications are
// ephemeral and go out once.
type ResilientTransport struct {
	Transport
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.Config
	logger  *zap.Logger
}

func NewResilientTransport(next Transport, cfg config.RemoteConfig, logger *zap.Logger) *ResilientTransport {
	return &ResilientTransport{
		Transport: next,
		breaker:   circuitbreaker.New(cfg.BreakerFailures, cfg.BreakerTimeout),
		retry:     retryConfig(cfg),
		logger:    logging.OrNop(logger),
	}
}

func (t *ResilientTransport) SendMessage(ctx context.Context, msg messaging.Message) error {
	err := retry.WithBackoff(ctx, t.retry, func() error {
		return t.breaker.CallIgnoring(func() error {
			return t.Transport.SendMessage(ctx, msg)
		}, healthy)
	})
	if err != nil {
		t.logger.Warn("message send failed",
			zap.String("local_id", msg.LocalID),
			zap.String("conversation", msg.Conversation.Key()),
			zap.Error(err),
		)
	}
	return err
}

func (t *ResilientTransport) Acks() <-chan delivery.Ack {
	return t.Transport.Acks()
}
