package remote

import (
	"context"
	"sync"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/clock"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/Alexander-D-Karpov/chatcore/internal/delivery"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LoopbackConfig sets when the simulated server acknowledges a message.
// A zero delay for Delivered or Read skips that ack.
type LoopbackConfig struct {
	SentDelay      time.Duration
	DeliveredDelay time.Duration
	ReadDelay      time.Duration
	// Reader is reported as the user who read the message.
	Reader string
}

func DefaultLoopbackConfig() LoopbackConfig {
	return LoopbackConfig{
		SentDelay:      50 * time.Millisecond,
		DeliveredDelay: 300 * time.Millisecond,
		ReadDelay:      2 * time.Second,
		Reader:         "loopback",
	}
}

type TypingCall struct {
	Conversation messaging.ConversationRef
	Typing       bool
}

// Loopback is an in-process Transport that acks every message on the
// scheduler, standing in for a server in demos and tests.
type Loopback struct {
	sched  clock.Scheduler
	cfg    LoopbackConfig
	logger *zap.Logger

	mu      sync.Mutex
	acks    chan delivery.Ack
	closed  bool
	failErr error
	sent    []messaging.Message
	typing  []TypingCall
}

func NewLoopback(sched clock.Scheduler, cfg LoopbackConfig, logger *zap.Logger) *Loopback {
	return &Loopback{
		sched:  sched,
		cfg:    cfg,
		logger: logging.OrNop(logger),
		acks:   make(chan delivery.Ack, ackBuffer),
	}
}

// FailWith makes subsequent sends fail with err until called with nil.
func (l *Loopback) FailWith(err error) {
	l.mu.Lock()
	l.failErr = err
	l.mu.Unlock()
}

func (l *Loopback) SendMessage(ctx context.Context, msg messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failErr != nil {
		return l.failErr
	}
	l.sent = append(l.sent, *msg.Clone())

	serverID := "srv-" + uuid.New().String()
	base := delivery.Ack{Conversation: msg.Conversation, MessageID: msg.LocalID}

	sent := base
	sent.ServerID = serverID
	sent.Target = delivery.StateSent
	l.scheduleLocked(l.cfg.SentDelay, sent)

	if l.cfg.DeliveredDelay > 0 {
		delivered := base
		delivered.MessageID = serverID
		delivered.Target = delivery.StateDelivered
		l.scheduleLocked(l.cfg.DeliveredDelay, delivered)
	}
	if l.cfg.ReadDelay > 0 {
		read := base
		read.MessageID = serverID
		read.Target = delivery.StateRead
		read.UserID = l.cfg.Reader
		l.scheduleLocked(l.cfg.ReadDelay, read)
	}
	return nil
}

func (l *Loopback) scheduleLocked(delay time.Duration, ack delivery.Ack) {
	l.sched.Schedule(delay, func() {
		ack.At = l.sched.Now()
		l.emit(ack)
	})
}

func (l *Loopback) emit(ack delivery.Ack) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.acks <- ack:
	default:
		l.logger.Warn("loopback ack dropped", zap.String("message_id", ack.MessageID))
	}
}

func (l *Loopback) SendTyping(ctx context.Context, ref messaging.ConversationRef, typing bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.typing = append(l.typing, TypingCall{Conversation: ref, Typing: typing})
	return nil
}

func (l *Loopback) Acks() <-chan delivery.Ack {
	return l.acks
}

// Close closes the ack channel. Acks scheduled earlier are discarded.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.acks)
	return nil
}

func (l *Loopback) Sent() []messaging.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]messaging.Message, len(l.sent))
	copy(out, l.sent)
	return out
}

func (l *Loopback) TypingCalls() []TypingCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TypingCall, len(l.typing))
	copy(out, l.typing)
	return out
}
