package audit

import (
	"context"
	"sync"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultRetention = 256

// Event records one accepted channel administration action.
type Event struct {
	ID        uuid.UUID
	ActorID   string
	Action    string
	ChannelID string
	TargetID  string
	Metadata  map[string]any
	Timestamp time.Time
}

// Logger writes audit events to the structured log and keeps the most recent
// ones in memory.
type Logger struct {
	logger    *zap.Logger
	now       func() time.Time
	retention int

	mu     sync.Mutex
	events []Event
}

func NewLogger(logger *zap.Logger, retention int) *Logger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Logger{
		logger:    logging.OrNop(logger).Named("audit"),
		now:       time.Now,
		retention: retention,
	}
}

func (al *Logger) Log(ctx context.Context, event Event) error {
	if al == nil {
		return nil
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = al.now()
	}

	fields := []zap.Field{
		zap.String("event_id", event.ID.String()),
		zap.String("actor_id", event.ActorID),
		zap.String("action", event.Action),
		zap.String("channel_id", event.ChannelID),
	}
	if event.TargetID != "" {
		fields = append(fields, zap.String("target_id", event.TargetID))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}
	al.logger.Info("audit event", fields...)

	al.mu.Lock()
	al.events = append(al.events, event)
	if over := len(al.events) - al.retention; over > 0 {
		al.events = append(al.events[:0:0], al.events[over:]...)
	}
	al.mu.Unlock()
	return nil
}

// Recent returns up to n events, newest last. n <= 0 returns all retained events.
func (al *Logger) Recent(n int) []Event {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	start := 0
	if n > 0 && n < len(al.events) {
		start = len(al.events) - n
	}
	out := make([]Event, len(al.events)-start)
	copy(out, al.events[start:])
	return out
}

// ForChannel returns the retained events for one channel, oldest first.
func (al *Logger) ForChannel(channelID string) []Event {
	var out []Event
	for _, ev := range al.Recent(0) {
		if ev.ChannelID == channelID {
			out = append(out, ev)
		}
	}
	return out
}
