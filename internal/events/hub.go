package events

import (
	"context"
	"sync"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type EventType string

const (
	MessageAppended    EventType = "message_appended"
	MessageUpdated     EventType = "message_updated"
	MessageRemoved     EventType = "message_removed"
	ConversationLoaded EventType = "conversation_loaded"
	ChannelUpdated     EventType = "channel_updated"
	TypingChanged      EventType = "typing_changed"
	UnreadCountUpdated EventType = "unread_count_updated"
	UploadProgress     EventType = "upload_progress"
)

// AllConversations subscribes a view to every conversation.
const AllConversations = "*"

const defaultBuffer = 256

// Upload is the progress snapshot of a single attachment upload.
type Upload struct {
	TaskID   string
	FileName string
	Progress int
	Done     bool
	Canceled bool
	Err      string
}

// Event is a derived view update pushed to the UI.
type Event struct {
	ID           string
	Type         EventType
	Conversation messaging.ConversationRef
	CreatedAt    time.Time
	MessageID    string
	Message      *messaging.Message
	Channel      *messaging.Channel
	Typers       []string
	Unread       int
	TotalUnread  int
	Upload       *Upload
}

type Hub struct {
	mu            sync.RWMutex
	subscribers   map[string]*Subscriber
	conversations map[string]map[string]bool
	logger        *zap.Logger
	bufferSize    int
	shutdown      bool
}

type Subscriber struct {
	ID       string
	Subs     map[string]bool
	SendChan chan Event
	mu       sync.RWMutex
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subscribers:   make(map[string]*Subscriber),
		conversations: make(map[string]map[string]bool),
		logger:        logging.OrNop(logger),
		bufferSize:    defaultBuffer,
	}
}

// WithBuffer sets the per-subscriber channel capacity for subscribers added
// afterwards.
func (h *Hub) WithBuffer(n int) *Hub {
	if n > 0 {
		h.bufferSize = n
	}
	return h
}

func (h *Hub) Logger() *zap.Logger {
	return h.logger
}

// AddSubscriber registers a view. Adding an id twice replaces the previous
// subscriber and closes its channel.
func (h *Hub) AddSubscriber(id string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.shutdown {
		h.logger.Warn("rejecting new subscriber during shutdown", zap.String("subscriber_id", id))
		return nil
	}
	if old, ok := h.subscribers[id]; ok {
		h.removeLocked(old)
	}

	sub := &Subscriber{
		ID:       id,
		Subs:     make(map[string]bool),
		SendChan: make(chan Event, h.bufferSize),
	}
	h.subscribers[id] = sub
	h.logger.Debug("subscriber added", zap.String("subscriber_id", id))
	return sub
}

func (s *Subscriber) Events() <-chan Event {
	return s.SendChan
}

func (h *Hub) RemoveSubscriber(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subscribers[id]
	if !ok {
		return
	}
	h.removeLocked(sub)
	h.logger.Debug("subscriber removed", zap.String("subscriber_id", id))
}

func (h *Hub) removeLocked(sub *Subscriber) {
	sub.mu.Lock()
	for key := range sub.Subs {
		if ids, exists := h.conversations[key]; exists {
			delete(ids, sub.ID)
			if len(ids) == 0 {
				delete(h.conversations, key)
			}
		}
	}
	sub.mu.Unlock()

	close(sub.SendChan)
	delete(h.subscribers, sub.ID)
}

// Subscribe routes events of the conversation with the given key (or
// AllConversations) to the subscriber.
func (h *Hub) Subscribe(subscriberID, key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subscribers[subscriberID]
	if !ok {
		h.logger.Warn("attempted to subscribe unknown subscriber",
			zap.String("subscriber_id", subscriberID),
			zap.String("conversation", key),
		)
		return false
	}

	sub.mu.Lock()
	sub.Subs[key] = true
	sub.mu.Unlock()

	if _, exists := h.conversations[key]; !exists {
		h.conversations[key] = make(map[string]bool)
	}
	h.conversations[key][subscriberID] = true
	return true
}

func (h *Hub) Unsubscribe(subscriberID, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subscribers[subscriberID]
	if !ok {
		return
	}

	sub.mu.Lock()
	delete(sub.Subs, key)
	sub.mu.Unlock()

	if ids, exists := h.conversations[key]; exists {
		delete(ids, subscriberID)
		if len(ids) == 0 {
			delete(h.conversations, key)
		}
	}
}

// Publish delivers event to every subscriber of its conversation and to
// every AllConversations subscriber. Full subscriber buffers drop the event;
// publishing never blocks. A nil hub discards everything.
func (h *Hub) Publish(event Event) int {
	if h == nil {
		return 0
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.shutdown {
		return 0
	}

	targets := make(map[string]bool)
	for id := range h.conversations[AllConversations] {
		targets[id] = true
	}
	if event.Conversation.Valid() {
		for id := range h.conversations[event.Conversation.Key()] {
			targets[id] = true
		}
	}

	sent := 0
	for id := range targets {
		sub, ok := h.subscribers[id]
		if !ok {
			continue
		}
		select {
		case sub.SendChan <- event:
			sent++
		default:
			h.logger.Warn("subscriber channel full, dropping event",
				zap.String("subscriber_id", id),
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
			)
		}
	}
	return sent
}

// PublishTo delivers event to a single subscriber regardless of its
// conversation subscriptions.
func (h *Hub) PublishTo(subscriberID string, event Event) bool {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sub, ok := h.subscribers[subscriberID]
	if !ok || h.shutdown {
		return false
	}
	select {
	case sub.SendChan <- event:
		return true
	default:
		h.logger.Warn("subscriber channel full, dropping event",
			zap.String("subscriber_id", subscriberID),
			zap.String("event_id", event.ID),
		)
		return false
	}
}

func (h *Hub) HasSubscribers(key string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs, ok := h.conversations[key]
	return ok && len(subs) > 0
}

func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.shutdown = true
	for _, sub := range h.subscribers {
		close(sub.SendChan)
	}
	count := len(h.subscribers)
	h.subscribers = make(map[string]*Subscriber)
	h.conversations = make(map[string]map[string]bool)

	h.logger.Info("event hub shut down", zap.Int("subscribers", count))
	return nil
}
