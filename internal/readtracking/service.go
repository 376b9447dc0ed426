package readtracking

import (
	"sync"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/Alexander-D-Karpov/chatcore/internal/events"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/Alexander-D-Karpov/chatcore/internal/observability"
	"github.com/Alexander-D-Karpov/chatcore/internal/store"
	"go.uber.org/zap"
)

// Service keeps the local viewer's unread counts current. Counts are
// recomputed from the store after every committed change and pushed to the
// hub when they move.
type Service struct {
	repo    *Repository
	store   *store.Store
	viewer  string
	hub     *events.Hub
	metrics *observability.Metrics
	logger  *zap.Logger

	mu          sync.Mutex
	last        map[string]int
	unsubscribe func()
}

func NewService(st *store.Store, viewer string, hub *events.Hub, metrics *observability.Metrics, logger *zap.Logger) *Service {
	return &Service{
		repo:    NewRepository(st),
		store:   st,
		viewer:  viewer,
		hub:     hub,
		metrics: metrics,
		logger:  logging.OrNop(logger),
		last:    make(map[string]int),
	}
}

func (s *Service) UnreadCount(ref messaging.ConversationRef, viewer string) int {
	return s.repo.UnreadCount(ref, viewer)
}

// AllUnreadCounts returns per-conversation counts and their total.
func (s *Service) AllUnreadCounts(viewer string) ([]UnreadInfo, int) {
	infos := s.repo.AllUnreadCounts(viewer)
	total := 0
	for _, info := range infos {
		total += info.UnreadCount
	}
	return infos, total
}

// Start subscribes to store changes. Calling Start twice is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	unsubscribe := s.store.Subscribe(func(c store.Change) {
		if !c.Ref.Valid() {
			return
		}
		s.Refresh(c.Ref)
	})

	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	for _, ref := range s.store.Conversations() {
		s.Refresh(ref)
	}
}

func (s *Service) Stop() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Refresh recomputes the viewer's count for ref and publishes it when it
// differs from the last published value.
func (s *Service) Refresh(ref messaging.ConversationRef) int {
	n := s.repo.UnreadCount(ref, s.viewer)

	s.mu.Lock()
	prev, seen := s.last[ref.Key()]
	s.last[ref.Key()] = n
	total := 0
	for _, c := range s.last {
		total += c
	}
	s.mu.Unlock()

	if seen && prev == n {
		return n
	}

	s.metrics.SetUnread(ref.Key(), n)
	s.logger.Debug("unread count updated",
		zap.String("conversation", ref.Key()),
		zap.Int("unread", n),
		zap.Int("total", total),
	)
	s.hub.Publish(events.Event{
		Type:         events.UnreadCountUpdated,
		Conversation: ref,
		Unread:       n,
		TotalUnread:  total,
	})
	return n
}
