package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/errors"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/Alexander-D-Karpov/chatcore/internal/observability"
	"github.com/Alexander-D-Karpov/chatcore/internal/store"
	"go.uber.org/zap"
)

type State int

const (
	StateNone State = iota
	StateSent
	StateDelivered
	StateRead
)

func (s State) String() string {
	switch s {
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateRead:
		return "read"
	}
	return "none"
}

// Rank returns the highest state reached by status.
func Rank(status messaging.DeliveryStatus) State {
	switch {
	case status.Read:
		return StateRead
	case status.Delivered:
		return StateDelivered
	case status.Sent:
		return StateSent
	}
	return StateNone
}

// Ack is an acknowledgment coming from the transport. ServerID, when set on
// a Sent ack, reconciles the optimistic local id.
type Ack struct {
	Conversation messaging.ConversationRef
	MessageID    string
	ServerID     string
	Target       State
	UserID       string
	At           time.Time
}

const (
	maxParked = 1024
	parkedTTL = 5 * time.Minute
)

// parkedAck is an ack that named a server id before the Sent ack binding it
// arrived.
type parkedAck struct {
	ack      Ack
	parkedAt time.Time
}

type Service struct {
	store   *store.Store
	metrics *observability.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	parked  map[string][]parkedAck
	nParked int
}

func NewService(st *store.Store, metrics *observability.Metrics, logger *zap.Logger) *Service {
	return &Service{
		store:   st,
		metrics: metrics,
		logger:  logging.OrNop(logger),
		parked:  make(map[string][]parkedAck),
	}
}

// Advance moves a message forward to target. Targets at or below the current
// rank leave the status untouched, so duplicate and out-of-order acks are
// harmless. A read by someone other than the sender is recorded in ReadBy
// even when the status was already read.
func (s *Service) Advance(ref messaging.ConversationRef, messageID string, target State, userID string, at time.Time) (*messaging.Message, error) {
	if target < StateSent || target > StateRead {
		return nil, errors.BadRequest("unknown delivery state")
	}
	if at.IsZero() {
		at = s.store.Now()
	}

	applied := false
	msg, err := s.store.Mutate(ref, messageID, func(m *messaging.Message) bool {
		changed := false
		if target > Rank(m.Delivery) {
			m.Delivery.Sent = true
			m.Delivery.Delivered = m.Delivery.Delivered || target >= StateDelivered
			m.Delivery.Read = m.Delivery.Read || target >= StateRead
			m.Delivery.LastUpdated = at
			changed = true
			applied = true
		}
		if target == StateRead && userID != "" && userID != m.SenderID && !m.ReadByUser(userID) {
			m.ReadBy = append(m.ReadBy, messaging.ReadReceipt{UserID: userID, ReadAt: at})
			changed = true
		}
		return changed
	})
	if err != nil {
		return nil, err
	}

	if applied {
		s.metrics.AckApplied(target.String())
	} else {
		s.metrics.AckIgnored(target.String())
	}
	return msg, nil
}

// Apply handles a transport acknowledgment. An ack naming an id the store
// does not know yet is parked until a Sent ack binds that id as a server id,
// then replayed. Parked acks that are never claimed age out.
func (s *Service) Apply(ack Ack) error {
	id := ack.MessageID
	if ack.ServerID != "" {
		_, err := s.store.Reconcile(ack.MessageID, ack.ServerID)
		switch {
		case err == nil:
			defer s.replay(ack.ServerID)
		case errors.IsNotFound(err):
			s.discard(ack.ServerID)
		default:
			s.logger.Warn("failed to reconcile message id",
				zap.String("local_id", ack.MessageID),
				zap.String("server_id", ack.ServerID),
				zap.Error(err),
			)
		}
	}

	_, err := s.Advance(ack.Conversation, id, ack.Target, ack.UserID, ack.At)
	if errors.IsNotFound(err) {
		if ack.ServerID == "" {
			if _, known := s.store.Locate(id); !known {
				s.park(ack)
			}
		}
		s.logger.Debug("ack for unknown message ignored",
			zap.String("conversation", ack.Conversation.Key()),
			zap.String("message_id", id),
			zap.String("target", ack.Target.String()),
		)
		s.metrics.AckIgnored(ack.Target.String())
		return nil
	}
	return err
}

// Parked reports how many acks are waiting for their server id.
func (s *Service) Parked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nParked
}

func (s *Service) park(ack Ack) {
	if ack.At.IsZero() {
		ack.At = s.store.Now()
	}
	now := s.store.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(now)
	if s.nParked >= maxParked {
		s.dropOldestLocked()
	}
	s.parked[ack.MessageID] = append(s.parked[ack.MessageID], parkedAck{ack: ack, parkedAt: now})
	s.nParked++
}

func (s *Service) take(serverID string) []parkedAck {
	s.mu.Lock()
	defer s.mu.Unlock()
	acks := s.parked[serverID]
	delete(s.parked, serverID)
	s.nParked -= len(acks)
	return acks
}

func (s *Service) discard(serverID string) {
	_ = s.take(serverID)
}

func (s *Service) replay(serverID string) {
	for _, p := range s.take(serverID) {
		ack := p.ack
		if _, err := s.Advance(ack.Conversation, serverID, ack.Target, ack.UserID, ack.At); err != nil && !errors.IsNotFound(err) {
			s.logger.Warn("failed to replay parked ack",
				zap.String("server_id", serverID),
				zap.String("target", ack.Target.String()),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) expireLocked(now time.Time) {
	for id, acks := range s.parked {
		kept := acks[:0]
		for _, p := range acks {
			if now.Sub(p.parkedAt) < parkedTTL {
				kept = append(kept, p)
			}
		}
		s.nParked -= len(acks) - len(kept)
		if len(kept) == 0 {
			delete(s.parked, id)
		} else {
			s.parked[id] = kept
		}
	}
}

func (s *Service) dropOldestLocked() {
	var (
		oldestID string
		oldestAt time.Time
	)
	for id, acks := range s.parked {
		if oldestID == "" || acks[0].parkedAt.Before(oldestAt) {
			oldestID, oldestAt = id, acks[0].parkedAt
		}
	}
	if oldestID == "" {
		return
	}
	acks := s.parked[oldestID][1:]
	s.nParked--
	if len(acks) == 0 {
		delete(s.parked, oldestID)
	} else {
		s.parked[oldestID] = acks
	}
}

// MarkAllRead records viewer as having read every message in the conversation
// that someone else sent. It returns the number of messages touched.
func (s *Service) MarkAllRead(ref messaging.ConversationRef, viewer string) int {
	var pending []string
	s.store.Scan(ref, func(m *messaging.Message) {
		if m.SenderID != viewer && (!m.Delivery.Read || !m.ReadByUser(viewer)) {
			pending = append(pending, m.LocalID)
		}
	})

	at := s.store.Now()
	touched := 0
	for _, id := range pending {
		if _, err := s.Advance(ref, id, StateRead, viewer, at); err != nil {
			if !errors.IsNotFound(err) {
				s.logger.Warn("failed to mark message read",
					zap.String("conversation", ref.Key()),
					zap.String("message_id", id),
					zap.Error(err),
				)
			}
			continue
		}
		touched++
	}
	return touched
}

// Run applies acks from the transport until ctx is done or acks is closed.
func (s *Service) Run(ctx context.Context, acks <-chan Ack) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ack, ok := <-acks:
			if !ok {
				return nil
			}
			if err := s.Apply(ack); err != nil {
				s.logger.Warn("failed to apply ack",
					zap.String("message_id", ack.MessageID),
					zap.String("target", ack.Target.String()),
					zap.Error(err),
				)
			}
		}
	}
}
