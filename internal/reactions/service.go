package reactions

import (
	"slices"
	"strings"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/errors"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/Alexander-D-Karpov/chatcore/internal/observability"
	"github.com/Alexander-D-Karpov/chatcore/internal/store"
	"go.uber.org/zap"
)

// Count is the per-emoji view the UI renders under a message.
type Count struct {
	Emoji       string
	Count       int
	ReactedByMe bool
}

type Service struct {
	store   *store.Store
	metrics *observability.Metrics
	logger  *zap.Logger
}

func NewService(st *store.Store, metrics *observability.Metrics, logger *zap.Logger) *Service {
	return &Service{
		store:   st,
		metrics: metrics,
		logger:  logging.OrNop(logger),
	}
}

// Toggle adds userID to the emoji's reaction set or removes it when already
// present. An emptied set is dropped. Calling Toggle twice with the same
// arguments restores the previous reactions.
func (s *Service) Toggle(ref messaging.ConversationRef, messageID, emoji, userID string) ([]messaging.Reaction, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, errors.BadRequest("emoji is required")
	}
	if userID == "" {
		return nil, errors.BadRequest("user is required")
	}

	var added bool
	msg, err := s.store.Mutate(ref, messageID, func(m *messaging.Message) bool {
		m.Reactions, added = toggle(m.Reactions, emoji, userID)
		return true
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ReactionToggled(added)
	s.logger.Debug("reaction toggled",
		zap.String("conversation", ref.Key()),
		zap.String("message_id", messageID),
		zap.String("emoji", emoji),
		zap.String("user_id", userID),
		zap.Bool("added", added),
	)
	return msg.Reactions, nil
}

// Summary returns the reaction counts of a message as seen by viewer.
func (s *Service) Summary(ref messaging.ConversationRef, messageID, viewer string) ([]Count, error) {
	msg, err := s.store.Get(ref, messageID)
	if err != nil {
		return nil, err
	}

	out := make([]Count, 0, len(msg.Reactions))
	for _, r := range msg.Reactions {
		out = append(out, Count{
			Emoji:       r.Emoji,
			Count:       len(r.Users),
			ReactedByMe: slices.Contains(r.Users, viewer),
		})
	}
	return out, nil
}

func toggle(reactions []messaging.Reaction, emoji, userID string) ([]messaging.Reaction, bool) {
	i := slices.IndexFunc(reactions, func(r messaging.Reaction) bool { return r.Emoji == emoji })
	if i < 0 {
		return append(reactions, messaging.Reaction{Emoji: emoji, Users: []string{userID}}), true
	}

	r := &reactions[i]
	if j := slices.Index(r.Users, userID); j >= 0 {
		r.Users = slices.Delete(r.Users, j, j+1)
		if len(r.Users) == 0 {
			reactions = slices.Delete(reactions, i, i+1)
		}
		if len(reactions) == 0 {
			return nil, false
		}
		return reactions, false
	}

	r.Users = append(r.Users, userID)
	return reactions, true
}
