package store

import (
	"slices"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/errors"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"go.uber.org/zap"
)

// PutChannel inserts or replaces a channel. Permission sets are deduplicated,
// the creator is seeded into every set and the member count is derived from
// the posting set.
func (s *Store) PutChannel(ch messaging.Channel) (*messaging.Channel, error) {
	c := ch.Clone()
	normalizeChannel(c)
	if err := checkChannel(c); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.channels[c.ID]; !exists {
		s.channelOrder = append(s.channelOrder, c.ID)
	}
	s.channels[c.ID] = c
	s.conversationLocked(c.Ref())
	out := c.Clone()
	s.mu.Unlock()

	s.notify(Change{Kind: ChannelUpdated, Ref: c.Ref(), ChannelID: c.ID})
	return out, nil
}

// MutateChannel is the single write path for existing channels. The member
// count is recomputed before invariants are checked; a failing mutation is
// discarded.
func (s *Store) MutateChannel(id string, fn func(*messaging.Channel) error) (*messaging.Channel, error) {
	s.mu.Lock()
	prev, ok := s.channels[id]
	if !ok {
		s.mu.Unlock()
		return nil, errors.NotFound("channel not found")
	}

	next := prev.Clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return prev.Clone(), err
	}
	next.ID = prev.ID
	next.CreatedBy = prev.CreatedBy
	next.Permissions.CanPost = dedupe(next.Permissions.CanPost)
	next.Permissions.CanInvite = dedupe(next.Permissions.CanInvite)
	next.Permissions.CanManage = dedupe(next.Permissions.CanManage)
	next.MemberCount = len(next.Permissions.CanPost)

	if err := checkChannel(next); err != nil {
		s.mu.Unlock()
		s.logger.Warn("rejected channel mutation", zap.String("channel_id", id), zap.Error(err))
		return prev.Clone(), err
	}

	s.channels[id] = next
	out := next.Clone()
	s.mu.Unlock()

	s.notify(Change{Kind: ChannelUpdated, Ref: out.Ref(), ChannelID: id})
	return out, nil
}

func (s *Store) Channel(id string) (*messaging.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.channels[id]
	if !ok {
		return nil, errors.NotFound("channel not found")
	}
	return c.Clone(), nil
}

func (s *Store) Channels() []*messaging.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*messaging.Channel, 0, len(s.channelOrder))
	for _, id := range s.channelOrder {
		out = append(out, s.channels[id].Clone())
	}
	return out
}

func normalizeChannel(c *messaging.Channel) {
	if c.Type == "" {
		c.Type = messaging.ChannelPublic
	}
	p := &c.Permissions
	if c.CreatedBy != "" {
		for _, set := range []*[]string{&p.CanPost, &p.CanInvite, &p.CanManage} {
			if !slices.Contains(*set, c.CreatedBy) {
				*set = append([]string{c.CreatedBy}, *set...)
			}
		}
	}
	p.CanPost = dedupe(p.CanPost)
	p.CanInvite = dedupe(p.CanInvite)
	p.CanManage = dedupe(p.CanManage)
	c.MemberCount = len(p.CanPost)
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
