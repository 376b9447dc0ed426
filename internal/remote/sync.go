package remote

import (
	"context"
	"fmt"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/Alexander-D-Karpov/chatcore/internal/store"
	"go.uber.org/zap"
)

// Syncer imports remote state into the local store.
type Syncer struct {
	svc    Service
	store  *store.Store
	logger *zap.Logger
}

func NewSyncer(svc Service, st *store.Store, logger *zap.Logger) *Syncer {
	return &Syncer{svc: svc, store: st, logger: logging.OrNop(logger)}
}

// Channels fetches the channel list and stores each channel. Channels that
// fail validation are skipped.
func (s *Syncer) Channels(ctx context.Context) ([]*messaging.Channel, error) {
	channels, err := s.svc.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}

	out := make([]*messaging.Channel, 0, len(channels))
	for _, ch := range channels {
		stored, err := s.store.PutChannel(ch)
		if err != nil {
			s.logger.Warn("skipping invalid channel", zap.String("channel_id", ch.ID), zap.Error(err))
			continue
		}
		out = append(out, stored)
	}
	return out, nil
}

// Conversation loads the history of one conversation and returns the number
// of new messages.
func (s *Syncer) Conversation(ctx context.Context, ref messaging.ConversationRef) (int, error) {
	var (
		msgs []messaging.Message
		err  error
	)
	if ref.IsDirect() {
		msgs, err = s.svc.ListDirectMessages(ctx, ref.PeerID)
	} else {
		msgs, err = s.svc.ListChannelMessages(ctx, ref.ChannelID)
	}
	if err != nil {
		return 0, fmt.Errorf("list messages for %s: %w", ref.Key(), err)
	}
	return s.store.Load(ref, msgs)
}

type Snapshot struct {
	Channels []*messaging.Channel
	Users    []messaging.ChatUser
	Messages int
	Failed   []messaging.ConversationRef
}

// All loads channels, each channel's history, the given direct peers and the
// tenant's users. A conversation that fails to load is recorded and skipped.
func (s *Syncer) All(ctx context.Context, tenantID string, peers ...string) (*Snapshot, error) {
	channels, err := s.Channels(ctx)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Channels: channels}

	refs := make([]messaging.ConversationRef, 0, len(channels)+len(peers))
	for _, ch := range channels {
		refs = append(refs, ch.Ref())
	}
	for _, peer := range peers {
		refs = append(refs, messaging.DirectRef(peer))
	}

	for _, ref := range refs {
		n, err := s.Conversation(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("failed to load conversation", zap.String("conversation", ref.Key()), zap.Error(err))
			snap.Failed = append(snap.Failed, ref)
			continue
		}
		snap.Messages += n
	}

	if tenantID != "" {
		users, err := s.svc.ListTenantUsers(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("list tenant users: %w", err)
		}
		snap.Users = users
	}

	s.logger.Info("snapshot loaded",
		zap.Int("channels", len(snap.Channels)),
		zap.Int("messages", snap.Messages),
		zap.Int("users", len(snap.Users)),
		zap.Int("failed", len(snap.Failed)),
	)
	return snap, nil
}
