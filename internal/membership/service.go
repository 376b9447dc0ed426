package membership

import (
	"context"
	"slices"
	"strings"

	"github.com/Alexander-D-Karpov/chatcore/internal/audit"
	"github.com/Alexander-D-Karpov/chatcore/internal/authz"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/errors"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/Alexander-D-Karpov/chatcore/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CreateChannelInput struct {
	Name        string                `validate:"required,min=1,max=80"`
	Type        messaging.ChannelType `validate:"omitempty,oneof=public private"`
	Description string                `validate:"max=500"`
}

// SettingsPatch changes channel settings; nil fields are left alone.
type SettingsPatch struct {
	Name        *string                `validate:"omitempty,min=1,max=80"`
	Type        *messaging.ChannelType `validate:"omitempty,oneof=public private"`
	Description *string                `validate:"omitempty,max=500"`
}

type Service struct {
	store  *store.Store
	audit  *audit.Logger
	logger *zap.Logger
}

type Option func(*Service)

// WithAudit records every accepted channel change.
func WithAudit(al *audit.Logger) Option {
	return func(s *Service) { s.audit = al }
}

func NewService(st *store.Store, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{store: st, logger: logging.OrNop(logger)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateChannel creates a channel owned by creatorID, who is seeded into
// every permission set.
func (s *Service) CreateChannel(ctx context.Context, in CreateChannelInput, creatorID string) (*messaging.Channel, error) {
	if creatorID == "" {
		return nil, errors.BadRequest("creator is required")
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if in.Type == "" {
		in.Type = messaging.ChannelPublic
	}

	ch, err := s.store.PutChannel(messaging.Channel{
		ID:          uuid.New().String(),
		Name:        in.Name,
		Type:        in.Type,
		Description: in.Description,
		CreatedBy:   creatorID,
		Permissions: messaging.Permissions{
			CanPost:   []string{creatorID},
			CanInvite: []string{creatorID},
			CanManage: []string{creatorID},
		},
	})
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info("channel created",
		zap.String("channel_id", ch.ID),
		zap.String("name", ch.Name),
		zap.String("created_by", creatorID),
	)
	_ = s.audit.Log(ctx, audit.Event{
		ActorID:   creatorID,
		Action:    "channel:create",
		ChannelID: ch.ID,
		Metadata:  map[string]any{"name": ch.Name, "type": string(ch.Type)},
	})
	return ch, nil
}

func (s *Service) UpdateSettings(ctx context.Context, channelID string, patch SettingsPatch, actorID string) (*messaging.Channel, error) {
	if patch.Name != nil {
		trimmed := strings.TrimSpace(*patch.Name)
		if trimmed == "" {
			return nil, errors.Validation("Name is required")
		}
		patch.Name = &trimmed
	}
	if err := validateStruct(patch); err != nil {
		return nil, err
	}

	return s.mutate(ctx, channelID, actorID, "", authz.ActionUpdateSettings, func(c *messaging.Channel) error {
		if patch.Name != nil {
			c.Name = *patch.Name
		}
		if patch.Type != nil {
			c.Type = *patch.Type
		}
		if patch.Description != nil {
			c.Description = *patch.Description
		}
		return nil
	})
}

// AddMember grants posting rights to userID.
func (s *Service) AddMember(ctx context.Context, channelID, userID, actorID string) (*messaging.Channel, error) {
	if userID == "" {
		return nil, errors.BadRequest("user is required")
	}
	return s.mutate(ctx, channelID, actorID, userID, authz.ActionAddMember, func(c *messaging.Channel) error {
		c.Permissions.CanPost = appendUnique(c.Permissions.CanPost, userID)
		return nil
	})
}

// Invite lets holders of the invite capability add a member.
func (s *Service) Invite(ctx context.Context, channelID, userID, actorID string) (*messaging.Channel, error) {
	if userID == "" {
		return nil, errors.BadRequest("user is required")
	}
	return s.mutate(ctx, channelID, actorID, userID, authz.ActionInvite, func(c *messaging.Channel) error {
		c.Permissions.CanPost = appendUnique(c.Permissions.CanPost, userID)
		return nil
	})
}

// RemoveMember strips every capability from userID. The owner cannot be
// removed.
func (s *Service) RemoveMember(ctx context.Context, channelID, userID, actorID string) (*messaging.Channel, error) {
	return s.mutate(ctx, channelID, actorID, userID, authz.ActionRemoveMember, func(c *messaging.Channel) error {
		if userID == c.CreatedBy {
			return errors.Forbidden("channel owner cannot be removed")
		}
		if !slices.Contains(c.Permissions.CanPost, userID) {
			return errors.NotFound("user is not a member of this channel")
		}
		c.Permissions.CanPost = without(c.Permissions.CanPost, userID)
		c.Permissions.CanInvite = without(c.Permissions.CanInvite, userID)
		c.Permissions.CanManage = without(c.Permissions.CanManage, userID)
		return nil
	})
}

func (s *Service) GrantManager(ctx context.Context, channelID, userID, actorID string) (*messaging.Channel, error) {
	return s.mutate(ctx, channelID, actorID, userID, authz.ActionGrantManager, func(c *messaging.Channel) error {
		if !slices.Contains(c.Permissions.CanPost, userID) {
			return errors.BadRequest("only members can become managers")
		}
		c.Permissions.CanManage = appendUnique(c.Permissions.CanManage, userID)
		return nil
	})
}

// RevokeManager demotes a manager. Any manager may demote any other manager,
// themselves included; the owner always stays a manager.
func (s *Service) RevokeManager(ctx context.Context, channelID, userID, actorID string) (*messaging.Channel, error) {
	return s.mutate(ctx, channelID, actorID, userID, authz.ActionRevokeManager, func(c *messaging.Channel) error {
		if userID == c.CreatedBy {
			return errors.Forbidden("channel owner cannot be demoted")
		}
		if !slices.Contains(c.Permissions.CanManage, userID) {
			return errors.NotFound("user is not a manager of this channel")
		}
		c.Permissions.CanManage = without(c.Permissions.CanManage, userID)
		return nil
	})
}

func (s *Service) GrantInvite(ctx context.Context, channelID, userID, actorID string) (*messaging.Channel, error) {
	return s.mutate(ctx, channelID, actorID, userID, authz.ActionGrantInvite, func(c *messaging.Channel) error {
		if !slices.Contains(c.Permissions.CanPost, userID) {
			return errors.BadRequest("only members can invite")
		}
		c.Permissions.CanInvite = appendUnique(c.Permissions.CanInvite, userID)
		return nil
	})
}

func (s *Service) Members(channelID string) ([]string, error) {
	ch, err := s.store.Channel(channelID)
	if err != nil {
		return nil, err
	}
	return ch.Permissions.CanPost, nil
}

// mutate authorizes actorID against the channel state it is about to change,
// inside the store's channel write path.
func (s *Service) mutate(ctx context.Context, channelID, actorID, targetID string, action authz.Action, fn func(*messaging.Channel) error) (*messaging.Channel, error) {
	ch, err := s.store.MutateChannel(channelID, func(c *messaging.Channel) error {
		if err := authz.Authorize(actorID, action, c); err != nil {
			return err
		}
		return fn(c)
	})
	if err != nil {
		logging.FromContext(ctx).Debug("channel action rejected",
			zap.String("channel_id", channelID),
			zap.String("actor_id", actorID),
			zap.String("action", string(action)),
			zap.Error(err),
		)
		return nil, err
	}

	s.logger.Info("channel updated",
		zap.String("channel_id", channelID),
		zap.String("actor_id", actorID),
		zap.String("action", string(action)),
		zap.Int("member_count", ch.MemberCount),
	)
	_ = s.audit.Log(ctx, audit.Event{
		ActorID:   actorID,
		Action:    string(action),
		ChannelID: channelID,
		TargetID:  targetID,
	})
	return ch, nil
}

func appendUnique(ids []string, id string) []string {
	if slices.Contains(ids, id) {
		return ids
	}
	return append(ids, id)
}

func without(ids []string, id string) []string {
	return slices.DeleteFunc(ids, func(x string) bool { return x == id })
}
