package authz

import (
	"slices"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/errors"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
)

type Capability string

const (
	CapabilityPost   Capability = "post"
	CapabilityInvite Capability = "invite"
	CapabilityManage Capability = "manage"
)

type Action string

const (
	ActionPost           Action = "channel:post"
	ActionInvite         Action = "channel:invite"
	ActionUpdateSettings Action = "channel:update_settings"
	ActionAddMember      Action = "member:add"
	ActionRemoveMember   Action = "member:remove"
	ActionGrantManager   Action = "member:grant_manager"
	ActionRevokeManager  Action = "member:revoke_manager"
	ActionGrantInvite    Action = "member:grant_invite"
)

// requirements maps every channel action to the capability set an actor
// must belong to.
var requirements = map[Action]Capability{
	ActionPost:           CapabilityPost,
	ActionInvite:         CapabilityInvite,
	ActionUpdateSettings: CapabilityManage,
	ActionAddMember:      CapabilityManage,
	ActionRemoveMember:   CapabilityManage,
	ActionGrantManager:   CapabilityManage,
	ActionRevokeManager:  CapabilityManage,
	ActionGrantInvite:    CapabilityManage,
}

func Required(action Action) (Capability, bool) {
	c, ok := requirements[action]
	return c, ok
}

// Capabilities lists what userID may do in ch.
func Capabilities(userID string, ch *messaging.Channel) []Capability {
	var out []Capability
	for _, c := range []Capability{CapabilityPost, CapabilityInvite, CapabilityManage} {
		if holds(userID, c, ch) {
			out = append(out, c)
		}
	}
	return out
}

func Can(actorID string, action Action, ch *messaging.Channel) bool {
	return Authorize(actorID, action, ch) == nil
}

// Authorize is the single permission check for channel actions. Unknown
// actions and anonymous actors are denied.
func Authorize(actorID string, action Action, ch *messaging.Channel) error {
	if ch == nil {
		return errors.NotFound("channel not found")
	}
	required, ok := requirements[action]
	if !ok {
		return errors.Forbidden("unknown action")
	}
	if actorID == "" || !holds(actorID, required, ch) {
		return errors.Forbidden("not allowed to " + string(action) + " in this channel")
	}
	return nil
}

func holds(userID string, c Capability, ch *messaging.Channel) bool {
	switch c {
	case CapabilityPost:
		return slices.Contains(ch.Permissions.CanPost, userID)
	case CapabilityInvite:
		return slices.Contains(ch.Permissions.CanInvite, userID)
	case CapabilityManage:
		return slices.Contains(ch.Permissions.CanManage, userID)
	}
	return false
}
