package authz

import (
	"testing"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/errors"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/stretchr/testify/assert"
)

func channel() *messaging.Channel {
	return &messaging.Channel{
		ID:        "general",
		CreatedBy: "owner",
		Permissions: messaging.Permissions{
			CanPost:   []string{"owner", "mod", "member", "inviter"},
			CanInvite: []string{"owner", "inviter"},
			CanManage: []string{"owner", "mod"},
		},
	}
}

func TestAuthorize(t *testing.T) {
	ch := channel()

	tests := []struct {
		actor   string
		action  Action
		allowed bool
	}{
		{"owner", ActionUpdateSettings, true},
		{"mod", ActionRemoveMember, true},
		{"member", ActionUpdateSettings, false},
		{"member", ActionAddMember, false},
		{"member", ActionPost, true},
		{"inviter", ActionInvite, true},
		{"mod", ActionInvite, false},
		{"stranger", ActionPost, false},
		{"", ActionPost, false},
		{"owner", Action("channel:delete"), false},
	}

	for _, tt := range tests {
		t.Run(tt.actor+"/"+string(tt.action), func(t *testing.T) {
			err := Authorize(tt.actor, tt.action, ch)
			if tt.allowed {
				assert.NoError(t, err)
				assert.True(t, Can(tt.actor, tt.action, ch))
				return
			}
			assert.True(t, errors.IsForbidden(err))
			assert.False(t, Can(tt.actor, tt.action, ch))
		})
	}
}

func TestAuthorizeNilChannel(t *testing.T) {
	assert.True(t, errors.IsNotFound(Authorize("owner", ActionPost, nil)))
}

func TestCapabilities(t *testing.T) {
	ch := channel()

	assert.Equal(t, []Capability{CapabilityPost, CapabilityInvite, CapabilityManage}, Capabilities("owner", ch))
	assert.Equal(t, []Capability{CapabilityPost, CapabilityManage}, Capabilities("mod", ch))
	assert.Empty(t, Capabilities("stranger", ch))

	c, ok := Required(ActionGrantManager)
	assert.True(t, ok)
	assert.Equal(t, CapabilityManage, c)
}
