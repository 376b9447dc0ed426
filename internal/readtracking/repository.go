package readtracking

import (
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/Alexander-D-Karpov/chatcore/internal/store"
)

type UnreadInfo struct {
	Conversation  messaging.ConversationRef
	UnreadCount   int
	LastMessageID string
}

// Repository derives unread counts from the conversation store on every
// call. Nothing is cached, so counts cannot drift from the messages.
type Repository struct {
	store *store.Store
}

func NewRepository(st *store.Store) *Repository {
	return &Repository{store: st}
}

// UnreadCount counts messages of ref not sent by viewer and without a read
// receipt from viewer.
func (r *Repository) UnreadCount(ref messaging.ConversationRef, viewer string) int {
	n := 0
	r.store.Scan(ref, func(m *messaging.Message) {
		if isUnread(m, viewer) {
			n++
		}
	})
	return n
}

func (r *Repository) Info(ref messaging.ConversationRef, viewer string) UnreadInfo {
	info := UnreadInfo{Conversation: ref}
	r.store.Scan(ref, func(m *messaging.Message) {
		info.LastMessageID = m.ID()
		if isUnread(m, viewer) {
			info.UnreadCount++
		}
	})
	return info
}

// AllUnreadCounts reports every known conversation in key order.
func (r *Repository) AllUnreadCounts(viewer string) []UnreadInfo {
	refs := r.store.Conversations()
	out := make([]UnreadInfo, 0, len(refs))
	for _, ref := range refs {
		out = append(out, r.Info(ref, viewer))
	}
	return out
}

func isUnread(m *messaging.Message, viewer string) bool {
	return m.SenderID != viewer && !m.ReadByUser(viewer)
}
