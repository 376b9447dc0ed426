package events

import (
	"github.com/Alexander-D-Karpov/chatcore/internal/store"
)

var changeTypes = map[store.ChangeKind]EventType{
	store.MessageAppended:    MessageAppended,
	store.MessageUpdated:     MessageUpdated,
	store.MessageReconciled:  MessageUpdated,
	store.MessageRemoved:     MessageRemoved,
	store.ConversationLoaded: ConversationLoaded,
	store.ChannelUpdated:     ChannelUpdated,
}

// Bridge republishes every committed store change on the hub. The returned
// function detaches the bridge.
func (h *Hub) Bridge(st *store.Store) func() {
	return st.Subscribe(func(c store.Change) {
		typ, ok := changeTypes[c.Kind]
		if !ok {
			return
		}
		event := Event{
			Type:         typ,
			Conversation: c.Ref,
			MessageID:    c.MessageID,
			Message:      c.Message,
		}
		if c.Kind == store.ChannelUpdated {
			if ch, err := st.Channel(c.ChannelID); err == nil {
				event.Channel = ch
			}
		}
		h.Publish(event)
	})
}
