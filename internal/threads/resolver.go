package threads

import (
	"github.com/Alexander-D-Karpov/chatcore/internal/common/errors"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/Alexander-D-Karpov/chatcore/internal/store"
)

// Tombstone stands in for a reply target that no longer exists.
type Tombstone struct {
	MessageID string
}

// Resolution holds exactly one of Message or Tombstone.
type Resolution struct {
	Message   *messaging.Message
	Tombstone *Tombstone
}

func (r Resolution) Deleted() bool {
	return r.Tombstone != nil
}

type Resolver struct {
	store *store.Store
}

func NewResolver(st *store.Store) *Resolver {
	return &Resolver{store: st}
}

// Resolve looks up the parent of a reply. Deleted or unknown parents resolve
// to a tombstone; Resolve never fails.
func (r *Resolver) Resolve(replyToID string, ref messaging.ConversationRef) Resolution {
	if replyToID != "" {
		if msg, err := r.store.Get(ref, replyToID); err == nil {
			return Resolution{Message: msg}
		}
	}
	return Resolution{Tombstone: &Tombstone{MessageID: replyToID}}
}

// ValidateReply rejects reply targets that are missing or live in another
// conversation.
func (r *Resolver) ValidateReply(ref messaging.ConversationRef, replyToID string) error {
	if replyToID == "" {
		return errors.InvalidReply("reply target is empty")
	}
	owner, ok := r.store.Locate(replyToID)
	if !ok {
		return errors.InvalidReply("reply target does not exist")
	}
	if owner != ref {
		return errors.InvalidReply("reply target belongs to another conversation")
	}
	return nil
}

// Replies lists the messages of ref that reply to parentID, in conversation
// order. Either id of the parent matches.
func (r *Resolver) Replies(ref messaging.ConversationRef, parentID string) []*messaging.Message {
	parent, err := r.store.Get(ref, parentID)
	if err != nil {
		return nil
	}

	var out []*messaging.Message
	r.store.Scan(ref, func(m *messaging.Message) {
		if m.ReplyTo != "" && parent.HasID(m.ReplyTo) {
			out = append(out, m.Clone())
		}
	})
	return out
}
