package typing

import (
	"slices"
	"strings"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/clock"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
)

const DefaultTimeout = 2 * time.Second

// Indicator is the ephemeral "user is typing" state of one conversation
// member.
type Indicator struct {
	Conversation messaging.ConversationRef
	UserID       string
	StartedAt    time.Time
	ExpiresAt    time.Time
}

type entry struct {
	Indicator
	gen   uint64
	timer clock.Timer
}

// Repository indexes indicators by conversation and user. It is not safe for
// concurrent use; the Manager guards it.
type Repository struct {
	entries map[string]map[string]*entry
}

func NewRepository() *Repository {
	return &Repository{entries: make(map[string]map[string]*entry)}
}

func (r *Repository) get(ref messaging.ConversationRef, userID string) (*entry, bool) {
	users, ok := r.entries[ref.Key()]
	if !ok {
		return nil, false
	}
	e, ok := users[userID]
	return e, ok
}

func (r *Repository) put(e *entry) {
	key := e.Conversation.Key()
	users, ok := r.entries[key]
	if !ok {
		users = make(map[string]*entry)
		r.entries[key] = users
	}
	users[e.UserID] = e
}

func (r *Repository) delete(ref messaging.ConversationRef, userID string) *entry {
	key := ref.Key()
	users, ok := r.entries[key]
	if !ok {
		return nil
	}
	e, ok := users[userID]
	if !ok {
		return nil
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(r.entries, key)
	}
	return e
}

func (r *Repository) list(ref messaging.ConversationRef) []Indicator {
	users := r.entries[ref.Key()]
	out := make([]Indicator, 0, len(users))
	for _, e := range users {
		out = append(out, e.Indicator)
	}
	slices.SortFunc(out, func(a, b Indicator) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

func (r *Repository) drain() []*entry {
	var out []*entry
	for _, users := range r.entries {
		for _, e := range users {
			out = append(out, e)
		}
	}
	r.entries = make(map[string]map[string]*entry)
	return out
}

func (r *Repository) count() int {
	n := 0
	for _, users := range r.entries {
		n += len(users)
	}
	return n
}
