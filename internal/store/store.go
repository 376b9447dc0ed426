package store

import (
	"slices"
	"sync"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/errors"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/Alexander-D-Karpov/chatcore/internal/infra"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"go.uber.org/zap"
)

type ChangeKind string

const (
	MessageAppended    ChangeKind = "message_appended"
	MessageUpdated     ChangeKind = "message_updated"
	MessageRemoved     ChangeKind = "message_removed"
	MessageReconciled  ChangeKind = "message_reconciled"
	ConversationLoaded ChangeKind = "conversation_loaded"
	ChannelUpdated     ChangeKind = "channel_updated"
)

// Change describes one committed mutation. Listeners receive it after the
// store lock has been released.
type Change struct {
	Kind      ChangeKind
	Ref       messaging.ConversationRef
	MessageID string
	ChannelID string
	Message   *messaging.Message
}

// Patch is the user-editable part of a message.
type Patch struct {
	Content *string
	Files   []messaging.File
}

type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
	locations     map[string]string
	ids           *IDTable
	channels      map[string]*messaging.Channel
	channelOrder  []string
	gen           *infra.SnowflakeGenerator
	now           func() time.Time
	logger        *zap.Logger

	listenersMu sync.RWMutex
	listeners   map[int]func(Change)
	nextID      int
}

type conversation struct {
	ref      messaging.ConversationRef
	order    []string
	messages map[string]*messaging.Message
}

func New(gen *infra.SnowflakeGenerator, now func() time.Time, logger *zap.Logger) *Store {
	if gen == nil {
		gen = infra.NewSnowflakeGenerator(1)
	}
	if now == nil {
		now = time.Now
	}
	return &Store{
		conversations: make(map[string]*conversation),
		locations:     make(map[string]string),
		ids:           NewIDTable(),
		channels:      make(map[string]*messaging.Channel),
		gen:           gen,
		now:           now,
		logger:        logging.OrNop(logger),
		listeners:     make(map[int]func(Change)),
	}
}

// Subscribe registers fn for every committed change and returns a function
// that removes it.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Store) notify(changes ...Change) {
	s.listenersMu.RLock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.RUnlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

// Now returns the store's time source.
func (s *Store) Now() time.Time {
	return s.now()
}

// Append inserts msg at the end of the conversation. A local id is minted
// when the message has none.
func (s *Store) Append(ref messaging.ConversationRef, msg messaging.Message) (*messaging.Message, error) {
	if !ref.Valid() {
		return nil, errors.BadRequest("conversation must name exactly one of channel or peer")
	}

	m := msg.Clone()
	m.Conversation = ref
	if m.Type == "" {
		m.Type = messaging.TypeText
		if len(m.Files) > 0 {
			m.Type = messaging.TypeFile
		}
	}
	if m.Type == messaging.TypeText && m.Content == "" {
		return nil, errors.BadRequest("text message must have content")
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	m.ReadBy = withoutSender(m.ReadBy, m.SenderID)
	if err := checkMessage(m); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if m.LocalID == "" {
		m.LocalID = s.gen.NewLocalID()
	}
	if _, exists := s.locations[m.LocalID]; exists {
		s.mu.Unlock()
		return nil, errors.BadRequest("duplicate message id")
	}
	if m.ServerID != "" {
		if _, exists := s.ids.Local(m.ServerID); exists {
			s.mu.Unlock()
			return nil, errors.BadRequest("duplicate server id")
		}
	}
	if m.ReplyTo != "" {
		if err := s.checkReplyLocked(ref, m.ReplyTo); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}

	conv := s.conversationLocked(ref)
	conv.order = append(conv.order, m.LocalID)
	conv.messages[m.LocalID] = m
	s.locations[m.LocalID] = ref.Key()
	if m.ServerID != "" {
		s.ids.Bind(m.LocalID, m.ServerID)
	}
	out := m.Clone()
	s.mu.Unlock()

	s.logger.Debug("message appended",
		zap.String("conversation", ref.Key()),
		zap.String("local_id", out.LocalID),
		zap.String("type", string(out.Type)),
	)

	s.notify(Change{Kind: MessageAppended, Ref: ref, MessageID: out.LocalID, Message: out.Clone()})
	return out, nil
}

// Load imports a page of server history. Messages whose server id is already
// known are skipped. Reply targets are not checked since history may be partial.
func (s *Store) Load(ref messaging.ConversationRef, msgs []messaging.Message) (int, error) {
	if !ref.Valid() {
		return 0, errors.BadRequest("conversation must name exactly one of channel or peer")
	}

	s.mu.Lock()
	conv := s.conversationLocked(ref)
	added := 0
	for i := range msgs {
		m := msgs[i].Clone()
		if m.ServerID != "" {
			if _, known := s.ids.Local(m.ServerID); known {
				continue
			}
		}
		m.Conversation = ref
		if m.Type == "" {
			m.Type = messaging.TypeText
			if len(m.Files) > 0 {
				m.Type = messaging.TypeFile
			}
		}
		m.Delivery.Sent = true
		if m.Delivery.Read {
			m.Delivery.Delivered = true
		}
		if m.Delivery.LastUpdated.IsZero() {
			m.Delivery.LastUpdated = m.Timestamp
		}
		m.ReadBy = withoutSender(m.ReadBy, m.SenderID)
		if err := checkMessage(m); err != nil {
			s.logger.Warn("skipping invalid message from history",
				zap.String("conversation", ref.Key()),
				zap.String("server_id", m.ServerID),
				zap.Error(err),
			)
			continue
		}
		if m.LocalID == "" || s.locations[m.LocalID] != "" {
			m.LocalID = s.gen.NewLocalID()
		}

		conv.order = append(conv.order, m.LocalID)
		conv.messages[m.LocalID] = m
		s.locations[m.LocalID] = ref.Key()
		if m.ServerID != "" {
			s.ids.Bind(m.LocalID, m.ServerID)
		}
		added++
	}
	s.mu.Unlock()

	if added > 0 {
		s.notify(Change{Kind: ConversationLoaded, Ref: ref})
	}
	return added, nil
}

// Update applies a content/files patch. Missing messages yield NotFound.
func (s *Store) Update(ref messaging.ConversationRef, id string, patch Patch) (*messaging.Message, error) {
	return s.Mutate(ref, id, func(m *messaging.Message) bool {
		changed := false
		if patch.Content != nil && *patch.Content != m.Content {
			m.Content = *patch.Content
			changed = true
		}
		if patch.Files != nil {
			m.Files = slices.Clone(patch.Files)
			changed = true
		}
		if changed {
			m.IsEdited = true
		}
		return changed
	})
}

// Mutate is the single write path for existing messages. fn works on a copy
// and reports whether it changed anything; the copy is committed only when it
// still satisfies every message invariant, otherwise the stored message is
// returned untouched together with an invariant error.
func (s *Store) Mutate(ref messaging.ConversationRef, id string, fn func(*messaging.Message) bool) (*messaging.Message, error) {
	s.mu.Lock()
	conv, localID, ok := s.lookupLocked(ref, id)
	if !ok {
		s.mu.Unlock()
		return nil, errors.NotFound("message not found")
	}

	prev := conv.messages[localID]
	next := prev.Clone()
	if !fn(next) {
		s.mu.Unlock()
		return prev.Clone(), nil
	}

	if err := checkTransition(prev, next); err != nil {
		s.mu.Unlock()
		s.logger.Warn("rejected message mutation",
			zap.String("conversation", ref.Key()),
			zap.String("message_id", id),
			zap.Error(err),
		)
		return prev.Clone(), err
	}

	conv.messages[localID] = next
	out := next.Clone()
	s.mu.Unlock()

	s.notify(Change{Kind: MessageUpdated, Ref: ref, MessageID: localID, Message: out.Clone()})
	return out, nil
}

// Remove hard-deletes a message. It reports whether anything was removed.
func (s *Store) Remove(ref messaging.ConversationRef, id string) bool {
	s.mu.Lock()
	conv, localID, ok := s.lookupLocked(ref, id)
	if !ok {
		s.mu.Unlock()
		return false
	}

	m := conv.messages[localID]
	delete(conv.messages, localID)
	if i := slices.Index(conv.order, localID); i >= 0 {
		conv.order = slices.Delete(conv.order, i, i+1)
	}
	delete(s.locations, localID)
	s.ids.Forget(localID)
	s.mu.Unlock()

	s.notify(Change{Kind: MessageRemoved, Ref: ref, MessageID: localID, Message: m})
	return true
}

// Reconcile binds the server id assigned on acknowledgment to a locally
// created message. The local id stays valid for lookups afterwards.
func (s *Store) Reconcile(localID, serverID string) (*messaging.Message, error) {
	if serverID == "" {
		return nil, errors.BadRequest("empty server id")
	}

	s.mu.Lock()
	key, ok := s.locations[localID]
	if !ok {
		s.mu.Unlock()
		return nil, errors.NotFound("message not found")
	}
	conv := s.conversations[key]
	m := conv.messages[localID]

	if m.ServerID == serverID {
		out := m.Clone()
		s.mu.Unlock()
		return out, nil
	}
	if m.ServerID != "" {
		s.mu.Unlock()
		return nil, errors.BadRequest("message already reconciled with a different server id")
	}
	if owner, taken := s.ids.Local(serverID); taken && owner != localID {
		s.mu.Unlock()
		return nil, errors.BadRequest("server id already bound to another message")
	}

	next := m.Clone()
	next.ServerID = serverID
	conv.messages[localID] = next
	s.ids.Bind(localID, serverID)
	out := next.Clone()
	s.mu.Unlock()

	s.notify(Change{Kind: MessageReconciled, Ref: conv.ref, MessageID: localID, Message: out.Clone()})
	return out, nil
}

func (s *Store) Get(ref messaging.ConversationRef, id string) (*messaging.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, localID, ok := s.lookupLocked(ref, id)
	if !ok {
		return nil, errors.NotFound("message not found")
	}
	return conv.messages[localID].Clone(), nil
}

// Locate finds the conversation a message id (local or server) belongs to.
func (s *Store) Locate(id string) (messaging.ConversationRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	localID := s.resolveLocked(id)
	key, ok := s.locations[localID]
	if !ok {
		return messaging.ConversationRef{}, false
	}
	return s.conversations[key].ref, true
}

// List returns copies of the conversation's messages in insertion order.
func (s *Store) List(ref messaging.ConversationRef) []*messaging.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[ref.Key()]
	if !ok {
		return nil
	}
	out := make([]*messaging.Message, 0, len(conv.order))
	for _, id := range conv.order {
		out = append(out, conv.messages[id].Clone())
	}
	return out
}

// Scan calls fn for each message of the conversation in order without
// copying. fn must not retain or modify the message.
func (s *Store) Scan(ref messaging.ConversationRef, fn func(*messaging.Message)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[ref.Key()]
	if !ok {
		return
	}
	for _, id := range conv.order {
		fn(conv.messages[id])
	}
}

func (s *Store) Conversations() []messaging.ConversationRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]messaging.ConversationRef, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, conv.ref)
	}
	slices.SortFunc(out, func(a, b messaging.ConversationRef) int {
		switch {
		case a.Key() < b.Key():
			return -1
		case a.Key() > b.Key():
			return 1
		}
		return 0
	})
	return out
}

func (s *Store) conversationLocked(ref messaging.ConversationRef) *conversation {
	conv, ok := s.conversations[ref.Key()]
	if !ok {
		conv = &conversation{
			ref:      ref,
			messages: make(map[string]*messaging.Message),
		}
		s.conversations[ref.Key()] = conv
	}
	return conv
}

func (s *Store) resolveLocked(id string) string {
	if _, ok := s.locations[id]; ok {
		return id
	}
	if localID, ok := s.ids.Local(id); ok {
		return localID
	}
	return id
}

func (s *Store) lookupLocked(ref messaging.ConversationRef, id string) (*conversation, string, bool) {
	conv, ok := s.conversations[ref.Key()]
	if !ok {
		return nil, "", false
	}
	localID := s.resolveLocked(id)
	if _, ok := conv.messages[localID]; !ok {
		return nil, "", false
	}
	return conv, localID, true
}

func (s *Store) checkReplyLocked(ref messaging.ConversationRef, replyTo string) error {
	localID := s.resolveLocked(replyTo)
	key, ok := s.locations[localID]
	if !ok {
		return errors.InvalidReply("reply target does not exist")
	}
	if key != ref.Key() {
		return errors.InvalidReply("reply target belongs to another conversation")
	}
	return nil
}

func withoutSender(receipts []messaging.ReadReceipt, senderID string) []messaging.ReadReceipt {
	if len(receipts) == 0 {
		return receipts
	}
	out := receipts[:0:0]
	seen := make(map[string]bool, len(receipts))
	for _, r := range receipts {
		if r.UserID == senderID || seen[r.UserID] {
			continue
		}
		seen[r.UserID] = true
		out = append(out, r)
	}
	return out
}
