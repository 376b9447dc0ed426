package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/Alexander-D-Karpov/chatcore/internal/attachments"
	"github.com/Alexander-D-Karpov/chatcore/internal/authz"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/errors"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/Alexander-D-Karpov/chatcore/internal/delivery"
	"github.com/Alexander-D-Karpov/chatcore/internal/events"
	"github.com/Alexander-D-Karpov/chatcore/internal/membership"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/Alexander-D-Karpov/chatcore/internal/observability"
	"github.com/Alexander-D-Karpov/chatcore/internal/ratelimit"
	"github.com/Alexander-D-Karpov/chatcore/internal/reactions"
	"github.com/Alexander-D-Karpov/chatcore/internal/readtracking"
	"github.com/Alexander-D-Karpov/chatcore/internal/remote"
	"github.com/Alexander-D-Karpov/chatcore/internal/store"
	"github.com/Alexander-D-Karpov/chatcore/internal/threads"
	"github.com/Alexander-D-Karpov/chatcore/internal/typing"
	"go.uber.org/zap"
)

// Invalidator drops cached remote listings for a conversation.
type Invalidator interface {
	Invalidate(ctx context.Context, ref messaging.ConversationRef) error
}

// Deps are the collaborators of the facade. Store and Transport are
// required; the rest may be nil.
type Deps struct {
	Store       *store.Store
	Hub         *events.Hub
	Delivery    *delivery.Service
	Reactions   *reactions.Service
	Threads     *threads.Resolver
	Typing      *typing.Manager
	Membership  *membership.Service
	Unread      *readtracking.Service
	Attachments *attachments.Pipeline
	Transport   remote.Transport
	Limiter     *ratelimit.Limiter
	Cache       Invalidator
	Metrics     *observability.Metrics
	Logger      *zap.Logger
}

// Service is the single entry point the UI calls. Every action is performed
// as the local user.
type Service struct {
	localUserID string

	store       *store.Store
	hub         *events.Hub
	delivery    *delivery.Service
	reactions   *reactions.Service
	threads     *threads.Resolver
	typing      *typing.Manager
	membership  *membership.Service
	unread      *readtracking.Service
	attachments *attachments.Pipeline
	transport   remote.Transport
	limiter     *ratelimit.Limiter
	cache       Invalidator
	metrics     *observability.Metrics
	logger      *zap.Logger

	mu      sync.Mutex
	active  messaging.ConversationRef
	cancel  context.CancelFunc
	detach  func()
	wg      sync.WaitGroup
	started bool
	closed  bool
}

func NewService(localUserID string, deps Deps) *Service {
	s := &Service{
		localUserID: localUserID,
		store:       deps.Store,
		hub:         deps.Hub,
		delivery:    deps.Delivery,
		reactions:   deps.Reactions,
		threads:     deps.Threads,
		typing:      deps.Typing,
		membership:  deps.Membership,
		unread:      deps.Unread,
		attachments: deps.Attachments,
		transport:   deps.Transport,
		limiter:     deps.Limiter,
		cache:       deps.Cache,
		metrics:     deps.Metrics,
		logger:      logging.OrNop(deps.Logger),
	}
	if s.delivery == nil {
		s.delivery = delivery.NewService(s.store, s.metrics, s.logger)
	}
	if s.reactions == nil {
		s.reactions = reactions.NewService(s.store, s.metrics, s.logger)
	}
	if s.threads == nil {
		s.threads = threads.NewResolver(s.store)
	}
	if s.membership == nil {
		s.membership = membership.NewService(s.store, s.logger)
	}
	return s
}

func (s *Service) LocalUserID() string {
	return s.localUserID
}

// Start bridges store changes to the hub, starts unread accounting and
// consumes transport acknowledgments until Close.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	if s.hub != nil {
		s.detach = s.hub.Bridge(s.store)
	}
	if s.unread != nil {
		s.unread.Start()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.delivery.Run(ctx, s.transport.Acks()); err != nil && ctx.Err() == nil {
			s.logger.Warn("ack loop stopped", zap.Error(err))
		}
	}()
}

// Close stops background work and waits for in-flight sends. Sends issued
// after Close fail with Unavailable.
func (s *Service) Close() error {
	s.mu.Lock()
	cancel, detach := s.cancel, s.detach
	s.cancel, s.detach = nil, nil
	s.started = false
	s.closed = true
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if detach != nil {
		detach()
	}
	if s.unread != nil {
		s.unread.Stop()
	}
	if s.typing != nil {
		s.typing.Reset()
	}
	s.wg.Wait()
	return nil
}

// Send appends a text message optimistically with Sent already set and hands
// it to the transport. Validation and permission errors are returned before
// anything is stored.
func (s *Service) Send(ctx context.Context, ref messaging.ConversationRef, content string) (*messaging.Message, error) {
	return s.send(ctx, ref, content, "")
}

// Reply sends a message that references parentID in the same conversation.
func (s *Service) Reply(ctx context.Context, ref messaging.ConversationRef, parentID, content string) (*messaging.Message, error) {
	if parentID == "" {
		return nil, errors.BadRequest("reply_to is required")
	}
	if err := s.threads.ValidateReply(ref, parentID); err != nil {
		return nil, err
	}
	return s.send(ctx, ref, content, parentID)
}

func (s *Service) send(ctx context.Context, ref messaging.ConversationRef, content, replyTo string) (*messaging.Message, error) {
	if !ref.Valid() {
		return nil, errors.BadRequest("invalid conversation")
	}
	if strings.TrimSpace(content) == "" {
		return nil, errors.BadRequest("content is required")
	}
	if err := s.authorizePost(ref); err != nil {
		return nil, err
	}
	if err := s.allow(ctx, ratelimit.KindMessage); err != nil {
		return nil, err
	}
	if err := s.acquire(); err != nil {
		return nil, err
	}

	msg, err := s.store.Append(ref, messaging.Message{
		SenderID: s.localUserID,
		Content:  content,
		Type:     messaging.TypeText,
		ReplyTo:  replyTo,
		Delivery: messaging.DeliveryStatus{Sent: true, LastUpdated: s.store.Now()},
	})
	if err != nil {
		s.wg.Done()
		return nil, err
	}

	s.metrics.MessageSent(kindOf(ref), string(messaging.TypeText))
	s.dispatch(ctx, *msg)
	return msg, nil
}

// acquire registers an in-flight send, refusing once the service is closed.
// The caller owns one wg.Done.
func (s *Service) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Unavailable("chat service is closed", nil)
	}
	s.wg.Add(1)
	return nil
}

// dispatch hands msg to the transport without blocking the caller. A failed
// send leaves the message in the Sent state. The matching acquire must have
// succeeded.
func (s *Service) dispatch(ctx context.Context, msg messaging.Message) {
	ctx = logging.WithConversation(logging.WithLogger(context.WithoutCancel(ctx), s.logger), msg.Conversation.Key())
	go func() {
		defer s.wg.Done()
		logger := logging.FromContext(ctx)
		if err := s.transport.SendMessage(ctx, msg); err != nil {
			logger.Warn("failed to send message",
				zap.String("local_id", msg.LocalID),
				zap.Error(err),
			)
			return
		}
		if s.cache != nil {
			if err := s.cache.Invalidate(ctx, msg.Conversation); err != nil {
				logger.Debug("cache invalidation failed", zap.Error(err))
			}
		}
	}()
}

// Edit replaces the content of one of the local user's messages.
func (s *Service) Edit(ctx context.Context, ref messaging.ConversationRef, messageID, content string) (*messaging.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errors.BadRequest("content is required")
	}
	if err := s.requireOwn(ref, messageID, "can only edit own messages"); err != nil {
		return nil, err
	}
	return s.store.Update(ref, messageID, store.Patch{Content: &content})
}

// Delete removes one of the local user's messages.
func (s *Service) Delete(ctx context.Context, ref messaging.ConversationRef, messageID string) error {
	if err := s.requireOwn(ref, messageID, "can only delete own messages"); err != nil {
		return err
	}
	if !s.store.Remove(ref, messageID) {
		return errors.NotFound("message not found")
	}
	return nil
}

func (s *Service) requireOwn(ref messaging.ConversationRef, messageID, reason string) error {
	msg, err := s.store.Get(ref, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != s.localUserID {
		return errors.Forbidden(reason)
	}
	return nil
}

// React toggles the local user's emoji reaction on a message.
func (s *Service) React(ref messaging.ConversationRef, messageID, emoji string) ([]messaging.Reaction, error) {
	return s.reactions.Toggle(ref, messageID, emoji, s.localUserID)
}

func (s *Service) Reactions(ref messaging.ConversationRef, messageID string) ([]reactions.Count, error) {
	return s.reactions.Summary(ref, messageID, s.localUserID)
}

// ReplyContext resolves the parent shown above a reply.
func (s *Service) ReplyContext(ref messaging.ConversationRef, msg *messaging.Message) (threads.Resolution, bool) {
	if msg == nil || msg.ReplyTo == "" {
		return threads.Resolution{}, false
	}
	return s.threads.Resolve(msg.ReplyTo, ref), true
}

func (s *Service) Thread(ref messaging.ConversationRef, parentID string) []*messaging.Message {
	return s.threads.Replies(ref, parentID)
}

// OpenConversation switches the active conversation. Every message there is
// marked read by the local user and typing state from the previous
// conversation is discarded. It returns the resulting unread count, which is
// always zero.
func (s *Service) OpenConversation(ref messaging.ConversationRef) (int, error) {
	if !ref.Valid() {
		return 0, errors.BadRequest("invalid conversation")
	}

	s.mu.Lock()
	s.active = ref
	s.mu.Unlock()

	if s.typing != nil {
		s.typing.Reset()
	}
	touched := s.delivery.MarkAllRead(ref, s.localUserID)
	s.logger.Debug("conversation opened",
		zap.String("conversation", ref.Key()),
		zap.Int("marked_read", touched),
	)

	if s.unread != nil {
		return s.unread.Refresh(ref), nil
	}
	return 0, nil
}

func (s *Service) Active() messaging.ConversationRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetTyping reports the local user's composer state.
func (s *Service) SetTyping(ref messaging.ConversationRef, active bool) {
	if s.typing == nil {
		return
	}
	if active {
		s.typing.StartTyping(ref, s.localUserID)
		return
	}
	s.typing.StopTyping(ref, s.localUserID)
}

// RemoteTyping applies a typing notification received for another user.
func (s *Service) RemoteTyping(ref messaging.ConversationRef, userID string, active bool) {
	if s.typing == nil || userID == s.localUserID {
		return
	}
	if active {
		s.typing.StartTyping(ref, userID)
		return
	}
	s.typing.StopTyping(ref, userID)
}

func (s *Service) Typers(ref messaging.ConversationRef) []string {
	if s.typing == nil {
		return nil
	}
	return s.typing.ActiveTypers(ref)
}

// Attach uploads files into ref. Files failing validation are reported on the
// batch; the rest upload concurrently and settle into one file message.
func (s *Service) Attach(ctx context.Context, ref messaging.ConversationRef, files ...attachments.Source) (*attachments.Batch, error) {
	if s.attachments == nil {
		return nil, errors.Unavailable("attachments are not configured", nil)
	}
	if !ref.Valid() {
		return nil, errors.BadRequest("invalid conversation")
	}
	if len(files) == 0 {
		return nil, errors.BadRequest("no files")
	}
	if err := s.authorizePost(ref); err != nil {
		return nil, err
	}
	if err := s.allow(ctx, ratelimit.KindUpload); err != nil {
		return nil, err
	}
	return s.attachments.Upload(ctx, ref, s.localUserID, files...), nil
}

func (s *Service) Messages(ref messaging.ConversationRef) []*messaging.Message {
	return s.store.List(ref)
}

func (s *Service) Channels() []*messaging.Channel {
	return s.store.Channels()
}

func (s *Service) Unread(ref messaging.ConversationRef) int {
	if s.unread == nil {
		return 0
	}
	return s.unread.UnreadCount(ref, s.localUserID)
}

func (s *Service) AllUnread() ([]readtracking.UnreadInfo, int) {
	if s.unread == nil {
		return nil, 0
	}
	return s.unread.AllUnreadCounts(s.localUserID)
}

func (s *Service) CreateChannel(ctx context.Context, in membership.CreateChannelInput) (*messaging.Channel, error) {
	return s.membership.CreateChannel(ctx, in, s.localUserID)
}

func (s *Service) UpdateSettings(ctx context.Context, channelID string, patch membership.SettingsPatch) (*messaging.Channel, error) {
	return s.membership.UpdateSettings(ctx, channelID, patch, s.localUserID)
}

func (s *Service) AddMember(ctx context.Context, channelID, userID string) (*messaging.Channel, error) {
	return s.membership.AddMember(ctx, channelID, userID, s.localUserID)
}

func (s *Service) RemoveMember(ctx context.Context, channelID, userID string) (*messaging.Channel, error) {
	return s.membership.RemoveMember(ctx, channelID, userID, s.localUserID)
}

func (s *Service) authorizePost(ref messaging.ConversationRef) error {
	if !ref.IsChannel() {
		return nil
	}
	ch, err := s.store.Channel(ref.ChannelID)
	if err != nil {
		return err
	}
	return authz.Authorize(s.localUserID, authz.ActionPost, ch)
}

func (s *Service) allow(ctx context.Context, kind string) error {
	ok, err := s.limiter.Allow(ctx, ratelimit.Key(kind, s.localUserID))
	if err != nil {
		return errors.Internal("rate limit check failed", err)
	}
	if !ok {
		return errors.RateLimited("too many requests")
	}
	return nil
}

func kindOf(ref messaging.ConversationRef) string {
	if ref.IsDirect() {
		return "dm"
	}
	return "channel"
}
