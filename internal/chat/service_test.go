package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/attachments"
	"github.com/Alexander-D-Karpov/chatcore/internal/clock"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/config"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/errors"
	"github.com/Alexander-D-Karpov/chatcore/internal/events"
	"github.com/Alexander-D-Karpov/chatcore/internal/infra"
	"github.com/Alexander-D-Karpov/chatcore/internal/membership"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/Alexander-D-Karpov/chatcore/internal/observability"
	"github.com/Alexander-D-Karpov/chatcore/internal/ratelimit"
	"github.com/Alexander-D-Karpov/chatcore/internal/readtracking"
	"github.com/Alexander-D-Karpov/chatcore/internal/remote"
	"github.com/Alexander-D-Karpov/chatcore/internal/storage"
	"github.com/Alexander-D-Karpov/chatcore/internal/store"
	"github.com/Alexander-D-Karpov/chatcore/internal/typing"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc/codes"
)

var (
	general = messaging.ChannelRef("general")
	dmBob   = messaging.DirectRef("bob")
	start   = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
)

const waitFor = 2 * time.Second

type fixture struct {
	svc       *Service
	store     *store.Store
	clock     *clock.Fake
	transport *remote.Loopback
	hub       *events.Hub
	metrics   *observability.Metrics
}

type recordingCache struct {
	mu   sync.Mutex
	refs []messaging.ConversationRef
}

func (r *recordingCache) Invalidate(_ context.Context, ref messaging.ConversationRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = append(r.refs, ref)
	return nil
}

func (r *recordingCache) Refs() []messaging.ConversationRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]messaging.ConversationRef(nil), r.refs...)
}

func setup(t *testing.T, customize ...func(*Deps)) *fixture {
	t.Helper()

	fake := clock.NewFake(start)
	st := store.New(infra.NewSnowflakeGenerator(1), fake.Now, nil)
	hub := events.NewHub(nil)
	metrics := observability.NewMetrics(nil)
	loop := remote.NewLoopback(fake, remote.LoopbackConfig{
		SentDelay:      10 * time.Millisecond,
		DeliveredDelay: 20 * time.Millisecond,
		ReadDelay:      30 * time.Millisecond,
		Reader:         "bob",
	}, nil)

	_, err := st.PutChannel(messaging.Channel{
		ID:        "general",
		Name:      "general",
		Type:      messaging.ChannelPublic,
		CreatedBy: "me",
	})
	require.NoError(t, err)

	deps := Deps{
		Store:     st,
		Hub:       hub,
		Typing:    typing.NewManager(fake, "me", typing.WithHub(hub), typing.WithTransport(loop, time.Second)),
		Unread:    readtracking.NewService(st, "me", hub, metrics, nil),
		Transport: loop,
		Metrics:   metrics,
	}
	for _, fn := range customize {
		fn(&deps)
	}

	svc := NewService("me", deps)
	svc.Start(context.Background())
	t.Cleanup(func() {
		_ = svc.Close()
		_ = loop.Close()
	})

	return &fixture{svc: svc, store: st, clock: fake, transport: loop, hub: hub, metrics: metrics}
}

func (f *fixture) stored(t *testing.T, ref messaging.ConversationRef, id string) *messaging.Message {
	t.Helper()
	m, err := f.store.Get(ref, id)
	require.NoError(t, err)
	return m
}

func TestSendIsOptimisticThenAdvances(t *testing.T) {
	f := setup(t)

	msg, err := f.svc.Send(context.Background(), general, "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.LocalID)
	assert.Empty(t, msg.ServerID)
	assert.True(t, msg.Delivery.Sent)
	assert.False(t, msg.Delivery.Delivered)
	assert.Equal(t, "me", msg.SenderID)

	require.Eventually(t, func() bool { return len(f.transport.Sent()) == 1 }, waitFor, time.Millisecond)

	f.clock.Advance(10 * time.Millisecond)
	require.Eventually(t, func() bool {
		return f.stored(t, general, msg.LocalID).ServerID != ""
	}, waitFor, time.Millisecond)

	f.clock.Advance(10 * time.Millisecond)
	require.Eventually(t, func() bool {
		return f.stored(t, general, msg.LocalID).Delivery.Delivered
	}, waitFor, time.Millisecond)

	f.clock.Advance(10 * time.Millisecond)
	require.Eventually(t, func() bool {
		return f.stored(t, general, msg.LocalID).Delivery.Read
	}, waitFor, time.Millisecond)

	final := f.stored(t, general, msg.LocalID)
	assert.True(t, final.ReadByUser("bob"))
	assert.True(t, final.Delivery.Consistent())

	byServer, err := f.store.Get(general, final.ServerID)
	require.NoError(t, err)
	assert.Equal(t, msg.LocalID, byServer.LocalID)
}

func TestSendRejectsInvalidInput(t *testing.T) {
	f := setup(t)

	tests := []struct {
		name    string
		ref     messaging.ConversationRef
		content string
	}{
		{name: "empty content", ref: general, content: "   "},
		{name: "invalid conversation", ref: messaging.ConversationRef{}, content: "hi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Send(context.Background(), tt.ref, tt.content)
			require.Error(t, err)
		})
	}
	assert.Empty(t, f.svc.Messages(general))
}

func TestSendWithoutPostPermissionIsForbidden(t *testing.T) {
	f := setup(t)
	_, err := f.store.PutChannel(messaging.Channel{ID: "announcements", Name: "announcements", CreatedBy: "owner"})
	require.NoError(t, err)

	ref := messaging.ChannelRef("announcements")
	_, err = f.svc.Send(context.Background(), ref, "hi")
	assert.True(t, errors.IsForbidden(err))
	assert.Empty(t, f.svc.Messages(ref))
}

func TestSendToUnknownChannel(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Send(context.Background(), messaging.ChannelRef("nope"), "hi")
	assert.True(t, errors.IsNotFound(err))
}

func TestDirectMessagesNeedNoChannel(t *testing.T) {
	f := setup(t)

	msg, err := f.svc.Send(context.Background(), dmBob, "psst")
	require.NoError(t, err)
	assert.True(t, msg.IsDM())

	expected := `
# HELP chatcore_messages_sent_total Messages sent optimistically, by conversation kind and type
# TYPE chatcore_messages_sent_total counter
chatcore_messages_sent_total{kind="dm",type="text"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "chatcore_messages_sent_total"))
}

func TestSendIsRateLimited(t *testing.T) {
	limiter := ratelimit.NewLimiter(nil, config.RateLimitConfig{Enabled: true, MessagesPerMinute: 1, Burst: 1})
	defer limiter.Close()
	f := setup(t, func(d *Deps) { d.Limiter = limiter })

	_, err := f.svc.Send(context.Background(), general, "one")
	require.NoError(t, err)

	_, err = f.svc.Send(context.Background(), general, "two")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRateLimited)
	assert.Len(t, f.svc.Messages(general), 1)
}

func TestFailedTransportKeepsMessageSent(t *testing.T) {
	f := setup(t)
	f.transport.FailWith(errors.Unavailable("offline", nil))

	msg, err := f.svc.Send(context.Background(), general, "hello")
	require.NoError(t, err)

	require.NoError(t, f.svc.Close())
	stored := f.stored(t, general, msg.LocalID)
	assert.True(t, stored.Delivery.Sent)
	assert.False(t, stored.Delivery.Delivered)
	assert.Empty(t, stored.ServerID)
}

func TestFailedSendIsLoggedWithConversation(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := setup(t, func(d *Deps) { d.Logger = zap.New(core) })
	f.transport.FailWith(errors.Unavailable("offline", nil))

	_, err := f.svc.Send(context.Background(), general, "hello")
	require.NoError(t, err)
	require.NoError(t, f.svc.Close())

	entries := logs.FilterMessage("failed to send message").All()
	require.Len(t, entries, 1)
	assert.Equal(t, general.Key(), entries[0].ContextMap()["conversation"])
}

func TestSendAfterCloseIsUnavailable(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.svc.Close())

	_, err := f.svc.Send(context.Background(), general, "too late")
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, codes.Unavailable, appErr.Code)
	assert.Empty(t, f.svc.Messages(general))
}

func TestSendRacingClose(t *testing.T) {
	f := setup(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Send(context.Background(), general, "hi")
			if err != nil {
				var appErr *errors.AppError
				if assert.ErrorAs(t, err, &appErr) {
					assert.Equal(t, codes.Unavailable, appErr.Code)
				}
			}
		}()
	}
	require.NoError(t, f.svc.Close())
	wg.Wait()
}

func TestSuccessfulSendInvalidatesCache(t *testing.T) {
	cache := &recordingCache{}
	f := setup(t, func(d *Deps) { d.Cache = cache })

	_, err := f.svc.Send(context.Background(), general, "hello")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(cache.Refs()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, general, cache.Refs()[0])
}

func TestReply(t *testing.T) {
	f := setup(t)

	parent, err := f.svc.Send(context.Background(), general, "question")
	require.NoError(t, err)

	reply, err := f.svc.Reply(context.Background(), general, parent.LocalID, "answer")
	require.NoError(t, err)
	assert.Equal(t, parent.LocalID, reply.ReplyTo)

	res, ok := f.svc.ReplyContext(general, reply)
	require.True(t, ok)
	assert.False(t, res.Deleted())

	thread := f.svc.Thread(general, parent.LocalID)
	require.Len(t, thread, 1)
	assert.Equal(t, reply.LocalID, thread[0].LocalID)

	_, err = f.svc.Reply(context.Background(), dmBob, parent.LocalID, "wrong place")
	assert.ErrorIs(t, err, errors.ErrInvalidReply)

	require.NoError(t, f.svc.Delete(context.Background(), general, parent.LocalID))
	res, ok = f.svc.ReplyContext(general, reply)
	require.True(t, ok)
	assert.True(t, res.Deleted())
}

func TestEditAndDeleteOwnMessagesOnly(t *testing.T) {
	f := setup(t)

	theirs, err := f.store.Append(general, messaging.Message{
		SenderID: "alice",
		Content:  "from alice",
		Delivery: messaging.DeliveryStatus{Sent: true},
	})
	require.NoError(t, err)

	_, err = f.svc.Edit(context.Background(), general, theirs.LocalID, "hijacked")
	assert.True(t, errors.IsForbidden(err))
	assert.True(t, errors.IsForbidden(f.svc.Delete(context.Background(), general, theirs.LocalID)))
	assert.Equal(t, "from alice", f.stored(t, general, theirs.LocalID).Content)

	mine, err := f.svc.Send(context.Background(), general, "typo")
	require.NoError(t, err)

	edited, err := f.svc.Edit(context.Background(), general, mine.LocalID, "fixed")
	require.NoError(t, err)
	assert.Equal(t, "fixed", edited.Content)
	assert.True(t, edited.IsEdited)

	require.NoError(t, f.svc.Delete(context.Background(), general, mine.LocalID))
	assert.True(t, errors.IsNotFound(f.svc.Delete(context.Background(), general, mine.LocalID)))
}

func TestReactToggles(t *testing.T) {
	f := setup(t)

	msg, err := f.svc.Send(context.Background(), general, "ship it")
	require.NoError(t, err)

	got, err := f.svc.React(general, msg.LocalID, "👍")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"me"}, got[0].Users)

	counts, err := f.svc.Reactions(general, msg.LocalID)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.True(t, counts[0].ReactedByMe)

	got, err = f.svc.React(general, msg.LocalID, "👍")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOpenConversationClearsUnreadAndTyping(t *testing.T) {
	f := setup(t)

	for _, content := range []string{"one", "two"} {
		_, err := f.store.Append(general, messaging.Message{
			SenderID: "alice",
			Content:  content,
			Delivery: messaging.DeliveryStatus{Sent: true, Delivered: true},
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, f.svc.Unread(general))

	f.svc.RemoteTyping(general, "alice", true)
	assert.Equal(t, []string{"alice"}, f.svc.Typers(general))

	unread, err := f.svc.OpenConversation(general)
	require.NoError(t, err)
	assert.Equal(t, 0, unread)
	assert.Equal(t, 0, f.svc.Unread(general))
	assert.Equal(t, general, f.svc.Active())
	assert.Empty(t, f.svc.Typers(general))

	for _, m := range f.svc.Messages(general) {
		assert.True(t, m.Delivery.Read)
		assert.True(t, m.ReadByUser("me"))
	}

	infos, total := f.svc.AllUnread()
	assert.Equal(t, 0, total)
	assert.NotEmpty(t, infos)
}

func TestLocalTypingIsForwarded(t *testing.T) {
	f := setup(t)

	f.svc.SetTyping(general, true)
	f.svc.SetTyping(general, false)
	f.svc.RemoteTyping(general, "me", true)

	calls := f.transport.TypingCalls()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].Typing)
	assert.False(t, calls[1].Typing)
	assert.Empty(t, f.svc.Typers(general))
}

func TestSendPublishesToHub(t *testing.T) {
	f := setup(t)
	sub := f.hub.AddSubscriber("ui")
	require.True(t, f.hub.Subscribe("ui", general.Key()))

	msg, err := f.svc.Send(context.Background(), general, "hello")
	require.NoError(t, err)

	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type == events.MessageAppended {
				assert.Equal(t, msg.LocalID, ev.MessageID)
				return
			}
		case <-deadline:
			t.Fatal("no message_appended event")
		}
	}
}

func TestAttach(t *testing.T) {
	local, err := storage.NewLocal(t.TempDir(), "http://files.test", nil)
	require.NoError(t, err)
	validator, err := attachments.NewValidator(50*1024*1024, config.DefaultAllowedTypes)
	require.NoError(t, err)

	var pipeline *attachments.Pipeline
	f := setup(t, func(d *Deps) {
		pipeline = attachments.NewPipeline(validator, local, d.Store)
		d.Attachments = pipeline
	})

	batch, err := f.svc.Attach(context.Background(), general,
		attachments.Source{Name: "notes.txt", MimeType: "text/plain", Size: 5, Data: strings.NewReader("hello")},
		attachments.Source{Name: "tool.exe", MimeType: "application/x-msdownload", Size: 5, Data: strings.NewReader("MZ...")},
	)
	require.NoError(t, err)
	require.Len(t, batch.Rejected, 1)
	assert.ErrorIs(t, batch.Rejected[0].Err, errors.ErrUnsupportedType)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	msg, err := batch.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, messaging.TypeFile, msg.Type)
	require.Len(t, msg.Files, 1)
	assert.Equal(t, "notes.txt", msg.Files[0].Name)
	assert.Equal(t, "me", msg.SenderID)

	_, err = f.svc.Attach(context.Background(), general)
	assert.Error(t, err)
}

func TestAttachWithoutPipeline(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Attach(context.Background(), general, attachments.Source{Name: "a.txt", MimeType: "text/plain"})
	assert.Error(t, err)
}

func TestMembershipActsAsLocalUser(t *testing.T) {
	f := setup(t)

	ch, err := f.svc.AddMember(context.Background(), "general", "alice")
	require.NoError(t, err)
	assert.Contains(t, ch.Permissions.CanPost, "alice")

	_, err = f.svc.RemoveMember(context.Background(), "general", "me")
	assert.True(t, errors.IsForbidden(err))

	created, err := f.svc.CreateChannel(context.Background(), membership.CreateChannelInput{Name: "random"})
	require.NoError(t, err)
	assert.Equal(t, "me", created.CreatedBy)
	assert.Len(t, f.svc.Channels(), 2)
}
