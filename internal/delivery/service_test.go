package delivery

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/infra"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/Alexander-D-Karpov/chatcore/internal/observability"
	"github.com/Alexander-D-Karpov/chatcore/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	general = messaging.ChannelRef("general")
	t0      = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
)

func setup(t *testing.T) (*Service, *store.Store, *messaging.Message) {
	t.Helper()
	st := store.New(infra.NewSnowflakeGenerator(1), func() time.Time { return t0 }, nil)
	m, err := st.Append(general, messaging.Message{
		SenderID: "alice",
		Content:  "hello",
		Delivery: messaging.DeliveryStatus{Sent: true},
	})
	require.NoError(t, err)
	return NewService(st, nil, nil), st, m
}

func TestRank(t *testing.T) {
	assert.Equal(t, StateNone, Rank(messaging.DeliveryStatus{}))
	assert.Equal(t, StateSent, Rank(messaging.DeliveryStatus{Sent: true}))
	assert.Equal(t, StateDelivered, Rank(messaging.DeliveryStatus{Sent: true, Delivered: true}))
	assert.Equal(t, StateRead, Rank(messaging.DeliveryStatus{Sent: true, Delivered: true, Read: true}))
	assert.Equal(t, "delivered", StateDelivered.String())
}

func TestAdvanceIsForwardOnly(t *testing.T) {
	orders := map[string][]State{
		"in order":     {StateSent, StateDelivered, StateRead},
		"read first":   {StateRead, StateDelivered, StateSent},
		"duplicates":   {StateDelivered, StateDelivered, StateSent, StateDelivered},
		"interleaved":  {StateDelivered, StateSent, StateRead, StateDelivered, StateRead},
		"skip to read": {StateRead},
	}

	for name, acks := range orders {
		t.Run(name, func(t *testing.T) {
			svc, st, m := setup(t)

			highest := StateSent
			for _, target := range acks {
				got, err := svc.Advance(general, m.LocalID, target, "bob", t0.Add(time.Second))
				require.NoError(t, err)
				if target > highest {
					highest = target
				}
				assert.Equal(t, highest, Rank(got.Delivery))
				assert.True(t, got.Delivery.Consistent())
			}

			stored, err := st.Get(general, m.LocalID)
			require.NoError(t, err)
			assert.Equal(t, highest, Rank(stored.Delivery))
		})
	}
}

func TestAdvanceRejectsUnknownState(t *testing.T) {
	svc, _, m := setup(t)

	_, err := svc.Advance(general, m.LocalID, StateNone, "bob", t0)
	assert.Error(t, err)
	_, err = svc.Advance(general, m.LocalID, State(7), "bob", t0)
	assert.Error(t, err)
}

func TestReadRecordsEveryViewer(t *testing.T) {
	svc, _, m := setup(t)

	_, err := svc.Advance(general, m.LocalID, StateRead, "bob", t0)
	require.NoError(t, err)
	got, err := svc.Advance(general, m.LocalID, StateRead, "carol", t0)
	require.NoError(t, err)
	got, err = svc.Advance(general, m.LocalID, StateRead, "bob", t0)
	require.NoError(t, err)

	require.Len(t, got.ReadBy, 2)
	assert.True(t, got.ReadByUser("bob"))
	assert.True(t, got.ReadByUser("carol"))

	// The sender reading their own message never lands in ReadBy.
	got, err = svc.Advance(general, m.LocalID, StateRead, "alice", t0)
	require.NoError(t, err)
	assert.False(t, got.ReadByUser("alice"))
}

func TestApplyUnknownMessageIsNoop(t *testing.T) {
	metrics := observability.NewMetrics(nil)
	st := store.New(nil, nil, nil)
	svc := NewService(st, metrics, nil)

	err := svc.Apply(Ack{Conversation: general, MessageID: "gone", Target: StateDelivered})
	assert.NoError(t, err)
	assert.Empty(t, st.List(general))
}

func TestApplyAfterRemoveIsNoop(t *testing.T) {
	svc, st, m := setup(t)
	require.True(t, st.Remove(general, m.LocalID))

	assert.NoError(t, svc.Apply(Ack{Conversation: general, MessageID: m.LocalID, Target: StateRead, UserID: "bob"}))
}

func TestApplyReconcilesServerID(t *testing.T) {
	svc, st, m := setup(t)

	err := svc.Apply(Ack{Conversation: general, MessageID: m.LocalID, ServerID: "srv-42", Target: StateSent})
	require.NoError(t, err)

	err = svc.Apply(Ack{Conversation: general, MessageID: "srv-42", Target: StateDelivered})
	require.NoError(t, err)

	stored, err := st.Get(general, m.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "srv-42", stored.ServerID)
	assert.True(t, stored.Delivery.Delivered)
}

func TestAcksBeforeServerIDBinding(t *testing.T) {
	tests := []struct {
		name   string
		early  []Ack
		expect State
		reader string
	}{
		{
			name:   "delivered before sent",
			early:  []Ack{{Conversation: general, MessageID: "srv-1", Target: StateDelivered}},
			expect: StateDelivered,
		},
		{
			name: "read and delivered before sent",
			early: []Ack{
				{Conversation: general, MessageID: "srv-1", Target: StateRead, UserID: "bob"},
				{Conversation: general, MessageID: "srv-1", Target: StateDelivered},
			},
			expect: StateRead,
			reader: "bob",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, st, m := setup(t)

			for _, ack := range tt.early {
				require.NoError(t, svc.Apply(ack))
			}
			assert.Equal(t, len(tt.early), svc.Parked())

			require.NoError(t, svc.Apply(Ack{Conversation: general, MessageID: m.LocalID, ServerID: "srv-1", Target: StateSent}))
			assert.Zero(t, svc.Parked())

			stored, err := st.Get(general, m.LocalID)
			require.NoError(t, err)
			assert.Equal(t, "srv-1", stored.ServerID)
			assert.Equal(t, tt.expect, Rank(stored.Delivery))
			assert.True(t, stored.Delivery.Consistent())
			if tt.reader != "" {
				assert.True(t, stored.ReadByUser(tt.reader))
			}
		})
	}
}

func TestParkedAcksAgeOut(t *testing.T) {
	now := t0
	st := store.New(infra.NewSnowflakeGenerator(1), func() time.Time { return now }, nil)
	m, err := st.Append(general, messaging.Message{SenderID: "alice", Content: "hi", Delivery: messaging.DeliveryStatus{Sent: true}})
	require.NoError(t, err)
	svc := NewService(st, nil, nil)

	require.NoError(t, svc.Apply(Ack{Conversation: general, MessageID: "srv-old", Target: StateDelivered}))
	now = now.Add(parkedTTL + time.Second)
	require.NoError(t, svc.Apply(Ack{Conversation: general, MessageID: "srv-new", Target: StateDelivered}))
	assert.Equal(t, 1, svc.Parked())

	require.NoError(t, svc.Apply(Ack{Conversation: general, MessageID: m.LocalID, ServerID: "srv-old", Target: StateSent}))
	stored, err := st.Get(general, m.LocalID)
	require.NoError(t, err)
	assert.False(t, stored.Delivery.Delivered)
}

func TestParkedAcksAreBounded(t *testing.T) {
	svc, _, _ := setup(t)

	for i := 0; i < maxParked+10; i++ {
		require.NoError(t, svc.Apply(Ack{Conversation: general, MessageID: fmt.Sprintf("srv-%d", i), Target: StateDelivered}))
	}
	assert.Equal(t, maxParked, svc.Parked())
}

func TestSentForMissingMessageDropsParkedAcks(t *testing.T) {
	svc, _, _ := setup(t)

	require.NoError(t, svc.Apply(Ack{Conversation: general, MessageID: "srv-9", Target: StateDelivered}))
	require.NoError(t, svc.Apply(Ack{Conversation: general, MessageID: "gone", ServerID: "srv-9", Target: StateSent}))
	assert.Zero(t, svc.Parked())
}

func TestSendDeliverReadScenario(t *testing.T) {
	svc, st, m := setup(t)

	assert.Equal(t, StateSent, Rank(m.Delivery))

	require.NoError(t, svc.Apply(Ack{Conversation: general, MessageID: m.LocalID, Target: StateDelivered, At: t0.Add(time.Second)}))
	stored, err := st.Get(general, m.LocalID)
	require.NoError(t, err)
	assert.Equal(t, StateDelivered, Rank(stored.Delivery))

	touched := svc.MarkAllRead(general, "bob")
	assert.Equal(t, 1, touched)

	stored, err = st.Get(general, m.LocalID)
	require.NoError(t, err)
	assert.Equal(t, StateRead, Rank(stored.Delivery))
	assert.True(t, stored.ReadByUser("bob"))

	assert.Equal(t, 0, svc.MarkAllRead(general, "bob"))
	assert.Equal(t, 0, svc.MarkAllRead(general, "alice"))
}

func TestAppliedAndIgnoredAreCounted(t *testing.T) {
	metrics := observability.NewMetrics(nil)
	st := store.New(nil, nil, nil)
	svc := NewService(st, metrics, nil)
	m, err := st.Append(general, messaging.Message{SenderID: "alice", Content: "hi", Delivery: messaging.DeliveryStatus{Sent: true}})
	require.NoError(t, err)

	_, err = svc.Advance(general, m.LocalID, StateDelivered, "", t0)
	require.NoError(t, err)
	_, err = svc.Advance(general, m.LocalID, StateDelivered, "", t0)
	require.NoError(t, err)

	expected := `
# HELP chatcore_delivery_acks_total Delivery acknowledgments by target state and outcome
# TYPE chatcore_delivery_acks_total counter
chatcore_delivery_acks_total{outcome="applied",target="delivered"} 1
chatcore_delivery_acks_total{outcome="ignored",target="delivered"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "chatcore_delivery_acks_total"))
}

func TestRunDrainsUntilClosed(t *testing.T) {
	svc, st, m := setup(t)

	acks := make(chan Ack, 2)
	acks <- Ack{Conversation: general, MessageID: m.LocalID, Target: StateDelivered}
	acks <- Ack{Conversation: general, MessageID: "unknown", Target: StateRead}
	close(acks)

	require.NoError(t, svc.Run(context.Background(), acks))

	stored, err := st.Get(general, m.LocalID)
	require.NoError(t, err)
	assert.True(t, stored.Delivery.Delivered)
}

func TestRunStopsOnCancel(t *testing.T) {
	svc, _, _ := setup(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.Run(ctx, make(chan Ack))
	assert.ErrorIs(t, err, context.Canceled)
}
