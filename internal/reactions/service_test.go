package reactions

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/errors"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/Alexander-D-Karpov/chatcore/internal/observability"
	"github.com/Alexander-D-Karpov/chatcore/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var general = messaging.ChannelRef("general")

func setup(t *testing.T) (*Service, *store.Store, string) {
	t.Helper()
	st := store.New(nil, func() time.Time { return time.Unix(1700000000, 0) }, nil)
	m, err := st.Append(general, messaging.Message{SenderID: "carol", Content: "ship it"})
	require.NoError(t, err)
	return NewService(st, observability.NewMetrics(nil), nil), st, m.LocalID
}

func asSets(reactions []messaging.Reaction) map[string][]string {
	out := make(map[string][]string, len(reactions))
	for _, r := range reactions {
		users := slices.Clone(r.Users)
		slices.Sort(users)
		out[r.Emoji] = users
	}
	return out
}

func TestToggleScenario(t *testing.T) {
	svc, _, m1 := setup(t)

	_, err := svc.Toggle(general, m1, "👍", "A")
	require.NoError(t, err)
	got, err := svc.Toggle(general, m1, "👍", "B")
	require.NoError(t, err)
	assert.Equal(t, []messaging.Reaction{{Emoji: "👍", Users: []string{"A", "B"}}}, got)

	got, err = svc.Toggle(general, m1, "👍", "A")
	require.NoError(t, err)
	assert.Equal(t, []messaging.Reaction{{Emoji: "👍", Users: []string{"B"}}}, got)

	got, err = svc.Toggle(general, m1, "👍", "B")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestToggleIsInvolution(t *testing.T) {
	svc, st, m1 := setup(t)

	for _, step := range []struct{ emoji, user string }{
		{"👍", "A"}, {"🎉", "B"}, {"👍", "C"},
	} {
		_, err := svc.Toggle(general, m1, step.emoji, step.user)
		require.NoError(t, err)
	}

	before, err := st.Get(general, m1)
	require.NoError(t, err)

	cases := []struct{ emoji, user string }{
		{"👍", "A"},
		{"👍", "D"},
		{"🎉", "B"},
		{"🚀", "A"},
	}
	for _, tc := range cases {
		t.Run(tc.emoji+tc.user, func(t *testing.T) {
			_, err := svc.Toggle(general, m1, tc.emoji, tc.user)
			require.NoError(t, err)
			_, err = svc.Toggle(general, m1, tc.emoji, tc.user)
			require.NoError(t, err)

			after, err := st.Get(general, m1)
			require.NoError(t, err)
			assert.Equal(t, asSets(before.Reactions), asSets(after.Reactions))
		})
	}
}

func TestToggleByServerID(t *testing.T) {
	svc, st, m1 := setup(t)
	_, err := svc.Toggle(general, m1, "👍", "A")
	require.NoError(t, err)

	_, err = st.Reconcile(m1, "srv-1")
	require.NoError(t, err)

	got, err := svc.Toggle(general, "srv-1", "👍", "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, got[0].Users)
}

func TestToggleErrors(t *testing.T) {
	svc, _, m1 := setup(t)

	_, err := svc.Toggle(general, "missing", "👍", "A")
	assert.True(t, errors.IsNotFound(err))

	_, err = svc.Toggle(general, m1, " ", "A")
	assert.ErrorIs(t, err, errors.ErrBadRequest)

	_, err = svc.Toggle(general, m1, "👍", "")
	assert.ErrorIs(t, err, errors.ErrBadRequest)
}

func TestConcurrentTogglesFromDifferentUsers(t *testing.T) {
	svc, st, m1 := setup(t)

	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			_, err := svc.Toggle(general, m1, "❤️", u)
			assert.NoError(t, err)
		}(u)
	}
	wg.Wait()

	m, err := st.Get(general, m1)
	require.NoError(t, err)
	require.Len(t, m.Reactions, 1)
	assert.ElementsMatch(t, users, m.Reactions[0].Users)
}

func TestSummary(t *testing.T) {
	svc, _, m1 := setup(t)
	for _, u := range []string{"A", "B"} {
		_, err := svc.Toggle(general, m1, "👍", u)
		require.NoError(t, err)
	}
	_, err := svc.Toggle(general, m1, "🎉", "B")
	require.NoError(t, err)

	summary, err := svc.Summary(general, m1, "A")
	require.NoError(t, err)
	assert.Equal(t, []Count{
		{Emoji: "👍", Count: 2, ReactedByMe: true},
		{Emoji: "🎉", Count: 1, ReactedByMe: false},
	}, summary)
}
