package typing

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/clock"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/Alexander-D-Karpov/chatcore/internal/events"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/Alexander-D-Karpov/chatcore/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Transport forwards the local user's typing state to other participants.
type Transport interface {
	SendTyping(ctx context.Context, ref messaging.ConversationRef, typing bool) error
}

type Manager struct {
	mu          sync.Mutex
	repo        *Repository
	sched       clock.Scheduler
	timeout     time.Duration
	localUserID string
	gen         uint64

	hub       *events.Hub
	metrics   *observability.Metrics
	transport Transport
	throttle  time.Duration
	limiters  map[string]*rate.Limiter
	logger    *zap.Logger
}

type Option func(*Manager)

func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithHub(hub *events.Hub) Option {
	return func(m *Manager) { m.hub = hub }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(logger) }
}

// WithTransport forwards local typing starts at most once per throttle
// interval per conversation. Stops are always forwarded.
func WithTransport(t Transport, throttle time.Duration) Option {
	return func(m *Manager) {
		m.transport = t
		m.throttle = throttle
	}
}

func NewManager(sched clock.Scheduler, localUserID string, opts ...Option) *Manager {
	if sched == nil {
		sched = clock.NewReal()
	}
	m := &Manager{
		repo:        NewRepository(),
		sched:       sched,
		timeout:     DefaultTimeout,
		localUserID: localUserID,
		limiters:    make(map[string]*rate.Limiter),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartTyping records or refreshes the indicator for (ref, userID) and
// replaces its eviction timer. Each key owns at most one pending timer.
func (m *Manager) StartTyping(ref messaging.ConversationRef, userID string) {
	if !ref.Valid() || userID == "" {
		return
	}

	m.mu.Lock()
	now := m.sched.Now()
	prev, existed := m.repo.get(ref, userID)
	if existed {
		prev.timer.Stop()
	}

	m.gen++
	gen := m.gen
	e := &entry{
		Indicator: Indicator{
			Conversation: ref,
			UserID:       userID,
			StartedAt:    now,
			ExpiresAt:    now.Add(m.timeout),
		},
		gen: gen,
	}
	e.timer = m.sched.Schedule(m.timeout, func() { m.expire(ref, userID, gen) })
	m.repo.put(e)
	active := m.repo.count()
	m.mu.Unlock()

	m.metrics.SetTypingTimers(active)
	if !existed {
		m.publish(ref)
	}
	if userID == m.localUserID {
		m.forward(ref, true, now)
	}
}

// StopTyping cancels the eviction timer and removes the indicator at once.
func (m *Manager) StopTyping(ref messaging.ConversationRef, userID string) {
	m.mu.Lock()
	e := m.repo.delete(ref, userID)
	if e != nil {
		e.timer.Stop()
	}
	active := m.repo.count()
	m.mu.Unlock()

	if e == nil {
		return
	}
	m.metrics.SetTypingTimers(active)
	m.publish(ref)
	if userID == m.localUserID {
		m.forward(ref, false, time.Time{})
	}
}

func (m *Manager) expire(ref messaging.ConversationRef, userID string, gen uint64) {
	m.mu.Lock()
	e, ok := m.repo.get(ref, userID)
	if !ok || e.gen != gen {
		m.mu.Unlock()
		return
	}
	m.repo.delete(ref, userID)
	active := m.repo.count()
	m.mu.Unlock()

	m.logger.Debug("typing indicator expired",
		zap.String("conversation", ref.Key()),
		zap.String("user_id", userID),
	)
	m.metrics.SetTypingTimers(active)
	m.publish(ref)
}

// ActiveTypers returns the users currently typing in ref, excluding the
// local user, sorted by id.
func (m *Manager) ActiveTypers(ref messaging.ConversationRef) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typersLocked(ref)
}

func (m *Manager) typersLocked(ref messaging.ConversationRef) []string {
	indicators := m.repo.list(ref)
	out := make([]string, 0, len(indicators))
	for _, ind := range indicators {
		if ind.UserID != m.localUserID {
			out = append(out, ind.UserID)
		}
	}
	return out
}

func (m *Manager) Indicators(ref messaging.ConversationRef) []Indicator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repo.list(ref)
}

// Reset cancels every timer and clears all indicators. Called on
// conversation switch; no eviction callback can fire afterwards.
func (m *Manager) Reset() {
	m.mu.Lock()
	drained := m.repo.drain()
	for _, e := range drained {
		e.timer.Stop()
	}
	m.mu.Unlock()

	if len(drained) == 0 {
		return
	}
	m.metrics.SetTypingTimers(0)

	var refs []messaging.ConversationRef
	for _, e := range drained {
		if !slices.Contains(refs, e.Conversation) {
			refs = append(refs, e.Conversation)
		}
	}
	for _, ref := range refs {
		m.publish(ref)
	}
}

func (m *Manager) publish(ref messaging.ConversationRef) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(events.Event{
		Type:         events.TypingChanged,
		Conversation: ref,
		Typers:       m.ActiveTypers(ref),
	})
}

func (m *Manager) forward(ref messaging.ConversationRef, typing bool, at time.Time) {
	if m.transport == nil {
		return
	}
	if !typing {
		m.mu.Lock()
		delete(m.limiters, ref.Key())
		m.mu.Unlock()
	} else if m.throttle > 0 {
		m.mu.Lock()
		lim, ok := m.limiters[ref.Key()]
		if !ok {
			lim = rate.NewLimiter(rate.Every(m.throttle), 1)
			m.limiters[ref.Key()] = lim
		}
		allowed := lim.AllowN(at, 1)
		m.mu.Unlock()
		if !allowed {
			return
		}
	}

	if err := m.transport.SendTyping(context.Background(), ref, typing); err != nil {
		m.logger.Warn("failed to forward typing state",
			zap.String("conversation", ref.Key()),
			zap.Bool("typing", typing),
			zap.Error(err),
		)
	}
}
