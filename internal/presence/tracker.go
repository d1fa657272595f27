// Package presence derives online/offline status from registry membership
// and broadcasts changes to the users subscribed to each status topic.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/eventbus"
	"github.com/heartline/realtime/internal/registry"
)

// Publisher publishes bus events.
type Publisher interface {
	Publish(ctx context.Context, ev eventbus.Event) (eventbus.Report, error)
}

// LocalPresence answers whether a user has a session on this node.
type LocalPresence interface {
	Online(userID domain.UserID) bool
}

// Directory answers whether a user has a session on any node.
type Directory interface {
	UserOnline(ctx context.Context, userID domain.UserID) (bool, error)
}

type userState struct {
	version    uint64
	publishing bool
	pending    *registry.Transition
}

// Tracker consumes registry transitions and publishes StatusChanged events.
type Tracker struct {
	bus     Publisher
	topics  *Topics
	local   LocalPresence
	dir     Directory
	logger  *slog.Logger
	timeout time.Duration

	mu    sync.Mutex
	users map[domain.UserID]*userState
}

// NewTracker creates a Tracker. dir may be nil on a single node.
func NewTracker(bus Publisher, topics *Topics, local LocalPresence, dir Directory, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		bus:     bus,
		topics:  topics,
		local:   local,
		dir:     dir,
		logger:  logger.With(slog.String("component", "presence")),
		timeout: domain.RedisTimeout,
		users:   make(map[domain.UserID]*userState),
	}
}

// Topics returns the subscription table.
func (t *Tracker) Topics() *Topics {
	return t.topics
}

// HandleTransition is the registry callback. Transitions older than the last
// accepted one for the same user are dropped. While a broadcast for a user is
// in flight, newer transitions are coalesced and the latest one is broadcast
// next, so subscribers observe the user's statuses in order.
//
// A user is forgotten once their offline broadcast completes. A transition
// for a forgotten user is accepted only if it agrees with the registry's
// current membership, which rejects one delivered late.
func (t *Tracker) HandleTransition(tr registry.Transition) {
	t.mu.Lock()
	st, ok := t.users[tr.UserID]
	if !ok {
		if t.localStatus(tr.UserID) != tr.Status {
			t.mu.Unlock()
			t.logger.Debug("superseded transition dropped",
				slog.Int64("user_id", int64(tr.UserID)),
				slog.Uint64("version", tr.Version))
			return
		}
		st = &userState{}
		t.users[tr.UserID] = st
	}
	if tr.Version <= st.version {
		t.mu.Unlock()
		t.logger.Debug("stale transition dropped",
			slog.Int64("user_id", int64(tr.UserID)),
			slog.Uint64("version", tr.Version))
		return
	}
	st.version = tr.Version
	if st.publishing {
		st.pending = &tr
		t.mu.Unlock()
		return
	}
	st.publishing = true
	t.mu.Unlock()

	for {
		t.apply(tr)

		t.mu.Lock()
		if st.pending == nil {
			st.publishing = false
			if tr.Status == domain.StatusOffline {
				delete(t.users, tr.UserID)
			}
			t.mu.Unlock()
			return
		}
		tr = *st.pending
		st.pending = nil
		t.mu.Unlock()
	}
}

func (t *Tracker) localStatus(user domain.UserID) domain.Status {
	if t.local.Online(user) {
		return domain.StatusOnline
	}
	return domain.StatusOffline
}

func (t *Tracker) apply(tr registry.Transition) {
	if tr.Status == domain.StatusOffline {
		t.topics.UnsubscribeAll(tr.UserID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.BroadcastStatus(ctx, tr.UserID, tr.Status); err != nil {
		t.logger.Error("status broadcast failed",
			slog.Int64("user_id", int64(tr.UserID)),
			slog.String("status", string(tr.Status)),
			slog.Any("error", err))
	}
}

// BroadcastStatus publishes user's status to every session of every user
// subscribed to user's status topic at delivery time.
func (t *Tracker) BroadcastStatus(ctx context.Context, user domain.UserID, status domain.Status) error {
	_, err := t.bus.Publish(ctx, eventbus.StatusChanged{User: user, Status: status})
	return err
}

// Subscribe follows user's status on behalf of subscriber.
func (t *Tracker) Subscribe(subscriber, user domain.UserID) {
	t.topics.Subscribe(subscriber, user)
}

// Unsubscribe releases one subscription of subscriber to user.
func (t *Tracker) Unsubscribe(subscriber, user domain.UserID) {
	t.topics.Unsubscribe(subscriber, user)
}

// Status returns user's current status. Sessions on this node are checked
// first, then the shared directory when one is configured. A directory
// failure is logged and treated as offline.
func (t *Tracker) Status(ctx context.Context, user domain.UserID) domain.Status {
	if t.local.Online(user) {
		return domain.StatusOnline
	}
	if t.dir == nil {
		return domain.StatusOffline
	}
	online, err := t.dir.UserOnline(ctx, user)
	if err != nil {
		t.logger.Warn("directory lookup failed", slog.Int64("user_id", int64(user)), slog.Any("error", err))
		return domain.StatusOffline
	}
	if online {
		return domain.StatusOnline
	}
	return domain.StatusOffline
}
