// Package registry tracks which users are connected and through which live
// sessions. A user may hold any number of concurrent sessions; the registry
// reports the first session of a user and the removal of the last one as
// presence transitions.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/metrics"
)

// Session is one live transport connection as seen by the registry.
type Session interface {
	// ID returns the unique session id.
	ID() string
	// Send enqueues a frame without blocking. It returns
	// domain.ErrSlowConsumer when the outbox is full and
	// domain.ErrTransportUnavailable when the transport is gone.
	Send(frame []byte) error
	// Close tears down the transport. It is safe to call more than once.
	Close() error
	// Closed reports whether the transport has been torn down.
	Closed() bool
}

// Evicter is implemented by sessions that can tell the client why they were
// dropped, such as a close code for a slow consumer.
type Evicter interface {
	Evict(cause error) error
}

// Transition is a change of a user's derived presence. Version increases
// monotonically across the registry so observers can drop stale transitions
// that arrive out of order.
type Transition struct {
	UserID  domain.UserID
	Status  domain.Status
	Version uint64
}

// Handle is a registered session with the registry-owned metadata.
type Handle struct {
	Session
	UserID    domain.UserID
	CreatedAt time.Time

	viewing atomic.Int64
}

// SetViewing marks the session as actively viewing the conversation with peer.
func (h *Handle) SetViewing(peer domain.UserID) {
	h.viewing.Store(int64(peer))
}

// ClearViewing clears the actively viewed conversation.
func (h *Handle) ClearViewing() {
	h.viewing.Store(0)
}

// Viewing returns the peer whose conversation is open on this session.
func (h *Handle) Viewing() (domain.UserID, bool) {
	v := domain.UserID(h.viewing.Load())
	return v, v.Valid()
}

// IsViewing reports whether the conversation with peer is open on this session.
func (h *Handle) IsViewing(peer domain.UserID) bool {
	return domain.UserID(h.viewing.Load()) == peer
}

type shard struct {
	mu    sync.Mutex
	users map[domain.UserID]map[string]*Handle
}

// Registry maps users to their live sessions. State is striped across shards
// keyed by user id so unrelated users never contend.
type Registry struct {
	shards  []*shard
	seq     atomic.Uint64
	clock   domain.Clock
	logger  *slog.Logger
	onTrans atomic.Pointer[func(Transition)]
}

// Option configures a Registry.
type Option func(*Registry)

// WithShards sets the number of lock stripes.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = makeShards(n)
		}
	}
}

// WithClock sets the clock used for handle creation times.
func WithClock(c domain.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		shards: makeShards(domain.RegistryShards),
		clock:  domain.RealClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "registry"))
	return r
}

func makeShards(n int) []*shard {
	s := make([]*shard, n)
	for i := range s {
		s[i] = &shard{users: make(map[domain.UserID]map[string]*Handle)}
	}
	return s
}

func (r *Registry) shardFor(u domain.UserID) *shard {
	return r.shards[uint64(u)%uint64(len(r.shards))]
}

// SetOnTransition registers the callback that receives presence transitions.
// It is invoked outside registry locks.
func (r *Registry) SetOnTransition(fn func(Transition)) {
	r.onTrans.Store(&fn)
}

func (r *Registry) emit(t *Transition) {
	if t == nil {
		return
	}
	if fn := r.onTrans.Load(); fn != nil && *fn != nil {
		(*fn)(*t)
	}
}

// Register adds a session for userID and returns its handle. Registering a
// session id that is already present returns the existing handle.
func (r *Registry) Register(userID domain.UserID, s Session) *Handle {
	sh := r.shardFor(userID)

	sh.mu.Lock()
	sessions, ok := sh.users[userID]
	if !ok {
		sessions = make(map[string]*Handle)
		sh.users[userID] = sessions
	}
	if h, dup := sessions[s.ID()]; dup {
		sh.mu.Unlock()
		return h
	}
	h := &Handle{Session: s, UserID: userID, CreatedAt: r.clock.Now()}
	sessions[s.ID()] = h

	var t *Transition
	if len(sessions) == 1 {
		t = &Transition{UserID: userID, Status: domain.StatusOnline, Version: r.seq.Add(1)}
	}
	sh.mu.Unlock()

	metrics.SessionsActive.Inc()
	if t != nil {
		metrics.UsersOnline.Inc()
		r.logger.Debug("user online", slog.Int64("user_id", int64(userID)), slog.String("session_id", s.ID()))
	}
	r.emit(t)
	return h
}

// Unregister removes the handle. It reports whether the handle was present;
// removing an already removed handle is a no-op.
func (r *Registry) Unregister(h *Handle) bool {
	if h == nil {
		return false
	}
	sh := r.shardFor(h.UserID)

	sh.mu.Lock()
	sessions, ok := sh.users[h.UserID]
	if !ok || sessions[h.ID()] != h {
		sh.mu.Unlock()
		return false
	}
	delete(sessions, h.ID())

	var t *Transition
	if len(sessions) == 0 {
		delete(sh.users, h.UserID)
		t = &Transition{UserID: h.UserID, Status: domain.StatusOffline, Version: r.seq.Add(1)}
	}
	sh.mu.Unlock()

	metrics.SessionsActive.Dec()
	if t != nil {
		metrics.UsersOnline.Dec()
		r.logger.Debug("user offline", slog.Int64("user_id", int64(h.UserID)), slog.String("session_id", h.ID()))
	}
	r.emit(t)
	return true
}

// SessionsFor returns a snapshot of the user's live sessions. The returned
// slice is safe to iterate without holding any lock.
func (r *Registry) SessionsFor(userID domain.UserID) []*Handle {
	sh := r.shardFor(userID)
	sh.mu.Lock()
	sessions := sh.users[userID]
	out := make([]*Handle, 0, len(sessions))
	for _, h := range sessions {
		out = append(out, h)
	}
	sh.mu.Unlock()
	return out
}

// Lookup returns the handle for a session id owned by userID, or nil.
func (r *Registry) Lookup(userID domain.UserID, sessionID string) *Handle {
	sh := r.shardFor(userID)
	sh.mu.Lock()
	h := sh.users[userID][sessionID]
	sh.mu.Unlock()
	return h
}

// Online reports whether the user has at least one live session.
func (r *Registry) Online(userID domain.UserID) bool {
	sh := r.shardFor(userID)
	sh.mu.Lock()
	n := len(sh.users[userID])
	sh.mu.Unlock()
	return n > 0
}

// Count returns the total number of registered sessions.
func (r *Registry) Count() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, sessions := range sh.users {
			n += len(sessions)
		}
		sh.mu.Unlock()
	}
	return n
}

// Sweep unregisters every handle whose transport reports itself closed and
// returns how many were removed.
func (r *Registry) Sweep() int {
	var stale []*Handle
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, sessions := range sh.users {
			for _, h := range sessions {
				if h.Closed() {
					stale = append(stale, h)
				}
			}
		}
		sh.mu.Unlock()
	}

	removed := 0
	for _, h := range stale {
		if r.Unregister(h) {
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("reaped closed sessions", slog.Int("count", removed))
	}
	return removed
}

// RunReaper sweeps closed sessions every interval until ctx is cancelled.
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}
