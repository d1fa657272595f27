// Package chat implements the user actions of the realtime surface: sending
// messages, liking, blocking, reporting and viewing. Every action is
// authorized, persisted and then published; a failure at any step leaves no
// partial state and publishes nothing.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/eventbus"
	"github.com/heartline/realtime/internal/notify"
	"github.com/heartline/realtime/internal/registry"
	"github.com/heartline/realtime/internal/store"
)

const pairStripes = 64

// Authorizer is the relationship gate.
type Authorizer interface {
	Authorize(ctx context.Context, actor, target domain.UserID, action domain.Action) error
}

// Publisher publishes bus events.
type Publisher interface {
	Publish(ctx context.Context, ev eventbus.Event) (eventbus.Report, error)
}

// Presence manages status subscriptions and answers status queries.
type Presence interface {
	Subscribe(subscriber, user domain.UserID)
	Unsubscribe(subscriber, user domain.UserID)
	Status(ctx context.Context, user domain.UserID) domain.Status
}

// Service coordinates the gate, the store and the event bus.
type Service struct {
	store    store.RelationshipStore
	gate     Authorizer
	bus      Publisher
	notify   notify.Aggregator
	presence Presence
	clock    domain.Clock
	logger   *slog.Logger

	// Like and block writes for the same pair are serialized so that a
	// mutual like produces exactly one match on this node.
	pairs [pairStripes]sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used to timestamp messages.
func WithClock(c domain.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service.
func NewService(st store.RelationshipStore, gate Authorizer, bus Publisher, agg notify.Aggregator, presence Presence, opts ...Option) *Service {
	s := &Service{
		store:    st,
		gate:     gate,
		bus:      bus,
		notify:   agg,
		presence: presence,
		clock:    domain.RealClock{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "chat"))
	return s
}

func (s *Service) lockPair(a, b domain.UserID) func() {
	p := domain.PairOf(a, b)
	h := uint64(p.Low)*0x9E3779B97F4A7C15 ^ uint64(p.High)
	mu := &s.pairs[h%pairStripes]
	mu.Lock()
	return mu.Unlock
}

// Authorize exposes the gate to callers outside the chat surface.
func (s *Service) Authorize(ctx context.Context, actor, target domain.UserID, action domain.Action) error {
	return s.gate.Authorize(ctx, actor, target, action)
}

// SendMessage validates, authorizes, persists and publishes a message.
func (s *Service) SendMessage(ctx context.Context, from, to domain.UserID, body string) (domain.Message, error) {
	if err := ValidateMessage(body); err != nil {
		return domain.Message{}, err
	}
	if from == to {
		return domain.Message{}, fmt.Errorf("chat: message %d: %w", from, domain.ErrSelfAction)
	}
	if err := s.gate.Authorize(ctx, from, to, domain.ActionMessage); err != nil {
		return domain.Message{}, err
	}

	msg := domain.Message{
		AuthorID:    from,
		RecipientID: to,
		Body:        body,
		Timestamp:   domain.FromMillis(domain.NowUTCMillis(s.clock)),
	}
	id, err := s.store.AppendMessage(ctx, from, to, body, msg.Timestamp)
	if err != nil {
		return domain.Message{}, fmt.Errorf("chat: append message: %w", err)
	}
	msg.ID = id

	s.publish(ctx, eventbus.MessageSent{Message: msg})
	return msg, nil
}

// CreateLike persists a like and publishes it. When the like completes a
// mutual pair and no block exists, MatchDetected follows. It reports whether
// a match was detected.
func (s *Service) CreateLike(ctx context.Context, from, to domain.UserID) (bool, error) {
	unlock := s.lockPair(from, to)
	defer unlock()

	if err := s.gate.Authorize(ctx, from, to, domain.ActionLike); err != nil {
		return false, err
	}
	if _, err := s.store.CreateLike(ctx, from, to); err != nil {
		return false, fmt.Errorf("chat: create like: %w", err)
	}
	return s.likeCreated(ctx, from, to), nil
}

// likeCreated publishes LikeCreated and, after re-reading the store, the
// match if the pair is now mutual. Only the later of the two likes announces
// the match, so a like replayed after the pair already matched publishes
// nothing more. The caller holds the pair lock.
func (s *Service) likeCreated(ctx context.Context, from, to domain.UserID) bool {
	s.publish(ctx, eventbus.LikeCreated{From: from, To: to})

	completes, err := s.completesMatch(ctx, from, to)
	if err != nil {
		s.logger.Error("match re-check failed",
			slog.Int64("from", int64(from)),
			slog.Int64("to", int64(to)),
			slog.Any("error", err))
		return false
	}
	if completes {
		s.publish(ctx, eventbus.MatchDetected{UserA: from, UserB: to})
	}
	return completes
}

// completesMatch reports whether from's like of to is the one that made the
// pair mutual. Like ids share one sequence, so the higher id is the later.
func (s *Service) completesMatch(ctx context.Context, from, to domain.UserID) (bool, error) {
	forward, ok, err := s.store.FindLike(ctx, from, to)
	if err != nil || !ok {
		return false, err
	}
	reverse, ok, err := s.store.FindLike(ctx, to, from)
	if err != nil || !ok {
		return false, err
	}
	if forward.ID < reverse.ID {
		return false, nil
	}
	_, blocked, err := s.store.FindBlock(ctx, from, to)
	if err != nil {
		return false, err
	}
	return !blocked, nil
}

// DeleteLike withdraws from's like of to.
func (s *Service) DeleteLike(ctx context.Context, from, to domain.UserID) error {
	if from == to {
		return fmt.Errorf("chat: unlike %d: %w", from, domain.ErrSelfAction)
	}
	unlock := s.lockPair(from, to)
	defer unlock()

	like, ok, err := s.store.FindLike(ctx, from, to)
	if err != nil {
		return fmt.Errorf("chat: find like: %w", err)
	}
	if !ok {
		return fmt.Errorf("chat: like %d->%d: %w", from, to, domain.ErrNotFound)
	}
	if err := s.store.DeleteLike(ctx, like.ID); err != nil {
		return fmt.Errorf("chat: delete like: %w", err)
	}
	s.publish(ctx, eventbus.LikeDeleted{From: from, To: to})
	return nil
}

// CreateBlock persists from's block of to and notifies both sides.
func (s *Service) CreateBlock(ctx context.Context, from, to domain.UserID) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("chat: block %d->%d: %w", from, to, domain.ErrInvalidInput)
	}
	if from == to {
		return fmt.Errorf("chat: block %d: %w", from, domain.ErrSelfAction)
	}
	unlock := s.lockPair(from, to)
	defer unlock()

	if _, err := s.store.CreateBlock(ctx, from, to); err != nil {
		return fmt.Errorf("chat: create block: %w", err)
	}
	s.publish(ctx, eventbus.BlockCreated{From: from, To: to})
	return nil
}

// DeleteBlock removes from's block of to. BlockDeleted is published only
// when no block remains between the pair. It reports whether the pair is
// now unblocked.
func (s *Service) DeleteBlock(ctx context.Context, from, to domain.UserID) (bool, error) {
	if from == to {
		return false, fmt.Errorf("chat: unblock %d: %w", from, domain.ErrSelfAction)
	}
	unlock := s.lockPair(from, to)
	defer unlock()

	block, ok, err := s.store.FindBlockBy(ctx, from, to)
	if err != nil {
		return false, fmt.Errorf("chat: find block: %w", err)
	}
	if !ok {
		return false, fmt.Errorf("chat: block %d->%d: %w", from, to, domain.ErrNotFound)
	}
	if err := s.store.DeleteBlock(ctx, block.ID); err != nil {
		return false, fmt.Errorf("chat: delete block: %w", err)
	}
	return s.blockDeleted(ctx, from, to)
}

func (s *Service) blockDeleted(ctx context.Context, from, to domain.UserID) (bool, error) {
	_, remaining, err := s.store.FindBlock(ctx, from, to)
	if err != nil {
		return false, fmt.Errorf("chat: find block: %w", err)
	}
	if remaining {
		return false, nil
	}
	s.publish(ctx, eventbus.BlockDeleted{From: from, To: to})
	return true, nil
}

// IsMatch reports whether a and b like each other and neither blocks the
// other.
func (s *Service) IsMatch(ctx context.Context, a, b domain.UserID) (bool, error) {
	_, ab, err := s.store.FindLike(ctx, a, b)
	if err != nil || !ab {
		return false, err
	}
	_, ba, err := s.store.FindLike(ctx, b, a)
	if err != nil || !ba {
		return false, err
	}
	_, blocked, err := s.store.FindBlock(ctx, a, b)
	if err != nil {
		return false, err
	}
	return !blocked, nil
}

// Typing relays a typing indicator to the recipient.
func (s *Service) Typing(ctx context.Context, from, to domain.UserID, typing bool) error {
	if err := s.gate.Authorize(ctx, from, to, domain.ActionMessage); err != nil {
		return err
	}
	s.publish(ctx, eventbus.TypingChanged{From: from, To: to, Typing: typing})
	return nil
}

// ViewProfile tells to that from viewed their profile.
func (s *Service) ViewProfile(ctx context.Context, from, to domain.UserID) error {
	if from == to {
		return fmt.Errorf("chat: view %d: %w", from, domain.ErrSelfAction)
	}
	if err := s.gate.Authorize(ctx, from, to, domain.ActionView); err != nil {
		return err
	}
	s.publish(ctx, eventbus.ProfileViewed{From: from, To: to})
	return nil
}

// CreateReport files a report against to. Reports are not fanned out.
func (s *Service) CreateReport(ctx context.Context, from, to domain.UserID, reason string) (int64, error) {
	if !from.Valid() || !to.Valid() || !domain.ValidReportReason(reason) {
		return 0, fmt.Errorf("chat: report %d->%d %q: %w", from, to, reason, domain.ErrInvalidInput)
	}
	if from == to {
		return 0, fmt.Errorf("chat: report %d: %w", from, domain.ErrSelfAction)
	}
	id, err := s.store.CreateReport(ctx, from, to, reason)
	if err != nil {
		return 0, fmt.Errorf("chat: create report: %w", err)
	}
	s.logger.Info("report filed",
		slog.Int64("report_id", id),
		slog.Int64("author_id", int64(from)),
		slog.Int64("recipient_id", int64(to)),
		slog.String("reason", reason))
	return id, nil
}

// DeleteReport withdraws from's report against to.
func (s *Service) DeleteReport(ctx context.Context, from, to domain.UserID) error {
	report, ok, err := s.store.FindReport(ctx, from, to)
	if err != nil {
		return fmt.Errorf("chat: find report: %w", err)
	}
	if !ok {
		return fmt.Errorf("chat: report %d->%d: %w", from, to, domain.ErrNotFound)
	}
	if err := s.store.DeleteReport(ctx, report.ID); err != nil {
		return fmt.Errorf("chat: delete report: %w", err)
	}
	return nil
}

// SessionClosed releases the status subscription held by the session's open
// conversation.
func (s *Service) SessionClosed(h *registry.Handle) {
	if with, ok := h.Viewing(); ok {
		h.ClearViewing()
		s.presence.Unsubscribe(h.UserID, with)
	}
}

// PublishExternal fans out a relationship change persisted by another
// service. Likes go through the same match re-check as local likes and
// unblocks are announced only when no block remains. Matches and status
// changes are derived here and cannot be injected.
func (s *Service) PublishExternal(ctx context.Context, ev eventbus.Event) error {
	switch e := ev.(type) {
	case eventbus.LikeCreated:
		if e.From == e.To || !e.From.Valid() || !e.To.Valid() {
			return fmt.Errorf("chat: external like %d->%d: %w", e.From, e.To, domain.ErrInvalidInput)
		}
		unlock := s.lockPair(e.From, e.To)
		defer unlock()
		s.likeCreated(ctx, e.From, e.To)
		return nil
	case eventbus.BlockDeleted:
		if e.From == e.To || !e.From.Valid() || !e.To.Valid() {
			return fmt.Errorf("chat: external unblock %d->%d: %w", e.From, e.To, domain.ErrInvalidInput)
		}
		unlock := s.lockPair(e.From, e.To)
		defer unlock()
		_, err := s.blockDeleted(ctx, e.From, e.To)
		return err
	case eventbus.MatchDetected, eventbus.StatusChanged:
		return fmt.Errorf("chat: %s cannot be published externally: %w", ev.Kind(), domain.ErrInvalidInput)
	default:
		_, err := s.bus.Publish(ctx, ev)
		return err
	}
}

// publish logs a malformed event; delivery failures never reach the caller.
func (s *Service) publish(ctx context.Context, ev eventbus.Event) {
	if _, err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Error("publish failed", slog.String("kind", string(ev.Kind())), slog.Any("error", err))
	}
}
