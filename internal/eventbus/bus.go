// Package eventbus routes domain events to the live sessions of the users
// they concern. Each event kind has a fixed target rule. Messages and likes
// addressed to a recipient who is offline, or who is not viewing the
// author's conversation, are counted by the notification aggregator instead.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/metrics"
	"github.com/heartline/realtime/internal/notify"
	"github.com/heartline/realtime/internal/protocol"
	"github.com/heartline/realtime/internal/registry"
)

const orderStripes = 256

// Registry is the subset of the connection registry the bus needs.
type Registry interface {
	SessionsFor(userID domain.UserID) []*registry.Handle
	Unregister(h *registry.Handle) bool
}

// Subscribers resolves the users subscribed to a user's status topic.
type Subscribers interface {
	SubscribersOf(user domain.UserID) []domain.UserID
}

// Report summarises one publish.
type Report struct {
	Delivered int // frames enqueued on live sessions
	Evicted   int // sessions disconnected because delivery failed
	Dropped   int // targets with no live session and no fallback
	Notified  int // notification counter increments
}

type failure struct {
	handle *registry.Handle
	cause  error
}

type publishState struct {
	Report
	failed []failure
	// offline holds counted deliveries to users without a live session.
	// Nothing is pushed for them, so they are counted after the ordering
	// stripe is released.
	offline []delivery
}

// delivery is one target user and the frame it receives.
type delivery struct {
	user  domain.UserID
	frame []byte
	// counted marks deliveries that fall back to the notification
	// aggregator when author's conversation is not being viewed.
	counted bool
	author  domain.UserID
}

// Bus is the in-process event router.
type Bus struct {
	registry Registry
	topics   Subscribers
	notify   notify.Aggregator
	logger   *slog.Logger

	order [orderStripes]sync.Mutex
}

// New creates a Bus.
func New(reg Registry, topics Subscribers, agg notify.Aggregator, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		registry: reg,
		topics:   topics,
		notify:   agg,
		logger:   logger.With(slog.String("component", "eventbus")),
	}
}

func (b *Bus) stripe(p domain.Pair) *sync.Mutex {
	h := uint64(p.Low)*0x9E3779B97F4A7C15 ^ uint64(p.High)
	return &b.order[h%orderStripes]
}

// Publish delivers ev to every live session of every target. Delivery
// failures evict the affected session and never fail the publish; an error
// is returned only for a malformed event.
func (b *Bus) Publish(ctx context.Context, ev Event) (Report, error) {
	start := time.Now()
	if err := ev.validate(); err != nil {
		return Report{}, err
	}

	deliveries, err := b.resolve(ev)
	if err != nil {
		return Report{}, err
	}

	var rep publishState
	mu := b.stripe(ev.pair())
	mu.Lock()
	for _, d := range deliveries {
		b.deliver(ctx, d, &rep)
	}
	mu.Unlock()

	for _, d := range rep.offline {
		if _, err := b.increment(ctx, d); err == nil {
			rep.Notified++
			metrics.Deliveries.WithLabelValues("notified").Inc()
		}
	}

	// Evicting unregisters the session, which may publish a status change;
	// that must happen outside the ordering stripe.
	for _, f := range rep.failed {
		b.evict(f.handle, ev.Kind(), f.cause)
	}

	metrics.EventsPublished.WithLabelValues(string(ev.Kind())).Inc()
	metrics.PublishLatency.Observe(time.Since(start).Seconds())
	return rep.Report, nil
}

func (b *Bus) deliver(ctx context.Context, d delivery, rep *publishState) {
	sessions := b.registry.SessionsFor(d.user)

	if len(sessions) == 0 {
		if d.counted {
			rep.offline = append(rep.offline, d)
			return
		}
		rep.Dropped++
		metrics.Deliveries.WithLabelValues("dropped").Inc()
		return
	}

	viewing := false
	for _, h := range sessions {
		if b.send(h, d.frame, rep) && h.IsViewing(d.author) {
			viewing = true
		}
	}

	if !d.counted || viewing {
		return
	}
	// The count frame must follow the frame it counts, so this increment
	// stays under the ordering stripe, bounded by the increment timeout.
	n, err := b.increment(ctx, d)
	if err != nil {
		return
	}
	rep.Notified++
	metrics.Deliveries.WithLabelValues("notified").Inc()

	frame, err := protocol.NewServerMessage(protocol.TypeNotificationCount, protocol.NotificationCountMsg{
		Author: int64(d.author),
		Count:  n,
	})
	if err != nil {
		b.logger.Error("encode notification count", slog.Any("error", err))
		return
	}
	for _, h := range sessions {
		b.send(h, frame, rep)
	}
}

func (b *Bus) increment(ctx context.Context, d delivery) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, domain.RedisTimeout)
	defer cancel()
	n, err := b.notify.Increment(ctx, d.user, d.author)
	if err != nil {
		b.logger.Error("notification increment failed",
			slog.Int64("recipient_id", int64(d.user)),
			slog.Int64("author_id", int64(d.author)),
			slog.Any("error", err))
	}
	return n, err
}

// send enqueues frame on h, recording the session for eviction on failure.
// It reports whether the frame was accepted.
func (b *Bus) send(h *registry.Handle, frame []byte, rep *publishState) bool {
	for _, f := range rep.failed {
		if f.handle == h {
			return false
		}
	}
	var err error
	if h.Closed() {
		err = domain.ErrTransportUnavailable
	} else {
		err = h.Send(frame)
	}
	if err != nil {
		rep.failed = append(rep.failed, failure{handle: h, cause: err})
		rep.Evicted++
		return false
	}
	rep.Delivered++
	metrics.Deliveries.WithLabelValues("delivered").Inc()
	return true
}

func (b *Bus) evict(h *registry.Handle, kind Kind, cause error) {
	if e, ok := h.Session.(registry.Evicter); ok {
		_ = e.Evict(cause)
	} else {
		_ = h.Close()
	}
	if b.registry.Unregister(h) {
		metrics.Deliveries.WithLabelValues("evicted").Inc()
		b.logger.Warn("session evicted",
			slog.String("session_id", h.ID()),
			slog.Int64("user_id", int64(h.UserID)),
			slog.String("kind", string(kind)),
			slog.Any("error", cause))
	}
}

// resolve applies the per-kind target rule and encodes each target's frame.
func (b *Bus) resolve(ev Event) ([]delivery, error) {
	var out []delivery
	add := func(user domain.UserID, msgType string, payload interface{}) error {
		frame, err := protocol.NewServerMessage(msgType, payload)
		if err != nil {
			return fmt.Errorf("eventbus: encode %s: %w", ev.Kind(), err)
		}
		out = append(out, delivery{user: user, frame: frame})
		return nil
	}

	var err error
	switch e := ev.(type) {
	case MessageSent:
		m := e.Message
		err = add(m.RecipientID, protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
			From:      int64(m.AuthorID),
			MessageID: m.ID,
			Body:      m.Body,
			Timestamp: m.Timestamp.UTC().UnixMilli(),
		})
		if err == nil {
			out[len(out)-1].counted = true
			out[len(out)-1].author = m.AuthorID
		}
	case LikeCreated:
		err = add(e.To, protocol.TypeLiked, protocol.LikedMsg{By: int64(e.From)})
		if err == nil {
			out[len(out)-1].counted = true
			out[len(out)-1].author = e.From
		}
	case LikeDeleted:
		if err = add(e.To, protocol.TypeUnliked, protocol.UnlikedMsg{By: int64(e.From)}); err == nil {
			err = add(e.From, protocol.TypeUnliked, protocol.UnlikedMsg{By: int64(e.From)})
		}
	case MatchDetected:
		if err = add(e.UserA, protocol.TypeMatched, protocol.MatchedMsg{With: int64(e.UserB)}); err == nil {
			err = add(e.UserB, protocol.TypeMatched, protocol.MatchedMsg{With: int64(e.UserA)})
		}
	case BlockCreated:
		if err = add(e.To, protocol.TypeBlocked, protocol.BlockedMsg{By: int64(e.From)}); err == nil {
			err = add(e.From, protocol.TypeBlocked, protocol.BlockedMsg{By: int64(e.From)})
		}
	case BlockDeleted:
		if err = add(e.To, protocol.TypeUnblocked, protocol.UnblockedMsg{By: int64(e.From)}); err == nil {
			err = add(e.From, protocol.TypeUnblocked, protocol.UnblockedMsg{By: int64(e.From)})
		}
	case StatusChanged:
		frame, encErr := protocol.NewServerMessage(protocol.TypeStatusChanged, protocol.StatusChangedMsg{
			User:   int64(e.User),
			Status: string(e.Status),
		})
		if encErr != nil {
			return nil, fmt.Errorf("eventbus: encode %s: %w", ev.Kind(), encErr)
		}
		for _, sub := range b.topics.SubscribersOf(e.User) {
			out = append(out, delivery{user: sub, frame: frame})
		}
	case TypingChanged:
		err = add(e.To, protocol.TypePeerTyping, protocol.PeerTypingMsg{From: int64(e.From), IsTyping: e.Typing})
	case ProfileViewed:
		err = add(e.To, protocol.TypeViewed, protocol.ViewedMsg{By: int64(e.From)})
	default:
		return nil, fmt.Errorf("eventbus: unknown event %T: %w", ev, domain.ErrInvalidInput)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
