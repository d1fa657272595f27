package eventbus

import (
	"fmt"

	"github.com/heartline/realtime/internal/domain"
)

// Kind enumerates the events the bus routes.
type Kind string

const (
	KindMessageSent   Kind = "message_sent"
	KindLikeCreated   Kind = "like_created"
	KindLikeDeleted   Kind = "like_deleted"
	KindMatchDetected Kind = "match_detected"
	KindBlockCreated  Kind = "block_created"
	KindBlockDeleted  Kind = "block_deleted"
	KindStatusChanged Kind = "status_changed"
	KindTypingChanged Kind = "typing_changed"
	KindProfileViewed Kind = "profile_viewed"
)

// Event is a domain event. The set of implementations is closed.
type Event interface {
	Kind() Kind
	// pair returns the ordering key; events with the same pair are
	// delivered to a session in publish order.
	pair() domain.Pair
	validate() error
}

// MessageSent carries a persisted message to its recipient.
type MessageSent struct {
	Message domain.Message
}

// LikeCreated is published after a like is persisted.
type LikeCreated struct {
	From, To domain.UserID
}

// LikeDeleted is published after a like is withdrawn.
type LikeDeleted struct {
	From, To domain.UserID
}

// MatchDetected is published when a like completes a mutual pair.
type MatchDetected struct {
	UserA, UserB domain.UserID
}

// BlockCreated is published after a block is persisted.
type BlockCreated struct {
	From, To domain.UserID
}

// BlockDeleted is published when no block remains between the pair.
type BlockDeleted struct {
	From, To domain.UserID
}

// StatusChanged reports a presence transition to topic subscribers.
type StatusChanged struct {
	User   domain.UserID
	Status domain.Status
}

// TypingChanged relays a typing indicator.
type TypingChanged struct {
	From, To domain.UserID
	Typing   bool
}

// ProfileViewed tells the recipient that their profile was viewed.
type ProfileViewed struct {
	From, To domain.UserID
}

func (MessageSent) Kind() Kind   { return KindMessageSent }
func (LikeCreated) Kind() Kind   { return KindLikeCreated }
func (LikeDeleted) Kind() Kind   { return KindLikeDeleted }
func (MatchDetected) Kind() Kind { return KindMatchDetected }
func (BlockCreated) Kind() Kind  { return KindBlockCreated }
func (BlockDeleted) Kind() Kind  { return KindBlockDeleted }
func (StatusChanged) Kind() Kind { return KindStatusChanged }
func (TypingChanged) Kind() Kind { return KindTypingChanged }
func (ProfileViewed) Kind() Kind { return KindProfileViewed }

func (e MessageSent) pair() domain.Pair {
	return domain.PairOf(e.Message.AuthorID, e.Message.RecipientID)
}
func (e LikeCreated) pair() domain.Pair   { return domain.PairOf(e.From, e.To) }
func (e LikeDeleted) pair() domain.Pair   { return domain.PairOf(e.From, e.To) }
func (e MatchDetected) pair() domain.Pair { return domain.PairOf(e.UserA, e.UserB) }
func (e BlockCreated) pair() domain.Pair  { return domain.PairOf(e.From, e.To) }
func (e BlockDeleted) pair() domain.Pair  { return domain.PairOf(e.From, e.To) }
func (e StatusChanged) pair() domain.Pair { return domain.PairOf(e.User, e.User) }
func (e TypingChanged) pair() domain.Pair { return domain.PairOf(e.From, e.To) }
func (e ProfileViewed) pair() domain.Pair { return domain.PairOf(e.From, e.To) }

func validPair(k Kind, a, b domain.UserID) error {
	if !a.Valid() || !b.Valid() || a == b {
		return fmt.Errorf("eventbus: %s %d->%d: %w", k, a, b, domain.ErrInvalidInput)
	}
	return nil
}

func (e MessageSent) validate() error {
	return validPair(e.Kind(), e.Message.AuthorID, e.Message.RecipientID)
}
func (e LikeCreated) validate() error   { return validPair(e.Kind(), e.From, e.To) }
func (e LikeDeleted) validate() error   { return validPair(e.Kind(), e.From, e.To) }
func (e MatchDetected) validate() error { return validPair(e.Kind(), e.UserA, e.UserB) }
func (e BlockCreated) validate() error  { return validPair(e.Kind(), e.From, e.To) }
func (e BlockDeleted) validate() error  { return validPair(e.Kind(), e.From, e.To) }
func (e TypingChanged) validate() error { return validPair(e.Kind(), e.From, e.To) }
func (e ProfileViewed) validate() error { return validPair(e.Kind(), e.From, e.To) }

func (e StatusChanged) validate() error {
	if !e.User.Valid() || (e.Status != domain.StatusOnline && e.Status != domain.StatusOffline) {
		return fmt.Errorf("eventbus: status %d %q: %w", e.User, e.Status, domain.ErrInvalidInput)
	}
	return nil
}
