package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/registry"
)

// Conversation is the snapshot returned when a session opens a conversation.
type Conversation struct {
	With     domain.UserID
	Status   domain.Status
	Blocked  bool
	Matched  bool
	Messages []domain.Message
}

// OpenConversation marks the session as viewing with, clears the unread
// counter for with, subscribes to with's status and returns the current
// conversation state. A blocked pair yields an empty history.
func (s *Service) OpenConversation(ctx context.Context, h *registry.Handle, with domain.UserID) (Conversation, error) {
	me := h.UserID
	if !with.Valid() {
		return Conversation{}, fmt.Errorf("chat: open %d: %w", with, domain.ErrInvalidInput)
	}
	if me == with {
		return Conversation{}, fmt.Errorf("chat: open %d: %w", with, domain.ErrSelfAction)
	}

	conv := Conversation{With: with}
	err := s.gate.Authorize(ctx, me, with, domain.ActionView)
	switch {
	case errors.Is(err, domain.ErrRelationshipDenied):
		conv.Blocked = true
	case err != nil:
		return Conversation{}, err
	default:
		msgs, err := s.store.MessagesBetween(ctx, me, with)
		if err != nil {
			return Conversation{}, fmt.Errorf("chat: history: %w", err)
		}
		conv.Messages = msgs
		if conv.Matched, err = s.IsMatch(ctx, me, with); err != nil {
			return Conversation{}, fmt.Errorf("chat: match: %w", err)
		}
	}

	// Switching conversations releases the previous subscription.
	if prev, ok := h.Viewing(); ok && prev != with {
		s.presence.Unsubscribe(me, prev)
	}
	if !h.IsViewing(with) {
		s.presence.Subscribe(me, with)
	}
	h.SetViewing(with)

	if err := s.notify.Reset(ctx, me, with); err != nil {
		s.logger.Warn("notification reset failed",
			slog.Int64("recipient_id", int64(me)),
			slog.Int64("author_id", int64(with)),
			slog.Any("error", err))
	}

	conv.Status = s.presence.Status(ctx, with)
	return conv, nil
}

// CloseConversation clears the session's viewing state if it is viewing with.
func (s *Service) CloseConversation(_ context.Context, h *registry.Handle, with domain.UserID) error {
	if !h.IsViewing(with) {
		return fmt.Errorf("chat: conversation %d not open: %w", with, domain.ErrNotFound)
	}
	h.ClearViewing()
	s.presence.Unsubscribe(h.UserID, with)
	return nil
}
