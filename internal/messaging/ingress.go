package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/errmap"
	"github.com/heartline/realtime/internal/eventbus"
)

// Service is the part of the chat service exposed over NATS.
type Service interface {
	Authorize(ctx context.Context, actor, target domain.UserID, action domain.Action) error
	PublishExternal(ctx context.Context, ev eventbus.Event) error
}

// EventPayload is the JSON body published on relationship.events.
type EventPayload struct {
	Kind      string `json:"kind"`
	From      int64  `json:"from"`
	To        int64  `json:"to"`
	MessageID int64  `json:"message_id,omitempty"`
	Body      string `json:"body,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix millis
	Typing    bool   `json:"typing,omitempty"`
}

// AuthorizeRequest is the JSON body of a relationship.authorize request.
type AuthorizeRequest struct {
	Actor  int64  `json:"actor"`
	Target int64  `json:"target"`
	Action string `json:"action"` // message | like | view
}

// AuthorizeReply is the JSON reply to an AuthorizeRequest.
type AuthorizeReply struct {
	Allowed bool   `json:"allowed"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseAction maps an action name to a domain.Action.
func ParseAction(s string) (domain.Action, error) {
	switch s {
	case "message":
		return domain.ActionMessage, nil
	case "like":
		return domain.ActionLike, nil
	case "view":
		return domain.ActionView, nil
	default:
		return 0, fmt.Errorf("messaging: unknown action %q: %w", s, domain.ErrInvalidInput)
	}
}

// ToEvent converts a payload into a bus event.
func (p EventPayload) ToEvent() (eventbus.Event, error) {
	from, to := domain.UserID(p.From), domain.UserID(p.To)
	switch eventbus.Kind(p.Kind) {
	case eventbus.KindMessageSent:
		return eventbus.MessageSent{Message: domain.Message{
			ID:          p.MessageID,
			AuthorID:    from,
			RecipientID: to,
			Body:        p.Body,
			Timestamp:   domain.FromMillis(p.Timestamp),
		}}, nil
	case eventbus.KindLikeCreated:
		return eventbus.LikeCreated{From: from, To: to}, nil
	case eventbus.KindLikeDeleted:
		return eventbus.LikeDeleted{From: from, To: to}, nil
	case eventbus.KindBlockCreated:
		return eventbus.BlockCreated{From: from, To: to}, nil
	case eventbus.KindBlockDeleted:
		return eventbus.BlockDeleted{From: from, To: to}, nil
	case eventbus.KindTypingChanged:
		return eventbus.TypingChanged{From: from, To: to, Typing: p.Typing}, nil
	case eventbus.KindProfileViewed:
		return eventbus.ProfileViewed{From: from, To: to}, nil
	default:
		return nil, fmt.Errorf("messaging: event kind %q: %w", p.Kind, domain.ErrInvalidInput)
	}
}

// Ingress serves the NATS subjects.
type Ingress struct {
	svc     Service
	logger  *slog.Logger
	timeout time.Duration
}

// NewIngress creates an Ingress.
func NewIngress(svc Service, logger *slog.Logger) *Ingress {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{
		svc:     svc,
		logger:  logger.With(slog.String("component", "ingress")),
		timeout: domain.StoreTimeout,
	}
}

// Start subscribes to the ingress subjects.
func (in *Ingress) Start(client *NATSClient) error {
	if err := client.Subscribe(SubjectEvents, func(msg *nats.Msg) {
		if err := in.HandleEvent(msg.Data); err != nil {
			in.logger.Warn("event rejected", slog.Any("error", err))
		}
	}); err != nil {
		return err
	}
	return client.QueueSubscribe(SubjectAuthorize, QueueAuthorize, func(msg *nats.Msg) {
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(in.HandleAuthorize(msg.Data)); err != nil {
			in.logger.Warn("authorize reply failed", slog.Any("error", err))
		}
	})
}

// HandleEvent decodes and fans out one relationship.events message.
func (in *Ingress) HandleEvent(data []byte) error {
	var p EventPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("messaging: decode event: %w: %w", domain.ErrInvalidInput, err)
	}
	ev, err := p.ToEvent()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), in.timeout)
	defer cancel()
	return in.svc.PublishExternal(ctx, ev)
}

// HandleAuthorize answers one relationship.authorize request. The reply is
// always a valid AuthorizeReply.
func (in *Ingress) HandleAuthorize(data []byte) []byte {
	reply := in.authorize(data)
	out, err := json.Marshal(reply)
	if err != nil {
		// AuthorizeReply holds only strings and a bool.
		return []byte(`{"allowed":false,"code":"internal_error"}`)
	}
	return out
}

func (in *Ingress) authorize(data []byte) AuthorizeReply {
	var req AuthorizeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return deny(fmt.Errorf("decode: %w", domain.ErrInvalidInput))
	}
	action, err := ParseAction(req.Action)
	if err != nil {
		return deny(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), in.timeout)
	defer cancel()
	err = in.svc.Authorize(ctx, domain.UserID(req.Actor), domain.UserID(req.Target), action)
	if err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			in.logger.Error("authorize failed", slog.Any("error", err))
		}
		return deny(err)
	}
	return AuthorizeReply{Allowed: true}
}

func deny(err error) AuthorizeReply {
	code, msg := errmap.ToErrorCode(err)
	return AuthorizeReply{Allowed: false, Code: code, Message: msg}
}
