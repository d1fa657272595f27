package ws

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/errmap"
	"github.com/heartline/realtime/internal/protocol"
)

// MessageHandler handles one parsed client message. The msg parameter is the
// concrete struct returned by protocol.ParseClientMessage (e.g.,
// protocol.SendMessageMsg). A returned error is reported to the client as an
// error frame.
type MessageHandler func(ctx context.Context, conn *Connection, msg interface{}) error

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping and disconnect itself and
// converts handler errors into error or rate_limited frames.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   *slog.Logger
	tracer   trace.Tracer
	timeout  time.Duration
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(logger *slog.Logger) *MessageDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger.With(slog.String("component", "dispatcher")),
		tracer:   otel.Tracer("github.com/heartline/realtime/internal/ws"),
		timeout:  domain.StoreTimeout,
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			d.logger.Debug("unsupported message type", slog.String("type", msgType), slog.String("session_id", conn.ID()))
			d.sendError(conn, errmap.CodeUnsupportedType, "unsupported message type")
			return
		}
		d.logger.Debug("parse error", slog.String("session_id", conn.ID()), slog.Any("error", err))
		d.sendError(conn, errmap.CodeParseError, "invalid message format")
		return
	}

	switch msgType {
	case protocol.TypePing:
		d.send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	case protocol.TypeDisconnect:
		_ = conn.CloseWith(errmap.CloseClientDisconnect)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.sendError(conn, errmap.CodeUnsupportedType, "unsupported message type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	ctx, span := d.tracer.Start(ctx, "ws."+msgType, trace.WithAttributes(
		attribute.Int64("user_id", int64(conn.UserID)),
		attribute.String("session_id", conn.ID()),
	))
	defer span.End()

	if err := handler(ctx, conn, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.handleError(conn, msgType, err)
	}
}

func (d *MessageDispatcher) handleError(conn *Connection, msgType string, err error) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		d.send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: rl.RetrySeconds()})
		return
	}

	code, message := errmap.ToErrorCode(err)
	switch code {
	case errmap.CodeStoreUnavailable, errmap.CodeInternal:
		d.logger.Error("handler failed",
			slog.String("type", msgType),
			slog.String("session_id", conn.ID()),
			slog.Any("error", err),
		)
	default:
		d.logger.Debug("request refused",
			slog.String("type", msgType),
			slog.String("session_id", conn.ID()),
			slog.String("code", code),
		)
	}
	d.sendError(conn, code, message)
}

// sendError sends a structured error message back to the client.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	d.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *MessageDispatcher) send(conn *Connection, msgType string, payload interface{}) {
	if err := reply(conn, msgType, payload); err != nil {
		d.logger.Debug("reply failed",
			slog.String("type", msgType),
			slog.String("session_id", conn.ID()),
			slog.Any("error", err),
		)
	}
}

// reply encodes payload as a msgType server message and queues it on conn.
// A full outbox closes the connection.
func reply(conn *Connection, msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	if err := conn.Send(data); err != nil {
		if errors.Is(err, domain.ErrSlowConsumer) {
			_ = conn.CloseWith(errmap.ToWebSocketClose(err))
		}
		return err
	}
	return nil
}
