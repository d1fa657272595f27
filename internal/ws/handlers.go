package ws

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/heartline/realtime/internal/chat"
	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/protocol"
	"github.com/heartline/realtime/internal/ratelimit"
	"github.com/heartline/realtime/internal/registry"
)

// Chat is the chat service surface used by the WebSocket handlers.
type Chat interface {
	SendMessage(ctx context.Context, from, to domain.UserID, body string) (domain.Message, error)
	CreateLike(ctx context.Context, from, to domain.UserID) (bool, error)
	DeleteLike(ctx context.Context, from, to domain.UserID) error
	CreateBlock(ctx context.Context, from, to domain.UserID) error
	DeleteBlock(ctx context.Context, from, to domain.UserID) (bool, error)
	OpenConversation(ctx context.Context, h *registry.Handle, with domain.UserID) (chat.Conversation, error)
	CloseConversation(ctx context.Context, h *registry.Handle, with domain.UserID) error
	Typing(ctx context.Context, from, to domain.UserID, typing bool) error
	ViewProfile(ctx context.Context, from, to domain.UserID) error
	CreateReport(ctx context.Context, from, to domain.UserID, reason string) (int64, error)
	DeleteReport(ctx context.Context, from, to domain.UserID) error
	SessionClosed(h *registry.Handle)
}

// Sessions is the connection registry.
type Sessions interface {
	Register(userID domain.UserID, s registry.Session) *registry.Handle
	Unregister(h *registry.Handle) bool
}

// Directory mirrors sessions into the cross-node session directory.
type Directory interface {
	Create(ctx context.Context, sessionID string, userID domain.UserID) error
	RefreshTTL(ctx context.Context, sessionID string, userID domain.UserID) error
	Delete(ctx context.Context, sessionID string, userID domain.UserID) error
}

// Limiter is a per-user rate limiter.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

// RateRules are the limits applied by the handlers.
type RateRules struct {
	Message ratelimit.Rule
	Like    ratelimit.Rule
	Connect ratelimit.Rule
}

// DefaultRateRules returns the ratelimit package defaults.
func DefaultRateRules() RateRules {
	return RateRules{
		Message: ratelimit.RuleMessage,
		Like:    ratelimit.RuleLike,
		Connect: ratelimit.RuleConnect,
	}
}

// RateLimitError reports a rejected action and when it may be retried.
type RateLimitError struct {
	Rule       string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %s, retry after %s", e.Rule, domain.ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return domain.ErrRateLimited }

// RetrySeconds rounds RetryAfter up to whole seconds, at least one.
func (e *RateLimitError) RetrySeconds() int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// Handlers binds client messages and connection lifecycle events to the chat
// service and the registry.
type Handlers struct {
	chat      Chat
	sessions  Sessions
	directory Directory
	limiter   Limiter
	rules     RateRules
	logger    *slog.Logger
	timeout   time.Duration
}

// HandlersOption configures Handlers.
type HandlersOption func(*Handlers)

// WithDirectory mirrors sessions into d.
func WithDirectory(d Directory) HandlersOption {
	return func(h *Handlers) { h.directory = d }
}

// WithLimiter rate limits messages, likes and connection attempts.
func WithLimiter(l Limiter, rules RateRules) HandlersOption {
	return func(h *Handlers) {
		h.limiter = l
		h.rules = rules
	}
}

// WithHandlersLogger sets the logger.
func WithHandlersLogger(l *slog.Logger) HandlersOption {
	return func(h *Handlers) { h.logger = l }
}

// NewHandlers creates Handlers.
func NewHandlers(svc Chat, sessions Sessions, opts ...HandlersOption) *Handlers {
	h := &Handlers{
		chat:     svc,
		sessions: sessions,
		rules:    DefaultRateRules(),
		logger:   slog.Default(),
		timeout:  domain.RedisTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(slog.String("component", "handlers"))
	return h
}

// Bind registers the lifecycle hooks on s and the message handlers on d.
func (h *Handlers) Bind(s *Server, d *MessageDispatcher) {
	s.SetAdmission(h.Admit)
	s.SetOnConnect(h.OnConnect)
	s.SetOnDisconnect(h.OnDisconnect)
	s.SetOnHeartbeat(h.OnHeartbeat)

	d.Register(protocol.TypeSendMessage, h.sendMessage)
	d.Register(protocol.TypeCreateLike, h.createLike)
	d.Register(protocol.TypeDeleteLike, h.deleteLike)
	d.Register(protocol.TypeCreateBlock, h.createBlock)
	d.Register(protocol.TypeDeleteBlock, h.deleteBlock)
	d.Register(protocol.TypeOpenConversation, h.openConversation)
	d.Register(protocol.TypeCloseConversation, h.closeConversation)
	d.Register(protocol.TypeTyping, h.typing)
	d.Register(protocol.TypeViewProfile, h.viewProfile)
	d.Register(protocol.TypeCreateReport, h.createReport)
	d.Register(protocol.TypeDeleteReport, h.deleteReport)
}

// Admit applies the connection rate limit.
func (h *Handlers) Admit(ctx context.Context, userID domain.UserID) error {
	return h.limit(ctx, userID, h.rules.Connect)
}

// OnConnect sends session_created and registers the connection with the
// session directory and the registry. session_created is always the first
// frame of a connection.
func (h *Handlers) OnConnect(c *Connection) error {
	if err := reply(c, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: c.ID(),
		UserID:    int64(c.UserID),
	}); err != nil {
		return err
	}

	if h.directory != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if err := h.directory.Create(ctx, c.ID(), c.UserID); err != nil {
			h.logger.Warn("session directory create failed", slog.String("session_id", c.ID()), slog.Any("error", err))
		}
	}

	handle := h.sessions.Register(c.UserID, c)
	c.setHandle(handle)
	if c.Closed() {
		// Closed before the handle was visible to OnDisconnect.
		h.sessions.Unregister(handle)
	}
	return nil
}

// OnDisconnect removes the connection from the registry, releases its
// conversation subscription and drops it from the session directory.
func (h *Handlers) OnDisconnect(c *Connection) {
	handle := c.Handle()
	if handle == nil {
		return
	}
	h.sessions.Unregister(handle)
	h.chat.SessionClosed(handle)

	if h.directory != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if err := h.directory.Delete(ctx, c.ID(), c.UserID); err != nil {
			h.logger.Warn("session directory delete failed", slog.String("session_id", c.ID()), slog.Any("error", err))
		}
	}
}

// OnHeartbeat refreshes the connection's session directory entry.
func (h *Handlers) OnHeartbeat(c *Connection) {
	if h.directory == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.directory.RefreshTTL(ctx, c.ID(), c.UserID); err != nil {
		h.logger.Warn("session directory refresh failed", slog.String("session_id", c.ID()), slog.Any("error", err))
	}
}

// limit returns a *RateLimitError when userID exceeded rule. Limiter errors
// fail open.
func (h *Handlers) limit(ctx context.Context, userID domain.UserID, rule ratelimit.Rule) error {
	if h.limiter == nil || rule.Limit <= 0 {
		return nil
	}
	d, err := h.limiter.Allow(ctx, userID.String(), rule)
	if err != nil || d.Allowed {
		return nil
	}
	return &RateLimitError{Rule: rule.Name, RetryAfter: d.RetryAfter}
}

func ack(c *Connection, action string, target domain.UserID) error {
	return reply(c, protocol.TypeAck, protocol.AckMsg{Action: action, Target: int64(target)})
}

func (h *Handlers) sendMessage(ctx context.Context, c *Connection, msg interface{}) error {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return domain.ErrInvalidInput
	}
	if err := h.limit(ctx, c.UserID, h.rules.Message); err != nil {
		return err
	}
	to := domain.UserID(m.To)
	sent, err := h.chat.SendMessage(ctx, c.UserID, to, m.Body)
	if err != nil {
		return err
	}
	return reply(c, protocol.TypeMessageSent, protocol.MessageSentMsg{
		To:        int64(to),
		MessageID: sent.ID,
		Timestamp: sent.Timestamp.UnixMilli(),
	})
}

func (h *Handlers) createLike(ctx context.Context, c *Connection, msg interface{}) error {
	m, ok := msg.(protocol.CreateLikeMsg)
	if !ok {
		return domain.ErrInvalidInput
	}
	if err := h.limit(ctx, c.UserID, h.rules.Like); err != nil {
		return err
	}
	if _, err := h.chat.CreateLike(ctx, c.UserID, domain.UserID(m.To)); err != nil {
		return err
	}
	return ack(c, protocol.TypeCreateLike, domain.UserID(m.To))
}

func (h *Handlers) deleteLike(ctx context.Context, c *Connection, msg interface{}) error {
	m, ok := msg.(protocol.DeleteLikeMsg)
	if !ok {
		return domain.ErrInvalidInput
	}
	if err := h.chat.DeleteLike(ctx, c.UserID, domain.UserID(m.To)); err != nil {
		return err
	}
	return ack(c, protocol.TypeDeleteLike, domain.UserID(m.To))
}

func (h *Handlers) createBlock(ctx context.Context, c *Connection, msg interface{}) error {
	m, ok := msg.(protocol.CreateBlockMsg)
	if !ok {
		return domain.ErrInvalidInput
	}
	if err := h.chat.CreateBlock(ctx, c.UserID, domain.UserID(m.To)); err != nil {
		return err
	}
	return ack(c, protocol.TypeCreateBlock, domain.UserID(m.To))
}

func (h *Handlers) deleteBlock(ctx context.Context, c *Connection, msg interface{}) error {
	m, ok := msg.(protocol.DeleteBlockMsg)
	if !ok {
		return domain.ErrInvalidInput
	}
	if _, err := h.chat.DeleteBlock(ctx, c.UserID, domain.UserID(m.To)); err != nil {
		return err
	}
	return ack(c, protocol.TypeDeleteBlock, domain.UserID(m.To))
}

func (h *Handlers) openConversation(ctx context.Context, c *Connection, msg interface{}) error {
	m, ok := msg.(protocol.OpenConversationMsg)
	if !ok {
		return domain.ErrInvalidInput
	}
	handle := c.Handle()
	if handle == nil {
		return domain.ErrTransportUnavailable
	}
	conv, err := h.chat.OpenConversation(ctx, handle, domain.UserID(m.With))
	if err != nil {
		return err
	}

	history := make([]protocol.HistoryEntry, 0, len(conv.Messages))
	for _, entry := range conv.Messages {
		history = append(history, protocol.HistoryEntry{
			ID:        entry.ID,
			From:      int64(entry.AuthorID),
			To:        int64(entry.RecipientID),
			Body:      entry.Body,
			Timestamp: entry.Timestamp.UnixMilli(),
		})
	}
	return reply(c, protocol.TypeConversation, protocol.ConversationMsg{
		With:     int64(conv.With),
		Status:   string(conv.Status),
		Blocked:  conv.Blocked,
		Matched:  conv.Matched,
		Messages: history,
	})
}

func (h *Handlers) closeConversation(ctx context.Context, c *Connection, msg interface{}) error {
	m, ok := msg.(protocol.CloseConversationMsg)
	if !ok {
		return domain.ErrInvalidInput
	}
	handle := c.Handle()
	if handle == nil {
		return domain.ErrTransportUnavailable
	}
	if err := h.chat.CloseConversation(ctx, handle, domain.UserID(m.With)); err != nil {
		return err
	}
	return ack(c, protocol.TypeCloseConversation, domain.UserID(m.With))
}

func (h *Handlers) typing(ctx context.Context, c *Connection, msg interface{}) error {
	m, ok := msg.(protocol.TypingMsg)
	if !ok {
		return domain.ErrInvalidInput
	}
	return h.chat.Typing(ctx, c.UserID, domain.UserID(m.To), m.IsTyping)
}

func (h *Handlers) viewProfile(ctx context.Context, c *Connection, msg interface{}) error {
	m, ok := msg.(protocol.ViewProfileMsg)
	if !ok {
		return domain.ErrInvalidInput
	}
	return h.chat.ViewProfile(ctx, c.UserID, domain.UserID(m.To))
}

func (h *Handlers) createReport(ctx context.Context, c *Connection, msg interface{}) error {
	m, ok := msg.(protocol.CreateReportMsg)
	if !ok {
		return domain.ErrInvalidInput
	}
	if _, err := h.chat.CreateReport(ctx, c.UserID, domain.UserID(m.To), m.Reason); err != nil {
		return err
	}
	return ack(c, protocol.TypeCreateReport, domain.UserID(m.To))
}

func (h *Handlers) deleteReport(ctx context.Context, c *Connection, msg interface{}) error {
	m, ok := msg.(protocol.DeleteReportMsg)
	if !ok {
		return domain.ErrInvalidInput
	}
	if err := h.chat.DeleteReport(ctx, c.UserID, domain.UserID(m.To)); err != nil {
		return err
	}
	return ack(c, protocol.TypeDeleteReport, domain.UserID(m.To))
}
