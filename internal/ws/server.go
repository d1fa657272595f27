// Package ws is the WebSocket edge of the realtime engine. It upgrades HTTP
// connections, tracks live connections with epoll readiness, dispatches
// inbound frames to the chat handlers and writes outbound frames through a
// bounded per-connection outbox.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/errmap"
	"github.com/heartline/realtime/internal/metrics"
)

const (
	// MaxFrameBytes caps the payload of a single inbound frame.
	MaxFrameBytes = 64 << 10

	pollTimeout = 200 * time.Millisecond
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	OutboxSize     int           // per-connection outbound queue capacity
	UserHeader     string        // request header carrying the authenticated user id
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		OutboxSize:     domain.OutboundBufferSize,
		UserHeader:     "X-User-ID",
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. Upgraded
// connections are registered with epoll and ready connections are read by a
// bounded worker pool, one frame at a time per connection.
type Server struct {
	config     ServerConfig
	logger     *slog.Logger
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers

	onMessage    func(conn *Connection, data []byte)
	admit        func(ctx context.Context, userID domain.UserID) error
	onConnect    func(conn *Connection) error
	onDisconnect func(conn *Connection)
	onHeartbeat  func(conn *Connection)

	httpServer *http.Server
	mux        *http.ServeMux
	muxOnce    sync.Once
	done       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	startedAt  time.Time // server start time for uptime calculation
}

// NewServer creates a Server. onMessage is called from a worker goroutine for
// every complete data frame; frames of one connection are never handled
// concurrently.
func NewServer(config ServerConfig, logger *slog.Logger, onMessage func(conn *Connection, data []byte)) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.UserHeader == "" {
		config.UserHeader = DefaultServerConfig().UserHeader
	}
	s := &Server{
		config:     config,
		logger:     logger.With(slog.String("component", "ws")),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetAdmission registers a check run before a request is upgraded. An error
// wrapping domain.ErrRateLimited rejects the request with 429.
func (s *Server) SetAdmission(fn func(ctx context.Context, userID domain.UserID) error) {
	s.admit = fn
}

// SetOnConnect registers a callback invoked after the upgrade and before the
// connection is read from. A returned error closes the connection.
func (s *Server) SetOnConnect(fn func(conn *Connection) error) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked once when a connection is
// removed, whatever the cause.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetOnHeartbeat registers a callback invoked for every live connection on
// each heartbeat tick.
func (s *Server) SetOnHeartbeat(fn func(conn *Connection)) {
	s.onHeartbeat = fn
}

// Handler returns the HTTP handler serving /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	s.muxOnce.Do(func() {
		s.mux = http.NewServeMux()
		s.mux.HandleFunc("/ws", s.handleUpgrade)
		s.mux.HandleFunc("/health", s.handleHealth)
		s.mux.Handle("/metrics", metrics.Handler())
	})
	return s.mux
}

// Open creates the epoll instance and starts the event loop and heartbeat.
// Start calls it; tests that serve Handler themselves call it directly.
func (s *Server) Open() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.startEventLoop()
	}()
	s.startHeartbeat(s.config.Heartbeat)
	return nil
}

// Start opens the server and blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	if err := s.Open(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve blocks serving HTTP on ListenAddr until Shutdown. Open must have
// been called.
func (s *Server) Serve() error {
	s.logger.Info("server listening",
		slog.String("addr", s.config.ListenAddr),
		slog.Int("workers", s.config.WorkerPoolSize),
		slog.Int("max_conns", s.config.MaxConnections),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, upgrades it to a WebSocket
// connection and registers the connection with the application and epoll.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	userID, err := domain.ParseUserID(r.Header.Get(s.config.UserHeader))
	if err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	if s.admit != nil {
		if err := s.admit(r.Context(), userID); err != nil {
			var rl *RateLimitError
			if errors.As(err, &rl) {
				w.Header().Set("Retry-After", strconv.Itoa(rl.RetrySeconds()))
			}
			if errors.Is(err, domain.ErrRateLimited) {
				http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
				return
			}
			s.logger.Error("admission failed", slog.Int64("user_id", int64(userID)), slog.Any("error", err))
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("upgrade failed", slog.Any("error", err))
		return
	}
	select {
	case <-s.done:
		_ = conn.Close()
		return
	default:
	}

	c := newConnection(uuid.New().String(), userID, conn, s.config.OutboxSize, s.config.WriteTimeout)
	c.onClose = s.cleanup
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writeLoop()
	}()

	if s.onConnect != nil {
		if err := s.onConnect(c); err != nil {
			s.logger.Warn("connect rejected", slog.String("session_id", c.ID()), slog.Any("error", err))
			_ = c.CloseWith(errmap.ToWebSocketClose(err))
			return
		}
	}

	if err := s.epoll.Add(conn); err != nil {
		s.logger.Error("epoll add failed", slog.String("session_id", c.ID()), slog.Any("error", err))
		_ = c.CloseWith(errmap.ToWebSocketClose(err))
		return
	}

	s.logger.Debug("new connection",
		slog.String("session_id", c.ID()),
		slog.Int64("user_id", int64(userID)),
		slog.Int("total", s.conns.Count()),
	)
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. Each ready connection is handed
// to a worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait(pollTimeout)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error("epoll wait failed", slog.Any("error", err))
			continue
		}

		for _, conn := range conns {
			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}

			conn := conn
			s.wg.Add(1)
			go func() {
				defer func() {
					<-s.workerPool
					s.wg.Done()
				}()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single frame from a ready connection. Control frames
// are answered in place; a read failure removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		if !c.Closed() {
			s.epoll.Rearm(netConn)
		}
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		_ = c.Close()
		return
	}

	if header.Length > MaxFrameBytes || !header.Fin {
		_ = c.CloseWith(errmap.CloseProtocolViolation)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			_ = c.Close()
			return
		}
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.touch()

	switch header.OpCode {
	case ws.OpClose:
		_ = c.CloseWith(errmap.CloseClientDisconnect)
		return
	case ws.OpPing:
		_ = c.writeFrame(ws.NewPongFrame(data))
		return
	case ws.OpPong:
		return
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection closes the connection and releases everything held for
// it. It is safe to call from any goroutine and more than once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = c.Close()
}

// cleanup runs once per connection when it is closed. The connection leaves
// epoll before its socket is closed so a reused fd is never unregistered.
func (s *Server) cleanup(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	_ = c.Conn.Close()

	if !s.conns.Remove(c.ID()) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.logger.Debug("connection closed",
		slog.String("session_id", c.ID()),
		slog.Int("total", s.conns.Count()),
	)
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, closes every connection with a going-away
// close frame and waits for the event loop, workers and writers to exit.
// Only the first call has any effect.
func (s *Server) Shutdown(ctx context.Context) error {
	first := false
	s.stopOnce.Do(func() {
		first = true
		close(s.done)
	})
	if !first {
		return nil
	}
	s.logger.Info("shutting down server")

	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("ws: http shutdown: %w", err)
	}

	for _, c := range s.conns.All() {
		_ = c.CloseWith(errmap.CloseServerShutdown)
	}

	stopped := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = fmt.Errorf("ws: shutdown: %w", ctx.Err())
		}
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	s.logger.Info("server stopped")
	return firstErr
}
