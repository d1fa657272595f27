package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/errmap"
	"github.com/heartline/realtime/internal/registry"
)

// Connection is one WebSocket client connection. Outbound frames are queued
// on a bounded outbox and written by a single writer goroutine; Send never
// blocks.
type Connection struct {
	id        string        // session ID (UUID)
	UserID    domain.UserID // authenticated owner
	Conn      net.Conn      // underlying TCP connection
	CreatedAt time.Time     // when the connection was established

	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes writes to this connection
	outbox       chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	closed       atomic.Bool
	onClose      func(*Connection)

	lastActive atomic.Int64 // unix nanos of the last frame read
	processing int32        // atomic flag: 0 = idle, 1 = being read by handleConn
	handle     atomic.Pointer[registry.Handle]
}

var _ registry.Session = (*Connection)(nil)

func newConnection(id string, userID domain.UserID, conn net.Conn, outboxSize int, writeTimeout time.Duration) *Connection {
	if outboxSize <= 0 {
		outboxSize = domain.OutboundBufferSize
	}
	now := time.Now()
	c := &Connection{
		id:           id,
		UserID:       userID,
		Conn:         conn,
		CreatedAt:    now,
		writeTimeout: writeTimeout,
		outbox:       make(chan []byte, outboxSize),
		done:         make(chan struct{}),
	}
	c.lastActive.Store(now.UnixNano())
	return c
}

// ID implements registry.Session.
func (c *Connection) ID() string { return c.id }

// Handle returns the registry handle of this connection, or nil before the
// connection has been registered.
func (c *Connection) Handle() *registry.Handle { return c.handle.Load() }

func (c *Connection) setHandle(h *registry.Handle) { c.handle.Store(h) }

// Send queues a text frame for the writer. It returns domain.ErrSlowConsumer
// when the outbox is full and domain.ErrTransportUnavailable once the
// connection is closed.
func (c *Connection) Send(frame []byte) error {
	if c.closed.Load() {
		return domain.ErrTransportUnavailable
	}
	select {
	case c.outbox <- frame:
		return nil
	default:
		return domain.ErrSlowConsumer
	}
}

// Close implements registry.Session. It is safe to call more than once.
func (c *Connection) Close() error {
	return c.CloseWith(errmap.WebSocketClose{})
}

// CloseWith sends a close frame carrying reason, when it has a code, and
// tears the connection down. Only the first call has any effect.
func (c *Connection) CloseWith(reason errmap.WebSocketClose) error {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.closed.Store(true)
		close(c.done)
	})
	if !first {
		return nil
	}

	if reason.Code != 0 {
		body := ws.NewCloseFrameBody(ws.StatusCode(reason.Code), reason.Reason)
		_ = c.writeFrame(ws.NewCloseFrame(body))
	}
	if c.onClose != nil {
		c.onClose(c)
		return nil
	}
	return c.Conn.Close()
}

// Evict implements registry.Evicter. The close frame carries the code for
// cause.
func (c *Connection) Evict(cause error) error {
	return c.CloseWith(errmap.ToWebSocketClose(cause))
}

// Closed implements registry.Session.
func (c *Connection) Closed() bool { return c.closed.Load() }

// LastActive returns when a frame was last read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) touch() { c.lastActive.Store(time.Now().UnixNano()) }

// writeLoop drains the outbox until the connection is closed. A failed write
// closes the connection.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.outbox:
			if err := c.WriteMessage(frame); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// WriteMessage writes a WebSocket text frame directly, bypassing the outbox.
// The write mutex ensures that concurrent goroutines do not interleave frame
// bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	err := ws.WriteFrame(c.Conn, f)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// ConnectionManager is a thread-safe index of live connections by session ID
// and by the underlying net.Conn reported by epoll.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // session_id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID()] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by session ID. Returns true if the connection
// was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping the given net.Conn, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
