//go:build !linux

package ws

import (
	"net"
	"sync"
	"time"
)

// Epoll is a polling fallback for platforms without epoll. Every registered
// connection is reported ready and re-queued by Rearm once its read returns,
// so a connection occupies a worker for up to the read timeout.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and queues it for its first read.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	e.Rearm(conn)
	return nil
}

// Rearm queues a registered connection for another read.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.RLock()
	_, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}
	go func() {
		select {
		case e.readyCh <- conn:
		case <-e.done:
		}
	}()
}

// Remove unregisters a connection.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait returns the queued connections, blocking for at most timeout.
func (e *Epoll) Wait(timeout time.Duration) ([]net.Conn, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-timer.C:
		return nil, nil
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]struct{})
	e.mu.Unlock()
	return nil
}
