// Package server manages individual client sessions: the serialized outbound
// send path and the background reader that turns inbound frames into
// dispatcher events.
package server

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jmordane/huddle/internal/protocol"
)

const (
	// writeWait bounds a single outbound write.
	writeWait = 10 * time.Second
	// pongWait is how long the connection may stay silent before the read
	// deadline trips and the session is treated as dead.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait so pings keep the deadline
	// refreshed on idle but healthy connections.
	pingPeriod = 54 * time.Second
)

// wire is the subset of *websocket.Conn the session relies on. Tests swap in
// a stub to script delivery failures.
type wire interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// event is one client-originated occurrence, tagged with the connection it
// came from. The tag is assigned here, never taken from the payload.
type event struct {
	clientID uuid.UUID
	request  protocol.Request
}

// Session wraps one client's duplex channel. It owns the only outbound send
// path for that client; writes are serialized by a mutex because the
// underlying channel does not support interleaved writes.
type Session struct {
	id   uuid.UUID
	conn wire
	addr string

	// name is mutated and read exclusively by the dispatcher goroutine, so
	// the total ordering of events is its only synchronization.
	name string

	writeMu   sync.Mutex
	limiter   *rateLimiter
	maxFrame  int64
	events    chan<- event
	done      chan struct{}
	closeOnce sync.Once
}

// newSession wraps conn into a session feeding the given event queue. The
// caller registers the session and starts its pumps.
func newSession(id uuid.UUID, conn wire, addr string, cfg Config, events chan<- event) *Session {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	return &Session{
		id:       id,
		conn:     conn,
		addr:     addr,
		limiter:  newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		maxFrame: cfg.MaxMessageSize,
		events:   events,
		done:     make(chan struct{}),
	}
}

// ID returns the session's connection identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Name returns the display name, or "" while unset. Dispatcher-only.
func (s *Session) Name() string { return s.name }

func (s *Session) setName(name string) { s.name = name }

// Send writes one rendered response frame. Concurrent callers are serialized;
// an error means the channel is no longer usable and the caller should treat
// the session as dead.
func (s *Session) Send(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close shuts the underlying channel and stops the ping loop. Safe to call
// more than once; removal paths and shutdown may race to it.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing connection from %s: %v", s.addr, err)
		}
	})
}

// readLoop is the session's companion reader task: it decodes inbound frames
// into typed requests and forwards them to the dispatcher queue. It is the
// sole producer of events for this connection, which preserves per-connection
// ordering. Channel closure or a transport error synthesizes a disconnect
// event and ends the loop.
func (s *Session) readLoop(ctx context.Context) {
	defer s.Close()

	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("Error setting read deadline for %s: %v", s.addr, err)
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			s.enqueue(ctx, protocol.DisconnectedRequest{})
			return
		}

		if !s.limiter.allow() {
			log.Printf("Rate limit exceeded for %s; discarding frame", s.addr)
			continue
		}

		req, err := protocol.DecodeRequest(raw)
		if err != nil {
			// Malformed frames are dropped; only channel-level failures
			// disconnect the client.
			log.Printf("Dropping malformed frame from %s: %v", s.addr, err)
			continue
		}

		if !s.enqueue(ctx, req) {
			return
		}
	}
}

// enqueue pushes one event onto the dispatcher queue, giving up only when the
// service is shutting down. Reports whether the event was queued.
func (s *Session) enqueue(ctx context.Context, req protocol.Request) bool {
	select {
	case s.events <- event{clientID: s.id, request: req}:
		return true
	case <-ctx.Done():
		return false
	}
}

// pingLoop keeps otherwise idle connections verifiable. A failed ping is not
// acted on directly; the read deadline expiring surfaces the dead channel
// through the normal disconnect path.
func (s *Session) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err == nil {
				if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					s.writeMu.Unlock()
					log.Printf("Ping to %s failed: %v", s.addr, err)
					return
				}
			}
			s.writeMu.Unlock()
		}
	}
}

// isExpectedCloseError reports whether err is part of normal connection
// teardown and not worth logging as a failure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe")
}

// logReadError reports the read failure that ended the session, keeping the
// noise down for ordinary disconnects.
func (s *Session) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Printf("Frame from %s exceeded maximum size of %d bytes", s.addr, s.maxFrame)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		log.Printf("Client %s disconnected: %v", s.addr, err)
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		log.Printf("Client %s connection closed: %v", s.addr, err)
	default:
		log.Printf("Read error from %s: %v", s.addr, err)
	}
}
