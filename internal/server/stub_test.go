package server

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/jmordane/huddle/internal/protocol"
)

// errStubClosed is what the stub's reader reports once the channel is gone.
var errStubClosed = errors.New("stub connection closed")

// stubWire scripts a session's duplex channel for unit tests. Inbound frames
// are fed through the reads channel; outbound text frames are recorded. When
// fail is set every write errors, simulating a dead connection discovered
// mid-broadcast.
type stubWire struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
	reads  chan []byte
}

func newStubWire() *stubWire {
	return &stubWire{reads: make(chan []byte, 16)}
}

func (w *stubWire) ReadMessage() (int, []byte, error) {
	raw, ok := <-w.reads
	if !ok {
		return 0, nil, errStubClosed
	}
	return websocket.TextMessage, raw, nil
}

func (w *stubWire) WriteMessage(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fail {
		return errors.New("stub write failure")
	}
	if messageType == websocket.TextMessage {
		w.frames = append(w.frames, append([]byte(nil), data...))
	}
	return nil
}

func (w *stubWire) SetReadLimit(int64)                {}
func (w *stubWire) SetReadDeadline(time.Time) error   { return nil }
func (w *stubWire) SetWriteDeadline(time.Time) error  { return nil }
func (w *stubWire) SetPongHandler(func(string) error) {}

func (w *stubWire) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *stubWire) setFail(fail bool) {
	w.mu.Lock()
	w.fail = fail
	w.mu.Unlock()
}

// sent returns a copy of the recorded text frames.
func (w *stubWire) sent() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]byte(nil), w.frames...)
}

// sentOfType decodes the recorded frames and returns the payload bytes of
// every frame carrying the given response type.
func (w *stubWire) sentOfType(t *testing.T, rt protocol.ResponseType) [][]byte {
	t.Helper()

	var matched [][]byte
	for _, raw := range w.sent() {
		gotType, data, err := protocol.DecodeResponse(raw)
		require.NoError(t, err)
		if gotType == rt {
			matched = append(matched, data)
		}
	}
	return matched
}

// lastPayload decodes the most recent frame, asserts its response type, and
// unmarshals its payload into dst.
func (w *stubWire) lastPayload(t *testing.T, rt protocol.ResponseType, dst any) {
	t.Helper()

	frames := w.sent()
	require.NotEmpty(t, frames, "no frames recorded")

	gotType, data, err := protocol.DecodeResponse(frames[len(frames)-1])
	require.NoError(t, err)
	require.Equal(t, rt, gotType)
	require.NoError(t, json.Unmarshal(data, dst))
}

// testCore bundles a fully wired core without HTTP or metrics, the shape
// every dispatcher-level test needs.
type testCore struct {
	registry    *Registry
	rooms       *RoomManager
	broadcaster *Broadcaster
	dispatcher  *Dispatcher
}

func newTestCore(dropEmptyRooms bool) *testCore {
	registry := NewRegistry(nil)
	broadcaster := NewBroadcaster(registry, nil)
	rooms := NewRoomManager(registry, broadcaster, dropEmptyRooms, nil)
	dispatcher := NewDispatcher(registry, rooms, broadcaster, defaultQueueCapacity, nil)
	return &testCore{
		registry:    registry,
		rooms:       rooms,
		broadcaster: broadcaster,
		dispatcher:  dispatcher,
	}
}

// connect registers a fresh session over a stub wire and returns both.
func (c *testCore) connect() (*Session, *stubWire) {
	w := newStubWire()
	sess := newSession(uuid.New(), w, "stub-addr", DefaultConfig(), c.dispatcher.events)
	c.registry.Insert(sess)
	return sess, w
}

// dispatch runs one event synchronously through the dispatcher, the same
// code path Run takes per queue entry.
func (c *testCore) dispatch(clientID uuid.UUID, req protocol.Request) {
	c.dispatcher.dispatch(event{clientID: clientID, request: req})
}
