package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmordane/huddle/internal/protocol"
)

// newTestService boots a full service core behind an httptest listener.
func newTestService(t *testing.T) (*Service, *httptest.Server) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"*"}
	svc := New(cfg)
	svc.StartDispatcher()

	ts := httptest.NewServer(svc.Routes())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		if err := svc.Shutdown(2 * time.Second); err != nil {
			t.Logf("shutdown: %v", err)
		}
	})
	return svc, ts
}

// testClient wraps a real WebSocket connection speaking the wire envelope.
type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialClient(t *testing.T, ts *httptest.Server) *testClient {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"http://test.local"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(req protocol.Request) {
	c.t.Helper()
	raw, err := protocol.EncodeRequest(req)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, raw))
}

// expect reads the next frame, asserts its response type, and unmarshals the
// payload into dst when dst is non-nil.
func (c *testClient) expect(rt protocol.ResponseType, dst any) {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := c.conn.ReadMessage()
	require.NoError(c.t, err)

	gotType, data, err := protocol.DecodeResponse(raw)
	require.NoError(c.t, err)
	require.Equal(c.t, rt, gotType)
	if dst != nil {
		require.NoError(c.t, json.Unmarshal(data, dst))
	}
}

// TestClientJourney walks two clients through the whole surface: identity,
// nicknames, presence, direct messages, rooms, and the offline notice on
// disconnect.
func TestClientJourney(t *testing.T) {
	_, ts := newTestService(t)

	alice := dialClient(t, ts)
	bob := dialClient(t, ts)

	// Identity assignment, private per client.
	var aliceID, bobID protocol.GetIDResponse
	alice.send(protocol.GetIDRequest{})
	alice.expect(protocol.ResponseGetID, &aliceID)
	bob.send(protocol.GetIDRequest{})
	bob.expect(protocol.ResponseGetID, &bobID)
	require.NotEqual(t, aliceID.ID, bobID.ID)

	// Nickname changes broadcast to everyone.
	alice.send(protocol.SetNicknameRequest{Name: "alice"})
	var nick protocol.SetNicknameResponse
	alice.expect(protocol.ResponseSetNickname, &nick)
	assert.Equal(t, aliceID.ID, nick.ID)
	bob.expect(protocol.ResponseSetNickname, nil)

	bob.send(protocol.SetNicknameRequest{Name: "bob"})
	alice.expect(protocol.ResponseSetNickname, nil)
	bob.expect(protocol.ResponseSetNickname, nil)

	// Presence announcement carries the freshly set name.
	alice.send(protocol.OnlineRequest{})
	var online protocol.OnlineResponse
	alice.expect(protocol.ResponseOnline, &online)
	assert.Equal(t, "alice", online.Name)
	bob.expect(protocol.ResponseOnline, nil)

	// Direct message reaches only its target.
	alice.send(protocol.MessageRequest{
		MessageType: protocol.ScopeUser,
		ReceiverID:  bobID.ID,
		Message:     "hi bob",
	})
	var dm protocol.MessageResponse
	bob.expect(protocol.ResponseMessage, &dm)
	assert.Equal(t, aliceID.ID, dm.ID)
	assert.Equal(t, "alice", dm.Name)
	assert.Equal(t, "hi bob", dm.Message)
	assert.False(t, dm.CreatedAt.IsZero())

	// Room creation confirms privately; joining confirms privately.
	alice.send(protocol.CreateRoomRequest{Name: "lobby"})
	var created protocol.RoomCreatedResponse
	alice.expect(protocol.ResponseRoomCreated, &created)
	assert.Equal(t, "lobby", created.Name)

	bob.send(protocol.JoinRoomRequest{ID: created.ID})
	var joined protocol.RoomJoinedResponse
	bob.expect(protocol.ResponseRoomJoined, &joined)
	assert.Equal(t, created.ID, joined.ID)

	// Room message multicasts to both members.
	alice.send(protocol.MessageRequest{
		MessageType: protocol.ScopeRoom,
		ReceiverID:  created.ID,
		Message:     "hello room",
	})
	var roomMsgA, roomMsgB protocol.MessageResponse
	alice.expect(protocol.ResponseMessage, &roomMsgA)
	bob.expect(protocol.ResponseMessage, &roomMsgB)
	assert.Equal(t, "hello room", roomMsgA.Message)
	assert.Equal(t, "hello room", roomMsgB.Message)

	// Presence snapshot lists both named clients.
	alice.send(protocol.GlobalOnlineRequest{})
	var snapshot protocol.GlobalOnlineResponse
	alice.expect(protocol.ResponseGlobalOnline, &snapshot)
	names := make(map[string]bool)
	for _, user := range snapshot.Users {
		names[user.Name] = true
	}
	assert.Equal(t, map[string]bool{"alice": true, "bob": true}, names)

	// Closing bob's channel surfaces as an Offline notice to alice.
	require.NoError(t, bob.conn.Close())
	var off protocol.OfflineResponse
	alice.expect(protocol.ResponseOffline, &off)
	assert.Equal(t, bobID.ID, off.ID)
}

// TestFailedRequestIsPrivate verifies one client's error response is not
// observable by another.
func TestFailedRequestIsPrivate(t *testing.T) {
	_, ts := newTestService(t)

	alice := dialClient(t, ts)
	bob := dialClient(t, ts)

	// No nickname set: Online must fail privately.
	alice.send(protocol.OnlineRequest{})
	var errResp protocol.ErrorResponse
	alice.expect(protocol.ResponseError, &errResp)
	assert.Equal(t, "Nickname not set", errResp.Message)

	// Bob sees nothing from alice's failure; his next exchange is clean.
	bob.send(protocol.GetIDRequest{})
	bob.expect(protocol.ResponseGetID, nil)
}

// TestHTTPEndpoints verifies the health and metrics surfaces respond.
func TestHTTPEndpoints(t *testing.T) {
	_, ts := newTestService(t)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "running")

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	metricsBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(metricsBody), "huddle_active_connections")
}

// TestWebSocketEndpointRejectsNonGet verifies the upgrade endpoint only
// accepts GET.
func TestWebSocketEndpointRejectsNonGet(t *testing.T) {
	_, ts := newTestService(t)

	resp, err := http.Post(ts.URL+"/ws", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// TestGracefulShutdownClosesSessions verifies Shutdown tears down live
// connections and stops the pumps.
func TestGracefulShutdownClosesSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"*"}
	svc := New(cfg)
	svc.StartDispatcher()

	ts := httptest.NewServer(svc.Routes())
	defer ts.Close()

	client := dialClient(t, ts)
	client.send(protocol.GetIDRequest{})
	client.expect(protocol.ResponseGetID, nil)

	require.NoError(t, svc.Shutdown(2*time.Second))
	assert.Equal(t, 0, svc.registry.Len())

	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := client.conn.ReadMessage()
	assert.Error(t, err, "server side of the channel must be gone")
}
