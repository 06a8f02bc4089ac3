package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chatstore"
)

const readWait = 3 * time.Second

func newTestHub(t *testing.T, authClient auth.Client, j chatstore.Journal) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(authClient, j, &Conf{
		SendQueue:       32,
		MaxMsgSize:      4096,
		MaxContentBytes: 1024,
	})
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg *ClientMsg) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func readMsg(t *testing.T, conn *websocket.Conn) *ServerMsg {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(readWait))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg ServerMsg
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

// readUntil skips frames until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(*ServerMsg) bool) *ServerMsg {
	t.Helper()
	for {
		if msg := readMsg(t, conn); match(msg) {
			return msg
		}
	}
}

func isReceive(m *ServerMsg) bool { return m.Receive != nil }
func isSent(m *ServerMsg) bool    { return m.Sent != nil }
func isError(m *ServerMsg) bool   { return m.Error != nil }

func register(t *testing.T, conn *websocket.Conn, id chatstore.UserID) {
	t.Helper()
	writeMsg(t, conn, &ClientMsg{Register: &RegisterReq{Identity: id}})
	msg := readUntil(t, conn, func(m *ServerMsg) bool { return m.Registered != nil || m.Error != nil })
	require.Nil(t, msg.Error)
	require.Equal(t, id, msg.Registered.Identity)
}

func TestHubSendReceive(t *testing.T) {
	j := &recordedJournal{}
	hub, srv := newTestHub(t, nil, j)

	c1 := dial(t, srv, nil)
	register(t, c1, "u1")
	c2 := dial(t, srv, nil)
	register(t, c2, "u2")

	assert.Eventually(t, func() bool { return len(hub.Online()) == 2 }, readWait, 10*time.Millisecond)

	writeMsg(t, c1, &ClientMsg{Send: &SendReq{ReceiverID: "u2", Content: "hi"}})

	rx := readUntil(t, c2, isReceive).Receive
	ack := readUntil(t, c1, isSent).Sent

	assert.Equal(t, chatstore.UserID("u1"), rx.SenderID)
	assert.Equal(t, chatstore.UserID("u2"), rx.ReceiverID)
	assert.Equal(t, "hi", rx.Content)
	assert.Equal(t, chatstore.MsgTypeText, rx.Type)
	assert.True(t, rx.Timestamp.Equal(ack.Timestamp))
	assert.Equal(t, rx.ID, ack.ID)

	j.mu.Lock()
	defer j.mu.Unlock()
	require.Len(t, j.msgs, 1)
	assert.Equal(t, rx.ID, j.msgs[0].ID)
}

func TestHubPresenceAndUserOffline(t *testing.T) {
	_, srv := newTestHub(t, nil, nil)

	c1 := dial(t, srv, nil)
	register(t, c1, "u1")
	p := readUntil(t, c1, func(m *ServerMsg) bool { return m.Presence != nil })
	assert.Equal(t, []chatstore.UserID{"u1"}, p.Presence.Online)

	c2 := dial(t, srv, nil)
	register(t, c2, "u2")
	p = readUntil(t, c1, func(m *ServerMsg) bool { return m.Presence != nil })
	assert.Equal(t, []chatstore.UserID{"u1", "u2"}, p.Presence.Online)

	require.NoError(t, c2.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	p = readUntil(t, c1, func(m *ServerMsg) bool { return m.Presence != nil })
	assert.Equal(t, []chatstore.UserID{"u1"}, p.Presence.Online)
	off := readUntil(t, c1, func(m *ServerMsg) bool { return m.UserOffline != nil })
	assert.Equal(t, chatstore.UserID("u2"), off.UserOffline.Identity)
}

func TestHubReconnectReplacesStaleSession(t *testing.T) {
	hub, srv := newTestHub(t, nil, nil)

	old := dial(t, srv, nil)
	register(t, old, "u1")
	fresh := dial(t, srv, nil)
	register(t, fresh, "u1")
	c2 := dial(t, srv, nil)
	register(t, c2, "u2")

	writeMsg(t, c2, &ClientMsg{Send: &SendReq{ReceiverID: "u1", Content: "to the newest"}})
	rx := readUntil(t, fresh, isReceive).Receive
	assert.Equal(t, "to the newest", rx.Content)

	// the stale session closing leaves u1 online.
	require.NoError(t, old.Close())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []chatstore.UserID{"u1", "u2"}, hub.Online())

	writeMsg(t, c2, &ClientMsg{Send: &SendReq{ReceiverID: "u1", Content: "still here"}})
	rx = readUntil(t, fresh, isReceive).Receive
	assert.Equal(t, "still here", rx.Content)
}

// openSession dials and returns the server side of the connection.
func openSession(t *testing.T, hub *Hub, srv *httptest.Server) *Session {
	t.Helper()
	dial(t, srv, nil)
	require.Eventually(t, func() bool { return hub.sessions.len() == 1 }, readWait, 10*time.Millisecond)
	hub.sessions.RLock()
	defer hub.sessions.RUnlock()
	for _, s := range hub.sessions.sessions {
		return s
	}
	return nil
}

func TestHubRegisterAfterCloseStaysOffline(t *testing.T) {
	for _, cause := range []SessionError{WriteError, PingError, SlowConsumer} {
		t.Run(cause.String(), func(t *testing.T) {
			hub, srv := newTestHub(t, nil, nil)
			s := openSession(t, hub, srv)

			// the send loop closes the session while a register frame is in flight.
			s.close(cause)
			assert.Nil(t, hub.register(s, &RegisterReq{Identity: "u1"}))

			assert.Empty(t, hub.Online())
			_, ok := hub.table.Lookup("u1")
			assert.False(t, ok)
			sessions, online := hub.Stats()
			assert.Zero(t, sessions)
			assert.Zero(t, online)
		})
	}
}

func TestHubRegisterThenCloseGoesOffline(t *testing.T) {
	hub, srv := newTestHub(t, nil, nil)
	s := openSession(t, hub, srv)

	require.Nil(t, hub.register(s, &RegisterReq{Identity: "u1"}))
	assert.Equal(t, []chatstore.UserID{"u1"}, hub.Online())

	s.close(WriteError)
	assert.Empty(t, hub.Online())
}

func TestHubRegisterIdentityTooLong(t *testing.T) {
	hub, srv := newTestHub(t, nil, nil)

	c := dial(t, srv, nil)
	long := chatstore.UserID(strings.Repeat("x", chatstore.MaxUserIDLen+1))
	writeMsg(t, c, &ClientMsg{Register: &RegisterReq{Identity: long}})
	e := readUntil(t, c, isError).Error
	assert.Equal(t, ErrorCodeMalformedRequest, e.Code)
	assert.Contains(t, e.Error(), "identity")
	assert.Empty(t, hub.Online())

	register(t, c, chatstore.UserID(strings.Repeat("x", chatstore.MaxUserIDLen)))
}

func TestHubSendErrors(t *testing.T) {
	_, srv := newTestHub(t, nil, nil)

	anon := dial(t, srv, nil)
	writeMsg(t, anon, &ClientMsg{Send: &SendReq{ReceiverID: "u2", Content: "hi"}})
	e := readUntil(t, anon, isError).Error
	assert.Equal(t, ErrorCodeIdentityMismatch, e.Code)
	require.NotNil(t, e.Req)
	assert.Equal(t, "hi", e.Req.Send.Content)

	c1 := dial(t, srv, nil)
	register(t, c1, "u1")
	writeMsg(t, c1, &ClientMsg{Send: &SendReq{SenderID: "u3", ReceiverID: "u2", Content: "hi"}})
	e = readUntil(t, c1, isError).Error
	assert.Equal(t, ErrorCodeIdentityMismatch, e.Code)

	writeMsg(t, c1, &ClientMsg{Send: &SendReq{ReceiverID: "u2"}})
	e = readUntil(t, c1, isError).Error
	assert.Equal(t, ErrorCodeMalformedRequest, e.Code)

	// a rejected send keeps the session open.
	writeMsg(t, c1, &ClientMsg{Send: &SendReq{ReceiverID: "u2", Content: "ok"}})
	ack := readUntil(t, c1, isSent).Sent
	assert.Equal(t, "ok", ack.Content)

	writeMsg(t, c1, &ClientMsg{Register: &RegisterReq{}})
	e = readUntil(t, c1, isError).Error
	assert.Equal(t, ErrorCodeMalformedRequest, e.Code)
}

func TestHubBadFrameClosesSession(t *testing.T) {
	hub, srv := newTestHub(t, nil, nil)

	c1 := dial(t, srv, nil)
	register(t, c1, "u1")

	require.NoError(t, c1.WriteMessage(websocket.TextMessage, []byte("not json")))
	e := readUntil(t, c1, isError).Error
	assert.Equal(t, ErrorCodeMalformedRequest, e.Code)

	c1.SetReadDeadline(time.Now().Add(readWait))
	for {
		if _, _, err := c1.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err: %v", err)
			break
		}
	}
	assert.Eventually(t, func() bool { return len(hub.Online()) == 0 }, readWait, 10*time.Millisecond)
}

func TestHubUnsupportedFrame(t *testing.T) {
	_, srv := newTestHub(t, nil, nil)

	c1 := dial(t, srv, nil)
	require.NoError(t, c1.WriteMessage(websocket.TextMessage, []byte(`{}`)))
	e := readUntil(t, c1, isError).Error
	assert.Equal(t, ErrorCodeUnsupported, e.Code)
}

func TestHubAuth(t *testing.T) {
	_, srv := newTestHub(t, &auth.MockClient{}, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	c1 := dial(t, srv, http.Header{auth.UIDHeader: []string{"u1"}})
	writeMsg(t, c1, &ClientMsg{Register: &RegisterReq{Identity: "u2"}})
	e := readUntil(t, c1, isError).Error
	assert.Equal(t, ErrorCodeIdentityMismatch, e.Code)

	register(t, c1, "u1")
}

func TestHubClose(t *testing.T) {
	hub, srv := newTestHub(t, nil, nil)

	c1 := dial(t, srv, nil)
	register(t, c1, "u1")

	hub.Close()
	assert.Empty(t, hub.Online())

	c1.SetReadDeadline(time.Now().Add(readWait))
	for {
		if _, _, err := c1.ReadMessage(); err != nil {
			break
		}
	}

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	allowAll := checkOrigin(nil)
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	assert.True(t, allowAll(r))

	check := checkOrigin([]string{"https://app.example.com"})
	assert.False(t, check(r))
	r.Header.Set("Origin", "https://APP.example.com")
	assert.True(t, check(r))
}

func TestGetRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1", getRemoteIP(r))

	r.Header.Set("X-Forwarded-For", "1.1.1.1, 2.2.2.2")
	assert.Equal(t, "2.2.2.2", getRemoteIP(r))

	r.Header.Set("X-Real-IP", "3.3.3.3")
	assert.Equal(t, "3.3.3.3", getRemoteIP(r))
}
