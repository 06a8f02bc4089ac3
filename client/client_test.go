package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/api"
	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/client"
	"github.com/mqy/minichat/ws"
)

const waitFor = 3 * time.Second

type testServer struct {
	*httptest.Server
	store *chatstore.BoltStore
	hub   *ws.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := chatstore.OpenBoltStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	writer := chatstore.NewWriter("direct", chatstore.StoreSink{Store: store}, 64)
	writerDone := make(chan struct{}, 1)
	go writer.Run(ctx, writerDone)

	authClient := &auth.MockClient{}
	hub := ws.NewHub(authClient, writer, &ws.Conf{SendQueue: 64, MaxMsgSize: 4096})

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/api/", api.NewRouter(authClient, store, hub.Router(), hub))

	srv := &testServer{Server: httptest.NewServer(mux), store: store, hub: hub}
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		cancel()
		<-writerDone
		store.Close()
	})
	return srv
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

func startClient(t *testing.T, srv *testServer, uid chatstore.UserID) (*client.Client, <-chan client.Event) {
	t.Helper()
	c := client.New(client.Config{
		URL:       srv.wsURL(),
		Identity:  uid,
		Header:    http.Header{auth.UIDHeader: []string{string(uid)}},
		Reconnect: client.ReconnectPolicy{Delay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, MaxAttempts: 3},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	events := c.Events()
	waitEvent(t, events, func(ev client.Event) bool { return ev.Msg != nil && ev.Msg.Registered != nil })
	return c, events
}

func waitEvent(t *testing.T, events <-chan client.Event, match func(client.Event) bool) client.Event {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "events closed")
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timeout waiting for event")
		}
	}
}

func isReceive(ev client.Event) bool { return ev.Msg != nil && ev.Msg.Receive != nil }
func isSent(ev client.Event) bool    { return ev.Msg != nil && ev.Msg.Sent != nil }

func TestClientsExchangeAndReconcile(t *testing.T) {
	srv := newTestServer(t)

	c1, ev1 := startClient(t, srv, "u1")
	_, ev2 := startClient(t, srv, "u2")
	require.Eventually(t, func() bool { return len(srv.hub.Online()) == 2 }, waitFor, 10*time.Millisecond)

	require.NoError(t, c1.SendText("u2", "hi"))
	rx := waitEvent(t, ev2, isReceive).Msg.Receive
	ack := waitEvent(t, ev1, isSent).Msg.Sent
	assert.Equal(t, "hi", rx.Content)
	assert.True(t, rx.Timestamp.Equal(ack.Timestamp))

	conv1 := client.NewConversation("u1", "u2")
	assert.True(t, conv1.Merge(ack))

	// the journal writer stores it asynchronously.
	h1 := client.NewHistoryClient(srv.URL, "u1")
	require.Eventually(t, func() bool {
		msgs, err := h1.History(context.Background(), "u2")
		return err == nil && len(msgs) == 1
	}, waitFor, 10*time.Millisecond)

	n, err := h1.Sync(context.Background(), conv1)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "history duplicates the ack")
	assert.Equal(t, 1, conv1.Len())

	// the HTTP path stores before delivering.
	h2 := client.NewHistoryClient(srv.URL, "u2")
	sent, err := h2.Send(context.Background(), &ws.SendReq{ReceiverID: "u1", Content: "hello back"})
	require.NoError(t, err)
	assert.Equal(t, chatstore.UserID("u2"), sent.SenderID)

	rx = waitEvent(t, ev1, isReceive).Msg.Receive
	assert.Equal(t, sent.ID, rx.ID)
	assert.True(t, conv1.Merge(rx))

	msgs, err := h1.History(context.Background(), "u2")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, 0, conv1.MergeAll(msgs))
	assert.Equal(t, "hi", conv1.Messages()[0].Content)
	assert.Equal(t, "hello back", conv1.Messages()[1].Content)

	convs, err := h1.Conversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "hello back", convs[0].LastMessage.Content)

	list := client.NewChatList("u1")
	list.Set(convs)
	assert.Equal(t, chatstore.ConversationKey("u1", "u2"), list.List()[0].Key)

	users, err := h1.Search(context.Background(), "U2")
	require.NoError(t, err)
	assert.Equal(t, []chatstore.UserID{"u2"}, users)

	online, err := h1.Online(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []chatstore.UserID{"u1", "u2"}, online)

	room, err := h1.CallRoom(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, "u1-u2", room)
}

func TestHistoryClientErrors(t *testing.T) {
	srv := newTestServer(t)

	h := client.NewHistoryClient(srv.URL, "u3")
	_, err := h.Send(context.Background(), &ws.SendReq{ReceiverID: "u1"})
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	anon := client.NewHistoryClient(srv.URL, "")
	_, err = anon.Conversations(context.Background())
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestClientSendWhileDisconnected(t *testing.T) {
	c := client.New(client.Config{URL: "ws://127.0.0.1:1/ws", Identity: "u1"})
	assert.ErrorIs(t, c.SendText("u2", "hi"), client.ErrNotConnected)
	assert.False(t, c.Connected())
}

func TestClientGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := client.New(client.Config{
		URL:       url,
		Identity:  "u1",
		Reconnect: client.ReconnectPolicy{Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 2},
	})

	var states []client.State
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range c.Events() {
			if ev.Msg == nil {
				states = append(states, ev.State)
			}
		}
	}()

	err := c.Run(context.Background())
	<-done
	assert.True(t, errors.Is(err, client.ErrGaveUp), "err: %v", err)
	require.NotEmpty(t, states)
	assert.Equal(t, client.Closed, states[len(states)-1])

	var connecting int
	for _, s := range states {
		if s == client.Connecting {
			connecting++
		}
	}
	assert.Equal(t, 3, connecting)
}

func TestClientReportsServerStop(t *testing.T) {
	srv := newTestServer(t)
	_, ev := startClient(t, srv, "u1")

	srv.hub.Close()
	e := waitEvent(t, ev, func(e client.Event) bool { return e.State == client.Disconnected })
	assert.Error(t, e.Err)

	// the stopped hub refuses new sessions, so the client ends up giving up.
	e = waitEvent(t, ev, func(e client.Event) bool { return e.State == client.Closed })
	assert.ErrorIs(t, e.Err, client.ErrGaveUp)
}
