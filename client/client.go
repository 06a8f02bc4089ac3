// Package client is a Go client of the chat server: a reconnecting websocket
// connection plus the local conversation state a UI keeps.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/ws"
)

const (
	writeWait = 3 * time.Second
	pongWait  = 60 * time.Second
)

var (
	ErrNotConnected = errors.New("client is not connected")
	ErrGaveUp       = errors.New("client gave up reconnecting")
)

// ReconnectPolicy bounds automatic reconnection. Delays double from Delay up
// to MaxDelay. MaxAttempts counts consecutive failed dials; 0 disables
// reconnection.
type ReconnectPolicy struct {
	Delay       time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

var DefaultReconnectPolicy = ReconnectPolicy{
	Delay:       time.Second,
	MaxDelay:    5 * time.Second,
	MaxAttempts: 5,
}

// next returns the delay before reconnect attempt n, counting from 1.
func (p ReconnectPolicy) next(n int) time.Duration {
	d := p.Delay
	for i := 1; i < n && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

type State int

const (
	Connecting State = iota + 1
	Connected
	Disconnected
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state_%d", int(s))
}

// Event is either a server frame or a connection state change.
type Event struct {
	Msg   *ws.ServerMsg
	State State
	Err   error
}

type Config struct {
	// URL of the websocket endpoint, e.g. ws://127.0.0.1:8000/ws
	URL      string
	Identity chatstore.UserID
	// Header is sent with every dial, typically carrying credentials.
	Header    http.Header
	Reconnect ReconnectPolicy
	Dialer    *websocket.Dialer
	// EventQueue is the capacity of the Events channel.
	EventQueue int
}

// Client keeps one registered websocket session alive.
type Client struct {
	conf   Config
	events chan Event

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(conf Config) *Client {
	if conf.Dialer == nil {
		conf.Dialer = websocket.DefaultDialer
	}
	if conf.EventQueue <= 0 {
		conf.EventQueue = 64
	}
	return &Client{
		conf:   conf,
		events: make(chan Event, conf.EventQueue),
	}
}

// Events delivers server frames and state changes. It is closed when Run returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Run connects, registers and reads until ctx is done or reconnection gives
// up. A successful connection resets the attempt counter.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	var attempts int
	for {
		c.emit(ctx, Event{State: Connecting})
		conn, err := c.connect(ctx)
		if err == nil {
			attempts = 0
			c.emit(ctx, Event{State: Connected})
			err = c.readLoop(ctx, conn)
			c.setConn(nil)
			conn.Close()
		}

		if ctx.Err() != nil {
			c.emit(ctx, Event{State: Closed})
			return ctx.Err()
		}

		glog.Errorf("client %s: disconnected: %v", c.conf.Identity, err)
		c.emit(ctx, Event{State: Disconnected, Err: err})

		attempts++
		if attempts > c.conf.Reconnect.MaxAttempts {
			c.emit(context.Background(), Event{State: Closed, Err: ErrGaveUp})
			return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, attempts-1, err)
		}

		delay := c.conf.Reconnect.next(attempts)
		glog.Infof("client %s: reconnect #%d in %s", c.conf.Identity, attempts, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.emit(ctx, Event{State: Closed})
			return ctx.Err()
		}
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.conf.Dialer.DialContext(ctx, c.conf.URL, c.conf.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.conf.URL, err)
	}

	// register before anyone else can write to the connection.
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(&ws.ClientMsg{Register: &ws.RegisterReq{Identity: c.conf.Identity}}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("register: %w", err)
	}
	c.setConn(conn)
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			c.mu.Unlock()
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.mu.Lock()
		defer c.mu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var msg ws.ServerMsg
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.emit(ctx, Event{Msg: &msg})
	}
}

// emit blocks until the consumer takes ev or ctx is done; once ctx is done,
// ev is only kept if the queue has room.
func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
		select {
		case c.events <- ev:
		default:
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// Connected reports whether a connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes a send request. The outcome arrives as a `sent` or `error`
// event; nothing is queued while disconnected.
func (c *Client) Send(req *ws.SendReq) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(&ws.ClientMsg{Send: req})
}

// SendText sends a text message to peer.
func (c *Client) SendText(peer chatstore.UserID, content string) error {
	return c.Send(&ws.SendReq{ReceiverID: peer, Content: content, Type: chatstore.MsgTypeText})
}
