package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/metrics"
)

type SessionError int

const (
	ReadError    SessionError = 1
	WriteError   SessionError = 2
	PingError    SessionError = 3
	BadRequest   SessionError = 4
	ServerStop   SessionError = 5
	PeerClosed   SessionError = 6
	SlowConsumer SessionError = 7
)

func (c SessionError) String() string {
	switch c {
	case ReadError:
		return "read_error"
	case WriteError:
		return "write_error"
	case PingError:
		return "ping_error"
	case BadRequest:
		return "bad_request"
	case ServerStop:
		return "server_stop"
	case PeerClosed:
		return "peer_closed"
	case SlowConsumer:
		return "slow_consumer"
	}
	return fmt.Sprintf("session_error_%d", int(c))
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second
)

// Endpoint is what the router needs from a connection.
type Endpoint interface {
	// Identity returns the registered identity, empty while anonymous.
	Identity() chatstore.UserID

	// Push queues msg without blocking. It returns false if msg was dropped.
	Push(msg *ServerMsg) bool
}

// Session is one live websocket connection.
// It is anonymous until it receives a register event.
type Session struct {
	sync.Mutex

	hub  *Hub
	conn *websocket.Conn

	sid        string
	ip         string
	createTime time.Time

	// authID is the authenticated user, empty when the hub has no auth client.
	authID   chatstore.UserID
	identity chatstore.UserID

	dataChan chan *SessionData
	closing  bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error     SessionError `json:"error,omitempty"`
	ServerMsg *ServerMsg   `json:"resp,omitempty"`
}

func (s *Session) String() string {
	return fmt.Sprintf("{sid: %s, identity: %q, ip: %s}", s.sid, s.Identity(), s.ip)
}

func (s *Session) Identity() chatstore.UserID {
	s.Lock()
	defer s.Unlock()
	return s.identity
}

func (s *Session) Push(msg *ServerMsg) bool {
	return s.appendDataChan(&SessionData{ServerMsg: msg})
}

func (s *Session) appendDataChan(v *SessionData) bool {
	s.Lock()
	defer s.Unlock()
	if s.closing {
		return false
	}
	select {
	case s.dataChan <- v:
		return true
	default:
		glog.Errorf("session send queue is full, closing: %s", s.sid)
		go s.close(SlowConsumer)
		return false
	}
}

func (s *Session) close(cause SessionError) {
	s.Lock()
	if s.closing {
		s.Unlock()
		return
	}
	s.closing = true
	close(s.dataChan)
	s.Unlock()

	deadline := time.Now().Add(writeWait)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, cause.String()), deadline)
	s.conn.Close()

	metrics.SessionsClosed.WithLabelValues(cause.String()).Inc()
	glog.V(5).Infof("session closed, cause: %s, %s", cause, s)

	if cause != ServerStop {
		// Ask for hub to remove this session.
		s.hub.delSession(s)
	}
}

func (s *Session) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", s) }()

	s.conn.SetReadLimit(s.hub.conf.MaxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.close(PeerClosed)
			} else {
				glog.V(5).Infof("recvLoop(): read error: %v, session: %s", err, s)
				s.close(ReadError)
			}
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %s", msg)

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			s.Push(&ServerMsg{Error: newMalformedError(nil, "websocket only supports TextMessage")})
			s.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		var req ClientMsg
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", msg, err)
			s.Push(&ServerMsg{Error: newMalformedError(nil, fmt.Sprintf("unmarshal error: %v", err))})
			s.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		if v := req.Register; v != nil {
			if err := s.hub.register(s, v); err != nil {
				glog.Errorf("recvLoop(): register error: %v, session: %s", err, s)
				err.Req = &req
				s.Push(&ServerMsg{Error: err})
			}
		} else if v := req.Send; v != nil {
			if _, err := s.hub.router.Route(v, s); err != nil {
				glog.V(5).Infof("recvLoop(): send rejected: %v, session: %s", err, s)
				err.Req = &req
				s.Push(&ServerMsg{Error: err})
			}
		} else {
			glog.Errorf("recvLoop(): unsupported request: %s", msg)
			s.Push(&ServerMsg{Error: newError(ErrorCodeUnsupported, &req, "unsupported request")})
			s.appendDataChan(&SessionData{Error: BadRequest})
			return
		}
	}
}

// bindIdentity sets the identity and reports the previous one. It fails once
// the session is closing.
func (s *Session) bindIdentity(id chatstore.UserID) (chatstore.UserID, bool) {
	s.Lock()
	defer s.Unlock()
	if s.closing {
		return "", false
	}
	prev := s.identity
	s.identity = id
	return prev, true
}

func (s *Session) isClosing() bool {
	s.Lock()
	defer s.Unlock()
	return s.closing
}

func sendServerMsg(conn *websocket.Conn, msg *ServerMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (s *Session) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", s)
	}()

	for {
		select {
		case v, ok := <-s.dataChan:
			if !ok { // chan was closed
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", s)
				return
			}

			if v.Error > 0 {
				s.close(v.Error)
				return
			} else if v.ServerMsg == nil {
				// should not happen.
				panic(fmt.Sprintf("sendLoop(), unknown data from dataChan: %#+v", v))
			}

			if err := sendServerMsg(s.conn, v.ServerMsg); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", s, err)
				s.close(WriteError)
				return
			}
		case <-pingTicker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", s, err)
				s.close(PingError)
				return
			}
		}
	}
}
