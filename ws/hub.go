package ws

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/metrics"
	"github.com/mqy/minichat/presence"
)

const (
	MinSendQueue = 8
	MaxSendQueue = 1024

	MinMsgSize = 512
	MaxMsgSize = 1 << 20
)

// Conf configures a Hub.
type Conf struct {
	// SendQueue is the per session outbound buffer; a session whose buffer
	// overflows is closed.
	SendQueue int

	// MaxMsgSize limits inbound websocket frames, in bytes.
	MaxMsgSize int64

	// MaxContentBytes limits message content; 0 means no limit beyond MaxMsgSize.
	MaxContentBytes int

	// AllowedOrigins for the websocket upgrade; empty allows any origin.
	AllowedOrigins []string
}

// Hub owns the presence table and the router, and serves websocket sessions.
type Hub struct {
	conf       *Conf
	authClient auth.Client
	table      *presence.Table[Endpoint]
	router     *Router
	sessions   *sessionStore
	upgrader   websocket.Upgrader

	mu     sync.RWMutex
	closed bool
}

// NewHub creates a `Hub`. authClient may be nil, then sessions may register
// any identity.
func NewHub(authClient auth.Client, journal chatstore.Journal, conf *Conf) *Hub {
	h := &Hub{
		conf:       conf,
		authClient: authClient,
		sessions:   newSessionStore(),
	}
	h.table = presence.NewTable[Endpoint](h.onPresenceChange)
	h.router = NewRouter(h.table, journal, conf.MaxContentBytes)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(conf.AllowedOrigins),
	}
	return h
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, v := range allowed {
			if strings.EqualFold(origin, v) {
				return true
			}
		}
		return false
	}
}

// Router returns the router, shared with the HTTP send path.
func (h *Hub) Router() *Router {
	return h.router
}

// Online returns identities currently online.
func (h *Hub) Online() []chatstore.UserID {
	return h.table.Snapshot()
}

// Stats returns the number of open sessions and of online identities.
func (h *Hub) Stats() (sessions, online int) {
	return h.sessions.len(), h.table.Len()
}

// Run blocks until ctx is done, then closes every session.
func (h *Hub) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	glog.Infof("hub: running")
	<-ctx.Done()
	h.Close()
	stopDoneNotifyC <- struct{}{}
}

// Close stops accepting sessions and closes the open ones. Presence state is
// dropped without broadcasts.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	glog.Infof("close connections ...")
	h.sessions.close()
	h.table.Reset()
	metrics.Sessions.Set(0)
	metrics.OnlineUsers.Set(0)
	glog.Infof("close connections done")
}

func (h *Hub) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.isClosed() {
		http.Error(w, "Server is stopping", http.StatusServiceUnavailable)
		return
	}

	var authID chatstore.UserID
	if h.authClient != nil {
		uid, err := h.authClient.Auth(r)
		if err != nil {
			glog.Errorf("ServeHTTP(): authenticate error: %v", err)
			http.Error(w, "Authenticate error", http.StatusForbidden)
			return
		}
		authID = uid
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %q, err: %s", authID, err)
		return
	}

	// NOTE: after upgrade, `w.WriteHeader(...)` causes error `response.Write on hijacked connection`.

	s := &Session{
		hub:        h,
		conn:       conn,
		sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		ip:         getRemoteIP(r),
		createTime: time.Now(),
		authID:     authID,
		dataChan:   make(chan *SessionData, h.conf.SendQueue),
	}

	h.sessions.add(s)
	if h.isClosed() {
		// Close raced with the upgrade.
		h.sessions.del(s.sid)
		s.close(ServerStop)
		return
	}
	metrics.Sessions.Set(float64(h.sessions.len()))
	glog.V(5).Infof("session opened: %s", s)

	go s.recvLoop()
	go s.sendLoop()
}

// register binds the session to req.Identity in the presence table.
func (h *Hub) register(s *Session, req *RegisterReq) *Error {
	if err := chatstore.CheckUserID(req.Identity); err != nil {
		return newMalformedError(nil, "identity: "+err.Error())
	}
	if s.authID != "" && req.Identity != s.authID {
		return newIdentityMismatchError(nil, "identity does not match the authenticated user")
	}

	prev, ok := s.bindIdentity(req.Identity)
	if !ok {
		glog.V(5).Infof("session %s is closing, drop register of %s", s.sid, req.Identity)
		return nil
	}
	if prev != "" && prev != req.Identity {
		glog.V(5).Infof("session %s re-registers %s as %s", s.sid, prev, req.Identity)
	}

	s.Push(&ServerMsg{Registered: &Registered{Identity: req.Identity}})
	h.table.Register(req.Identity, s)

	// close may have run between bindIdentity and Register; its Unregister
	// then missed this entry.
	if s.isClosing() {
		h.table.Unregister(s)
	}
	return nil
}

func (h *Hub) delSession(s *Session) {
	if h.sessions.del(s.sid) {
		metrics.Sessions.Set(float64(h.sessions.len()))
	}
	if id, ok := h.table.Unregister(s); ok {
		glog.V(5).Infof("user %s is offline", id)
	}
}

// onPresenceChange runs under the presence table lock.
func (h *Hub) onPresenceChange(c presence.Change) {
	metrics.OnlineUsers.Set(float64(len(c.Snapshot)))

	h.sessions.broadcast(&ServerMsg{Presence: &Presence{Online: c.Snapshot}})
	if !c.Online {
		h.sessions.broadcast(&ServerMsg{UserOffline: &UserOffline{Identity: c.Identity}})
	}
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x = strings.TrimSpace(x); x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
