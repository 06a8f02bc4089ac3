package ws

import (
	"sync"
)

// sessionStore holds every open session of this hub, registered or not.
type sessionStore struct {
	sync.RWMutex
	sessions map[string]*Session
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		sessions: make(map[string]*Session),
	}
}

func (ss *sessionStore) del(sid string) bool {
	ss.Lock()
	defer ss.Unlock()
	if _, ok := ss.sessions[sid]; ok {
		delete(ss.sessions, sid)
		return true
	}
	return false
}

func (ss *sessionStore) add(s *Session) {
	ss.Lock()
	ss.sessions[s.sid] = s
	ss.Unlock()
}

func (ss *sessionStore) len() int {
	ss.RLock()
	defer ss.RUnlock()
	return len(ss.sessions)
}

// broadcast pushes msg to every session; it never blocks on a slow one.
func (ss *sessionStore) broadcast(msg *ServerMsg) {
	ss.RLock()
	defer ss.RUnlock()
	for _, s := range ss.sessions {
		s.Push(msg)
	}
}

func (ss *sessionStore) close() {
	ss.Lock()
	sessions := ss.sessions
	ss.sessions = make(map[string]*Session)
	ss.Unlock()

	for _, s := range sessions {
		s.close(ServerStop)
	}
}
