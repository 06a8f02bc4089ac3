package client

import (
	"sort"
	"sync"
	"time"

	"github.com/mqy/minichat/chatstore"
)

// dedupKey identifies a message the way both sides observe it: the same
// sender and content at the same millisecond is the same message, whichever
// path (ack, receive, history fetch) brought it in.
type dedupKey struct {
	sender  chatstore.UserID
	content string
	ms      int64
}

func keyOf(m *chatstore.Message) dedupKey {
	return dedupKey{sender: m.SenderID, content: m.Content, ms: m.Timestamp.UnixMilli()}
}

// Conversation is the local view of the messages with one peer. It stays
// sorted by timestamp ASC and never holds two messages with the same
// sender, content and millisecond.
type Conversation struct {
	mu   sync.RWMutex
	self chatstore.UserID
	peer chatstore.UserID
	msgs []*chatstore.Message
	seen map[dedupKey]struct{}
}

func NewConversation(self, peer chatstore.UserID) *Conversation {
	return &Conversation{
		self: self,
		peer: peer,
		seen: make(map[dedupKey]struct{}),
	}
}

func (c *Conversation) Peer() chatstore.UserID { return c.peer }

// Belongs reports whether m is between self and peer.
func (c *Conversation) Belongs(m *chatstore.Message) bool {
	return (m.SenderID == c.self && m.ReceiverID == c.peer) ||
		(m.SenderID == c.peer && m.ReceiverID == c.self)
}

// Merge inserts m at its sorted position. It returns false if m is a
// duplicate or belongs to another conversation.
func (c *Conversation) Merge(m *chatstore.Message) bool {
	if m == nil || !c.Belongs(m) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.merge(m)
}

// MergeAll merges msgs, typically a fetched history, and returns the number
// of messages added.
func (c *Conversation) MergeAll(msgs []*chatstore.Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, m := range msgs {
		if m != nil && c.Belongs(m) && c.merge(m) {
			n++
		}
	}
	return n
}

func (c *Conversation) merge(m *chatstore.Message) bool {
	k := keyOf(m)
	if _, ok := c.seen[k]; ok {
		return false
	}
	c.seen[k] = struct{}{}

	// after every message with timestamp <= m's.
	i := sort.Search(len(c.msgs), func(i int) bool {
		return c.msgs[i].Timestamp.After(m.Timestamp)
	})
	c.msgs = append(c.msgs, nil)
	copy(c.msgs[i+1:], c.msgs[i:])
	c.msgs[i] = m
	return true
}

// Messages returns a copy of the merged messages.
func (c *Conversation) Messages() []*chatstore.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*chatstore.Message(nil), c.msgs...)
}

func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.msgs)
}

// ChatList tracks the last message of every conversation of a user.
type ChatList struct {
	mu    sync.RWMutex
	self  chatstore.UserID
	convs map[string]*chatstore.Conversation
}

func NewChatList(self chatstore.UserID) *ChatList {
	return &ChatList{
		self:  self,
		convs: make(map[string]*chatstore.Conversation),
	}
}

// Set replaces the list with convs, as fetched from the server.
func (l *ChatList) Set(convs []*chatstore.Conversation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.convs = make(map[string]*chatstore.Conversation, len(convs))
	for _, c := range convs {
		cp := *c
		cp.Key = chatstore.ConversationKey(c.Participants[0], c.Participants[1])
		l.convs[cp.Key] = &cp
	}
}

// Apply records m as the last message of its conversation unless a newer
// one is already known. A conversation not in the list yet is added.
func (l *ChatList) Apply(m *chatstore.Message) {
	if m.SenderID != l.self && m.ReceiverID != l.self {
		return
	}
	key := chatstore.ConversationKey(m.SenderID, m.ReceiverID)

	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.convs[key]
	if !ok {
		a, b := m.SenderID, m.ReceiverID
		if b < a {
			a, b = b, a
		}
		l.convs[key] = &chatstore.Conversation{
			Key:          key,
			Participants: [2]chatstore.UserID{a, b},
			LastMessage:  m,
			UpdatedAt:    m.Timestamp,
		}
		return
	}
	if c.LastMessage != nil && m.Timestamp.Before(c.LastMessage.Timestamp) {
		return
	}
	c.LastMessage = m
	c.UpdatedAt = m.Timestamp
}

// List returns the conversations, most recently updated first.
func (l *ChatList) List() []*chatstore.Conversation {
	l.mu.RLock()
	out := make([]*chatstore.Conversation, 0, len(l.convs))
	for _, c := range l.convs {
		cp := *c
		out = append(out, &cp)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// LastActivity returns when the conversation with peer was last updated.
func (l *ChatList) LastActivity(peer chatstore.UserID) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.convs[chatstore.ConversationKey(l.self, peer)]
	if !ok {
		return time.Time{}, false
	}
	return c.UpdatedAt, true
}
