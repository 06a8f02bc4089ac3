package chatstore

import (
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a lexically sortable unique message id.
func NewMessageID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Now returns the server clock truncated to milliseconds, the precision clients compare on.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// SortByTime sorts messages by timestamp ASC; equal timestamps keep id order.
func SortByTime(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if a.Timestamp.Equal(b.Timestamp) {
			return a.ID < b.ID
		}
		return a.Timestamp.Before(b.Timestamp)
	})
}

func sortConversations(convs []*Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}

func newConversation(m *Message) *Conversation {
	return &Conversation{
		Key:          ConversationKey(m.SenderID, m.ReceiverID),
		Participants: participants(m.SenderID, m.ReceiverID),
		LastMessage:  m,
		UpdatedAt:    m.Timestamp,
	}
}
