package chatstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UserID identifies a user across presence, routing and storage.
type UserID string

// MaxUserIDLen bounds a UserID in bytes; the mysql id columns are sized to it.
const MaxUserIDLen = 120

// CheckUserID reports an empty or over-long id.
func CheckUserID(id UserID) error {
	if id == "" {
		return errors.New("is required")
	}
	if len(id) > MaxUserIDLen {
		return fmt.Errorf("exceeds limit: %d bytes", MaxUserIDLen)
	}
	return nil
}

// MsgType is the kind of a chat message.
type MsgType string

const (
	MsgTypeText MsgType = "text"
	MsgTypeFile MsgType = "file"
	MsgTypeCall MsgType = "call"
)

// Valid reports whether t is one of the known message types.
func (t MsgType) Valid() bool {
	switch t {
	case MsgTypeText, MsgTypeFile, MsgTypeCall:
		return true
	}
	return false
}

// Message is immutable once stamped by the router.
type Message struct {
	ID         string    `json:"id,omitempty"`
	SenderID   UserID    `json:"senderId"`
	ReceiverID UserID    `json:"receiverId"`
	Content    string    `json:"content"`
	Type       MsgType   `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	FileURL    string    `json:"fileUrl,omitempty"`
	FileName   string    `json:"fileName,omitempty"`
	FileType   string    `json:"fileType,omitempty"`
}

// Conversation is the latest state of the chat between two users.
type Conversation struct {
	Key          string    `json:"id"`
	Participants [2]UserID `json:"participants"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Peer returns the participant that is not uid.
func (c *Conversation) Peer(uid UserID) UserID {
	if c.Participants[0] == uid {
		return c.Participants[1]
	}
	return c.Participants[0]
}

//go:generate mockgen -destination=mock/store.go -package=mock github.com/mqy/minichat/chatstore Store

// Store is the system of record for chat messages.
type Store interface {
	// AppendMessage durably saves msg. Saving a message with an ID that already exists is a no-op.
	AppendMessage(ctx context.Context, msg *Message) (*Message, error)

	// LoadHistory returns messages between a and b, order by timestamp ASC.
	LoadHistory(ctx context.Context, a, b UserID) ([]*Message, error)

	// ListConversations returns conversations of uid, order by last update DESC.
	ListConversations(ctx context.Context, uid UserID) ([]*Conversation, error)

	Close() error
}

// ErrStorage matches every *StorageError with errors.Is.
var ErrStorage = errors.New("storage error")

// StorageError is returned by Store implementations when the backend fails.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("chatstore: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// ConversationKey returns the key of the unordered pair {a, b}. The first id
// is length prefixed, so ids containing the separator never collide:
// {"a-b", "c"} is "3:a-b|c" and {"a", "b-c"} is "1:a|b-c".
func ConversationKey(a, b UserID) string {
	p := participants(a, b)
	return fmt.Sprintf("%d:%s|%s", len(p[0]), p[0], p[1])
}

// CallRoomID returns the room shared by both sides of a call between a and b:
// the sorted ids joined with `-`. It is a display name, not a storage key.
func CallRoomID(a, b UserID) string {
	p := participants(a, b)
	return string(p[0]) + "-" + string(p[1])
}

func participants(a, b UserID) [2]UserID {
	if b < a {
		a, b = b, a
	}
	return [2]UserID{a, b}
}

// SearchContacts returns peers of uid whose id contains term, ignoring case.
// An empty term returns nothing. limit <= 0 means DefaultSearchLimit.
func SearchContacts(ctx context.Context, s Store, uid UserID, term string, limit int) ([]UserID, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return []UserID{}, nil
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	convs, err := s.ListConversations(ctx, uid)
	if err != nil {
		return nil, err
	}

	out := []UserID{}
	for _, c := range convs {
		peer := c.Peer(uid)
		if peer == uid {
			continue
		}
		if strings.Contains(strings.ToLower(string(peer)), term) {
			out = append(out, peer)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

const DefaultSearchLimit = 10
