package chatstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationKey(t *testing.T) {
	assert.Equal(t, "2:u1|u2", ConversationKey("u1", "u2"))
	assert.Equal(t, "2:u1|u2", ConversationKey("u2", "u1"))

	// ids may contain any separator.
	assert.NotEqual(t, ConversationKey("a-b", "c"), ConversationKey("a", "b-c"))
	assert.NotEqual(t, ConversationKey("a|b", "c"), ConversationKey("a", "b|c"))
	assert.NotEqual(t, ConversationKey("1:a", "b"), ConversationKey("1", "a|b"))
	assert.NotEqual(t, ConversationKey("a", "b"), ConversationKey("a:", "b"))
}

func TestCallRoomID(t *testing.T) {
	assert.Equal(t, "a-b", CallRoomID("b", "a"))
	assert.Equal(t, "u1-u2", CallRoomID("u1", "u2"))
}

func TestCheckUserID(t *testing.T) {
	assert.NoError(t, CheckUserID("u1"))
	assert.NoError(t, CheckUserID(UserID(strings.Repeat("x", MaxUserIDLen))))
	assert.Error(t, CheckUserID(""))
	assert.Error(t, CheckUserID(UserID(strings.Repeat("x", MaxUserIDLen+1))))
}

func TestValidateForStoreRejectsLongIDs(t *testing.T) {
	msg := &Message{ID: NewMessageID(Now()), SenderID: "u1", ReceiverID: "u2", Timestamp: Now()}
	assert.NoError(t, validateForStore(msg))

	msg.ReceiverID = UserID(strings.Repeat("x", MaxUserIDLen+1))
	err := validateForStore(msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "receiverId")
}

func TestMsgTypeValid(t *testing.T) {
	for _, v := range []MsgType{MsgTypeText, MsgTypeFile, MsgTypeCall} {
		assert.True(t, v.Valid(), v)
	}
	assert.False(t, MsgType("").Valid())
	assert.False(t, MsgType("video").Valid())
}

func TestSortByTime(t *testing.T) {
	t0 := Now()
	msgs := []*Message{
		{ID: "3", Timestamp: t0.Add(2 * time.Millisecond)},
		{ID: "2", Timestamp: t0},
		{ID: "1", Timestamp: t0},
	}
	SortByTime(msgs)
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestNewMessageIDMonotonic(t *testing.T) {
	now := time.Now()
	a := NewMessageID(now)
	b := NewMessageID(now)
	assert.Len(t, a, 26)
	assert.Less(t, a, b)
}

func TestStorageError(t *testing.T) {
	cause := errors.New("connection refused")
	err := storageErr("load history", cause)

	assert.True(t, errors.Is(err, ErrStorage))
	assert.True(t, errors.Is(err, cause))

	var se *StorageError
	require.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &se))
	assert.Equal(t, "load history", se.Op)

	// not wrapped twice.
	assert.Same(t, err, storageErr("other", err))
	assert.Nil(t, storageErr("noop", nil))
}

func TestBackoff(t *testing.T) {
	var d time.Duration
	backoff(&d)
	assert.Equal(t, BackoffMinInterval, d)
	backoff(&d)
	assert.Equal(t, 1500*time.Millisecond, d)

	d = BackoffMaxInterval
	backoff(&d)
	assert.Equal(t, BackoffMinInterval, d)
}

type fakeStore struct {
	convs []*Conversation
	err   error
}

func (s *fakeStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	return msg, s.err
}

func (s *fakeStore) LoadHistory(ctx context.Context, a, b UserID) ([]*Message, error) {
	return nil, s.err
}

func (s *fakeStore) ListConversations(ctx context.Context, uid UserID) ([]*Conversation, error) {
	return s.convs, s.err
}

func (s *fakeStore) Close() error { return nil }

func TestSearchContacts(t *testing.T) {
	conv := func(a, b UserID) *Conversation {
		return newConversation(&Message{SenderID: a, ReceiverID: b, Timestamp: Now()})
	}
	s := &fakeStore{convs: []*Conversation{
		conv("alice", "bob"),
		conv("carol", "alice"),
		conv("alice", "Bobby"),
	}}

	ctx := context.Background()

	out, err := SearchContacts(ctx, s, "alice", "BOB", 0)
	require.NoError(t, err)
	assert.Equal(t, []UserID{"bob", "Bobby"}, out)

	out, err = SearchContacts(ctx, s, "alice", "bob", 1)
	require.NoError(t, err)
	assert.Equal(t, []UserID{"bob"}, out)

	out, err = SearchContacts(ctx, s, "alice", "  ", 0)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NotNil(t, out)

	s.err = storageErr("list conversations", errors.New("down"))
	_, err = SearchContacts(ctx, s, "alice", "bob", 0)
	assert.ErrorIs(t, err, ErrStorage)
}
