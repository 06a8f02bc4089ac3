package chatstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

var (
	convBucket  = []byte("conversations") // conv key -> (ts|id -> message json)
	idsBucket   = []byte("ids")           // message id -> conv key
	usersBucket = []byte("users")         // uid -> (conv key -> empty)
)

// BoltStore implements Store in a single bbolt file, for single node deployments and tests.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens or creates the database file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, storageErr("open bolt", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{convBucket, idsBucket, usersBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, storageErr("open bolt", err)
	}
	return &BoltStore{db: db}, nil
}

// historyKey orders entries by timestamp, then id.
func historyKey(m *Message) []byte {
	k := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(k, uint64(m.Timestamp.UnixMilli()))
	return append(k, m.ID...)
}

func (s *BoltStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	defer observe("bolt", "append", time.Now())
	if err := ctx.Err(); err != nil {
		return nil, storageErr("append message", err)
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("error marshal message: %w", err)
	}

	convKey := []byte(ConversationKey(msg.SenderID, msg.ReceiverID))
	out := msg
	err = s.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(idsBucket)
		if prev := ids.Get([]byte(msg.ID)); prev != nil {
			stored, err := s.findMessage(tx, prev, msg.ID)
			if err != nil {
				return err
			}
			glog.V(5).Infof("bolt: message %s already saved", msg.ID)
			out = stored
			return nil
		}

		conv, err := tx.Bucket(convBucket).CreateBucketIfNotExists(convKey)
		if err != nil {
			return err
		}
		if err := conv.Put(historyKey(msg), value); err != nil {
			return err
		}
		if err := ids.Put([]byte(msg.ID), convKey); err != nil {
			return err
		}

		users := tx.Bucket(usersBucket)
		for _, uid := range []UserID{msg.SenderID, msg.ReceiverID} {
			ub, err := users.CreateBucketIfNotExists([]byte(uid))
			if err != nil {
				return err
			}
			if err := ub.Put(convKey, []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("append message", err)
	}
	return out, nil
}

func (s *BoltStore) findMessage(tx *bbolt.Tx, convKey []byte, id string) (*Message, error) {
	conv := tx.Bucket(convBucket).Bucket(convKey)
	if conv == nil {
		return nil, fmt.Errorf("conversation %s of message %s not found", convKey, id)
	}
	c := conv.Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		if string(k[8:]) != id {
			continue
		}
		var m Message
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, err
		}
		return &m, nil
	}
	return nil, fmt.Errorf("message %s not found", id)
}

func (s *BoltStore) LoadHistory(ctx context.Context, a, b UserID) ([]*Message, error) {
	defer observe("bolt", "history", time.Now())

	out := []*Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		conv := tx.Bucket(convBucket).Bucket([]byte(ConversationKey(a, b)))
		if conv == nil {
			return nil
		}
		return conv.ForEach(func(k, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, &m)
			return nil
		})
	})
	if err != nil {
		return nil, storageErr("load history", err)
	}
	return out, nil
}

func (s *BoltStore) ListConversations(ctx context.Context, uid UserID) ([]*Conversation, error) {
	defer observe("bolt", "conversations", time.Now())

	out := []*Conversation{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		ub := tx.Bucket(usersBucket).Bucket([]byte(uid))
		if ub == nil {
			return nil
		}
		convs := tx.Bucket(convBucket)
		return ub.ForEach(func(convKey, _ []byte) error {
			conv := convs.Bucket(convKey)
			if conv == nil {
				return nil
			}
			_, v := conv.Cursor().Last()
			if v == nil {
				return nil
			}
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, newConversation(&m))
			return nil
		})
	})
	if err != nil {
		return nil, storageErr("list conversations", err)
	}
	sortConversations(out)
	return out, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
