package chatstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each conversation in a sorted set scored by unix ms timestamp.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redisURL, e.g. redis://127.0.0.1:6379/0.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storageErr("ping redis", err)
	}
	return &RedisStore{client: client}, nil
}

func convMessagesKey(convKey string) string {
	return fmt.Sprintf("conv:%s:messages", convKey)
}

func userConvsKey(uid UserID) string {
	return fmt.Sprintf("user:%s:convs", uid)
}

func messageIDKey(id string) string {
	return fmt.Sprintf("msg:%s", id)
}

func (s *RedisStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	defer observe("redis", "append", time.Now())

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("error marshal message: %w", err)
	}

	convKey := ConversationKey(msg.SenderID, msg.ReceiverID)

	// msg:<id> guards against double appends of the same message.
	ok, err := s.client.SetNX(ctx, messageIDKey(msg.ID), convKey, 0).Result()
	if err != nil {
		return nil, storageErr("append message", err)
	}
	if !ok {
		glog.V(5).Infof("redis: message %s already saved", msg.ID)
		return msg, nil
	}

	score := float64(msg.Timestamp.UnixMilli())
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, convMessagesKey(convKey), redis.Z{Score: score, Member: string(data)})
	pipe.ZAdd(ctx, userConvsKey(msg.SenderID), redis.Z{Score: score, Member: convKey})
	pipe.ZAdd(ctx, userConvsKey(msg.ReceiverID), redis.Z{Score: score, Member: convKey})
	if _, err := pipe.Exec(ctx); err != nil {
		// Let a retry of the same message through.
		s.client.Del(ctx, messageIDKey(msg.ID))
		return nil, storageErr("append message", err)
	}
	return msg, nil
}

func (s *RedisStore) LoadHistory(ctx context.Context, a, b UserID) ([]*Message, error) {
	defer observe("redis", "history", time.Now())

	results, err := s.client.ZRange(ctx, convMessagesKey(ConversationKey(a, b)), 0, -1).Result()
	if err != nil {
		return nil, storageErr("load history", err)
	}
	out := decodeMessages(results)
	SortByTime(out)
	return out, nil
}

func (s *RedisStore) ListConversations(ctx context.Context, uid UserID) ([]*Conversation, error) {
	defer observe("redis", "conversations", time.Now())

	keys, err := s.client.ZRevRange(ctx, userConvsKey(uid), 0, -1).Result()
	if err != nil {
		return nil, storageErr("list conversations", err)
	}

	out := make([]*Conversation, 0, len(keys))
	for _, key := range keys {
		last, err := s.client.ZRevRange(ctx, convMessagesKey(key), 0, 0).Result()
		if err != nil {
			return nil, storageErr("list conversations", err)
		}
		if msgs := decodeMessages(last); len(msgs) > 0 {
			out = append(out, newConversation(msgs[0]))
		}
	}
	sortConversations(out)
	return out, nil
}

func decodeMessages(results []string) []*Message {
	out := make([]*Message, 0, len(results))
	for _, data := range results {
		var m Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			glog.Errorf("redis: skip undecodable message: %v", err)
			continue
		}
		out = append(out, &m)
	}
	return out
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
