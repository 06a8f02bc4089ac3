package chatstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// e.g. MINICHAT_TEST_REDIS_URL=redis://127.0.0.1:6379/15, the db is flushed.
func openTestRedis(t *testing.T) *RedisStore {
	url := os.Getenv("MINICHAT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MINICHAT_TEST_REDIS_URL is not set")
	}
	ctx := context.Background()
	s, err := NewRedisStore(ctx, url)
	require.NoError(t, err)
	require.NoError(t, s.client.FlushDB(ctx).Err())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisAppendAndHistory(t *testing.T) {
	s := openTestRedis(t)
	ctx := context.Background()
	t0 := Now()

	m1 := newTestMessage("u1", "u2", "first", t0)
	m2 := newTestMessage("u2", "u1", "second", t0.Add(time.Second))
	m3 := newTestMessage("u3", "u1", "third", t0.Add(2*time.Second))
	for _, m := range []*Message{m2, m1, m1, m3} {
		_, err := s.AppendMessage(ctx, m)
		require.NoError(t, err)
	}

	history, err := s.LoadHistory(ctx, "u1", "u2")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "first", history[0].Content)
	assert.Equal(t, "second", history[1].Content)

	convs, err := s.ListConversations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "2:u1|u3", convs[0].Key)
	assert.Equal(t, "second", convs[1].LastMessage.Content)
}
