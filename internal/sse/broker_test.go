package sse

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/pairlink/session-server/internal/redis"
)

func TestBroker_Local(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()
	ctx := context.Background()

	t.Run("delivers to subscribers of the same session only", func(t *testing.T) {
		a := b.Subscribe("session-a")
		other := b.Subscribe("session-b")
		defer b.Unsubscribe(a)
		defer b.Unsubscribe(other)

		ev, err := NewEvent(EventStatus, map[string]string{"status": "active"})
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, "session-a", ev))

		select {
		case got := <-a.Events:
			assert.Equal(t, EventStatus, got.Type)
			assert.JSONEq(t, `{"status":"active"}`, string(got.Data))
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}

		select {
		case <-other.Events:
			t.Fatal("event leaked to another session")
		default:
		}
	})

	t.Run("publish without subscribers is a no-op", func(t *testing.T) {
		ev, err := NewEvent(EventExpired, nil)
		require.NoError(t, err)
		assert.NoError(t, b.Publish(ctx, "nobody", ev))
	})

	t.Run("unsubscribe closes done and is idempotent", func(t *testing.T) {
		c := b.Subscribe("session-c")
		assert.Equal(t, 1, b.ClientCount("session-c"))

		b.Unsubscribe(c)
		b.Unsubscribe(c)

		_, open := <-c.Done
		assert.False(t, open)
		assert.Equal(t, 0, b.ClientCount("session-c"))
	})
}

func TestBroker_Close(t *testing.T) {
	b := NewBroker(nil)
	c1 := b.Subscribe("s1")
	c2 := b.Subscribe("s2")
	assert.Equal(t, 2, b.TotalClients())

	b.Close()

	_, open := <-c1.Done
	assert.False(t, open)
	_, open = <-c2.Done
	assert.False(t, open)
	assert.Equal(t, 0, b.TotalClients())

	b.Unsubscribe(c1)
}

func TestBroker_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := &redisclient.Client{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	defer rdb.Close()

	b := NewBroker(rdb)
	defer b.Close()

	c := b.Subscribe("session-r")
	defer b.Unsubscribe(c)

	ev, err := NewEvent(EventConnected, map[string]string{"sessionId": "session-r"})
	require.NoError(t, err)

	// The pub/sub goroutine subscribes asynchronously; keep publishing until
	// the first event arrives.
	var got Event
	require.Eventually(t, func() bool {
		if err := b.Publish(context.Background(), "session-r", ev); err != nil {
			return false
		}
		select {
		case got = <-c.Events:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, EventConnected, got.Type)
	assert.JSONEq(t, `{"sessionId":"session-r"}`, string(got.Data))
}
