package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	t.Run("connects and pings", func(t *testing.T) {
		mr := miniredis.RunT(t)

		client, err := NewClient("redis://" + mr.Addr())
		require.NoError(t, err)
		defer client.Close()

		require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
		got, err := mr.Get("k")
		require.NoError(t, err)
		assert.Equal(t, "v", got)
	})

	t.Run("rejects malformed url", func(t *testing.T) {
		_, err := NewClient("not a url")
		assert.ErrorContains(t, err, "parse redis url")
	})

	t.Run("fails when unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		_, err := NewClient("redis://" + addr)
		assert.ErrorContains(t, err, "ping redis")
	})
}

func TestSessionEventsChannel(t *testing.T) {
	assert.Equal(t, "session-events:abc", SessionEventsChannel("abc"))
}
