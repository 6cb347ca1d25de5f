package channels

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLayer(t *testing.T) (*RedisLayer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	layer := NewRedisLayer(client, "asgi:", time.Minute, 200*time.Millisecond, 100)
	return layer, mr
}

func TestSendReceiveRoundTrip(t *testing.T) {
	layer, _ := newTestLayer(t)
	ctx := context.Background()

	err := layer.Send(ctx, "http.request", map[string]string{"hello": "world"})
	require.NoError(t, err)

	msg, err := layer.Receive(ctx, []string{"http.request"}, false)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, "http.request", msg.Channel)

	var decoded map[string]string
	require.NoError(t, DecodeMessage(msg.Payload, &decoded))
	require.Equal(t, "world", decoded["hello"])
}

func TestReceiveNonBlockingEmpty(t *testing.T) {
	layer, _ := newTestLayer(t)
	msg, err := layer.Receive(context.Background(), []string{"http.request"}, false)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestReceiveBlockingTimesOut(t *testing.T) {
	layer, _ := newTestLayer(t)
	start := time.Now()
	msg, err := layer.Receive(context.Background(), []string{"http.request"}, true)
	require.NoError(t, err)
	require.Nil(t, msg)
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestReceiveSkipsExpiredMessage(t *testing.T) {
	layer, mr := newTestLayer(t)
	ctx := context.Background()

	require.NoError(t, layer.Send(ctx, "http.request", "payload"))

	// Delete the message key directly, leaving the channel-queue entry
	// pointing at a key that no longer exists — the pop-then-get race a
	// real expiry would also produce, which both blocking and
	// non-blocking paths must tolerate by skipping and retrying rather
	// than surfacing a spurious empty payload.
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	keys, err := client.Keys(ctx, "asgi:msg:*").Result()
	require.NoError(t, err)
	require.NotEmpty(t, keys)
	require.NoError(t, client.Del(ctx, keys...).Err())

	msg, err := layer.Receive(ctx, []string{"http.request"}, false)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestSendRejectsFullChannel(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()})
	t.Cleanup(func() { client.Close() })
	layer := NewRedisLayer(client, "asgi:", time.Minute, time.Second, 2)
	ctx := context.Background()

	require.NoError(t, layer.Send(ctx, "chan", "one"))
	require.NoError(t, layer.Send(ctx, "chan", "two"))

	err := layer.Send(ctx, "chan", "three")
	require.Error(t, err)
	var cerr *ChannelError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ChannelFull, cerr.Kind)
}

func TestSendRejectsInvalidName(t *testing.T) {
	layer, _ := newTestLayer(t)
	err := layer.Send(context.Background(), "has space", "x")
	require.Error(t, err)
	var cerr *ChannelError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, InvalidChannelName, cerr.Kind)
}

func TestReceiveReturnsOneMessageFromEachChannel(t *testing.T) {
	layer, _ := newTestLayer(t)
	ctx := context.Background()

	require.NoError(t, layer.Send(ctx, "a", "1"))
	require.NoError(t, layer.Send(ctx, "b", "1"))

	seen := make(map[string]int)
	for i := 0; i < 2; i++ {
		msg, err := layer.Receive(ctx, []string{"a", "b"}, false)
		require.NoError(t, err)
		require.NotNil(t, msg)
		seen[msg.Channel]++
	}
	require.Equal(t, 1, seen["a"])
	require.Equal(t, 1, seen["b"])
}

func TestNewChannel(t *testing.T) {
	layer, _ := newTestLayer(t)
	name, err := layer.NewChannel("http.response!")
	require.NoError(t, err)
	require.NoError(t, ValidateName(name))
}
