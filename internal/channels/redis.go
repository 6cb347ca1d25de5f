package channels

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// lpopMany is the non-blocking multi-channel pop script, reproduced
// verbatim from the reference ASGI Redis channel-layer implementation: it
// iterates the given keys in order and returns the first non-nil LPOP.
const lpopMany = `
for keyCount = 1, #KEYS do
    local result = redis.call('LPOP', KEYS[keyCount])
    if result then
        return {KEYS[keyCount], result}
    end
end
return nil
`

// sendIfNotFull is the capacity-checked send script. It folds the
// length check and the write into one Redis command so the two can't
// race: without this, a standalone LLEN followed by a separate RPUSH
// lets two concurrent Sends both observe room and both push, blowing
// past maxChannelCapacity. Returns 1 if the message was written, 0 if
// the channel was already at capacity.
const sendIfNotFull = `
local channelKey = KEYS[1]
local messageKey = KEYS[2]
local maxCapacity = tonumber(ARGV[1])
local payload = ARGV[2]
local msgExpiry = ARGV[3]
local channelExpiry = ARGV[4]

if redis.call('LLEN', channelKey) >= maxCapacity then
    return 0
end
redis.call('SET', messageKey, payload, 'EX', msgExpiry)
redis.call('RPUSH', channelKey, messageKey)
redis.call('EXPIRE', channelKey, channelExpiry)
return 1
`

// RedisLayer is the Redis-backed ChannelLayer.
type RedisLayer struct {
	client *redis.Client

	prefix             string
	msgExpiry          time.Duration
	blpopTimeout       time.Duration
	maxChannelCapacity int64

	lpopMany      *redis.Script
	sendIfNotFull *redis.Script

	sends    *prometheus.CounterVec
	receives *prometheus.CounterVec
}

// WithMetrics attaches outcome counters, incremented by Send (by
// "ok"/"full"/"error") and Receive (by "ok"/"empty"/"error"). Optional —
// a RedisLayer with no counters attached just skips the increments.
func (l *RedisLayer) WithMetrics(sends, receives *prometheus.CounterVec) *RedisLayer {
	l.sends = sends
	l.receives = receives
	return l
}

func (l *RedisLayer) countSend(outcome string) {
	if l.sends != nil {
		l.sends.WithLabelValues(outcome).Inc()
	}
}

func (l *RedisLayer) countReceive(outcome string) {
	if l.receives != nil {
		l.receives.WithLabelValues(outcome).Inc()
	}
}

var _ Layer = (*RedisLayer)(nil)

// NewRedisLayer wraps client with the Redis channel-layer protocol.
// client is shared — RedisLayer holds no connection of its own; it
// relies on go-redis's internal pooling, with this package's Pool type
// layering a bounded-borrow/health-check contract on top (see pool.go).
func NewRedisLayer(client *redis.Client, prefix string, msgExpiry, blpopTimeout time.Duration, maxChannelCapacity int64) *RedisLayer {
	if prefix == "" {
		prefix = "asgi:"
	}
	if maxChannelCapacity <= 0 {
		maxChannelCapacity = 100
	}
	return &RedisLayer{
		client:             client,
		prefix:             prefix,
		msgExpiry:          msgExpiry,
		blpopTimeout:       blpopTimeout,
		maxChannelCapacity: maxChannelCapacity,
		lpopMany:           redis.NewScript(lpopMany),
		sendIfNotFull:      redis.NewScript(sendIfNotFull),
	}
}

func (l *RedisLayer) channelKey(name string) string {
	return l.prefix + name
}

// Send implements Layer.Send.
func (l *RedisLayer) Send(ctx context.Context, channel string, msg any) error {
	if err := ValidateName(channel); err != nil {
		return err
	}

	payload, err := msgpackMarshal(msg)
	if err != nil {
		l.countSend("error")
		return wrap(Serialize, "encoding message payload", err)
	}

	channelKey := l.channelKey(channel)
	messageKey := l.prefix + "msg:" + randomSuffix()
	msgExpiry := int64(l.msgExpiry / time.Second)
	channelExpiry := int64((l.msgExpiry + time.Second) / time.Second)

	keys := []string{channelKey, messageKey}
	args := []any{l.maxChannelCapacity, payload, msgExpiry, channelExpiry}
	res, err := l.sendIfNotFull.Run(ctx, l.client, keys, args...).Result()
	if err != nil {
		l.countSend("error")
		return wrap(Transport, "writing message to redis", err)
	}
	written, ok := res.(int64)
	if !ok {
		l.countSend("error")
		return wrap(Transport, "unexpected sendIfNotFull result shape", nil)
	}
	if written == 0 {
		l.countSend("full")
		return &ChannelError{Kind: ChannelFull, msg: "channel " + channel + " is at capacity"}
	}
	l.countSend("ok")
	return nil
}

// Receive implements Layer.Receive. channelNames is
// shuffled internally on every call to avoid starving any one channel.
func (l *RedisLayer) Receive(ctx context.Context, channelNames []string, blocking bool) (*Message, error) {
	for _, name := range channelNames {
		if err := ValidateName(name); err != nil {
			return nil, err
		}
	}

	for {
		shuffled := shuffleChannels(channelNames)
		keys := make([]string, len(shuffled))
		for i, name := range shuffled {
			keys[i] = l.channelKey(name)
		}

		channelKey, messageKey, err := l.popOne(ctx, keys, blocking)
		if err != nil {
			l.countReceive("error")
			return nil, err
		}
		if channelKey == "" {
			// Nothing arrived within the blpop timeout (or, in
			// non-blocking mode, nothing was available at all).
			l.countReceive("empty")
			return nil, nil
		}

		payload, err := l.client.Get(ctx, messageKey).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// The message expired between the pop and the get:
				// skip it and retry rather than surface a spurious
				// empty payload.
				continue
			}
			l.countReceive("error")
			return nil, wrap(Transport, "reading message payload", err)
		}

		name := channelKey[len(l.prefix):]
		l.countReceive("ok")
		return &Message{Channel: name, Payload: payload}, nil
	}
}

// popOne performs a single blocking or non-blocking multi-key pop,
// returning ("", "", nil) when nothing was available.
func (l *RedisLayer) popOne(ctx context.Context, keys []string, blocking bool) (channelKey, messageKey string, err error) {
	if blocking {
		args := make([]string, len(keys))
		copy(args, keys)
		res, err := l.client.BLPop(ctx, l.blpopTimeout, args...).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return "", "", nil
			}
			return "", "", wrap(Transport, "BLPOP", err)
		}
		// res is [key, value].
		return res[0], res[1], nil
	}

	res, err := l.lpopMany.Run(ctx, l.client, keys).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", "", nil
		}
		return "", "", wrap(Transport, "lpopmany script", err)
	}
	if res == nil {
		return "", "", nil
	}
	pair, ok := res.([]any)
	if !ok || len(pair) != 2 {
		return "", "", wrap(Transport, "unexpected lpopmany result shape", nil)
	}
	key, _ := pair[0].(string)
	val, _ := pair[1].(string)
	return key, val, nil
}

// NewChannel implements Layer.NewChannel.
func (l *RedisLayer) NewChannel(pattern string) (string, error) {
	return newChannelName(pattern)
}
