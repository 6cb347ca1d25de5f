// Package channels implements the typed, Redis-backed ASGI channel
// layer: channel naming, send/receive with fairness and expiry, and a
// bounded connection pool.
package channels

import "context"

// Message is a single popped (channel, payload) pair. Payload is the
// still-encoded message bytes — DecodeMessage is a separate step so
// callers can amortize allocation by pop-without-decode when they only
// need to route the message.
type Message struct {
	Channel string
	Payload []byte
}

// Layer is the capability set the reply pump depends on, so the pump
// never binds to the concrete Redis implementation. The request
// pipeline reaches the layer through Pool, which hands out the
// concrete *RedisLayer.
type Layer interface {
	// Send validates channel, encodes msg, and writes it to the backing
	// store with the configured TTLs. Fails with InvalidChannelName,
	// ChannelFull, Serialize, or Transport.
	Send(ctx context.Context, channel string, msg any) error

	// Receive polls channels (shuffled internally for fairness) for the
	// next available message. In blocking mode it waits up to the
	// configured blpop timeout; in non-blocking mode it returns
	// immediately. Returns (nil, nil) when nothing was available.
	Receive(ctx context.Context, channelNames []string, blocking bool) (*Message, error)

	// NewChannel returns pattern + a random 10-character suffix. pattern
	// must end in ! or ? and pass name validation.
	NewChannel(pattern string) (string, error)
}

// DecodeMessage decodes a popped message payload into out. It is a
// package-level function (not a Layer method) because it touches no
// connection state — it's purely the codec, an opaque wrapper over
// the wire format.
func DecodeMessage(payload []byte, out any) error {
	if err := msgpackUnmarshal(payload, out); err != nil {
		return wrap(Deserialize, "decoding message payload", err)
	}
	return nil
}
