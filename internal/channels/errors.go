package channels

import "fmt"

// Kind enumerates the channel-error taxonomy. Callers
// are expected to switch on Kind (via errors.As + (*ChannelError).Kind),
// never on the concrete wrapped cause.
type Kind int

const (
	// InvalidChannelName means a channel name failed validation.
	InvalidChannelName Kind = iota
	// ChannelFull means the per-channel queue-length cap was reached.
	ChannelFull
	// MessageTooLarge means a payload would exceed the codec/transport cap.
	MessageTooLarge
	// Transport means the backing store returned an I/O failure.
	Transport
	// Serialize means the codec failed to encode a message.
	Serialize
	// Deserialize means the codec failed to decode a message.
	Deserialize
	// Cancelled means an awaited reply never arrived because the reply
	// pump shut down.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case InvalidChannelName:
		return "InvalidChannelName"
	case ChannelFull:
		return "ChannelFull"
	case MessageTooLarge:
		return "MessageTooLarge"
	case Transport:
		return "Transport"
	case Serialize:
		return "Serialize"
	case Deserialize:
		return "Deserialize"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// ChannelError is the common error sum type channel-layer operations
// return. Callers switch on Kind; Cause is carried for logging only.
type ChannelError struct {
	Kind  Kind
	msg   string
	Cause error
}

func (e *ChannelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.Cause)
	}
	if e.msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	}
	return e.Kind.String()
}

func (e *ChannelError) Unwrap() error {
	return e.Cause
}

// wrap builds a ChannelError of the given kind around cause.
func wrap(kind Kind, msg string, cause error) error {
	return &ChannelError{Kind: kind, msg: msg, Cause: cause}
}
