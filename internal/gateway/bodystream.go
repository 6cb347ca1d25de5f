package gateway

import (
	"context"
	"io"

	"github.com/asgibridge/asgibridge/internal/msgs"
	"github.com/asgibridge/asgibridge/internal/replypump"
)

// BodyStream is the lazy response-body adapter. It implements io.Reader
// so the HTTP frontend can drive it with a plain
// io.Copy; internally each Read that exhausts the current chunk blocks
// on the reply pump for the next one, exactly mirroring the Waiting/Done
// poll transitions a streaming body response goes through:
//
//   - Waiting, next chunk has more_content=true: yield its bytes, then
//     wait for the next chunk.
//   - Waiting, next chunk has more_content=false: yield its bytes, then
//     transition to Done (io.EOF).
//   - Waiting, pump errors: the stream terminates with that error.
//
// Its initial state already holds the chunk that arrived with the
// response envelope, so the same Read loop covers both a single-shot
// response (more_content=false up front) and a streaming one.
type BodyStream struct {
	ctx     context.Context
	pump    *replypump.Pump
	channel string

	pending []byte
	noMore  bool
	err     error
}

// NewBodyStream builds a BodyStream seeded with the chunk that arrived
// inline on the response envelope.
func NewBodyStream(ctx context.Context, pump *replypump.Pump, channel string, initialContent []byte, initialMoreContent bool) *BodyStream {
	return &BodyStream{
		ctx:     ctx,
		pump:    pump,
		channel: channel,
		pending: initialContent,
		noMore:  !initialMoreContent,
	}
}

// Read implements io.Reader.
func (s *BodyStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		if s.noMore {
			return 0, io.EOF
		}

		var chunk msgs.ResponseBodyChunk
		if err := s.pump.WaitForReply(s.ctx, s.channel, &chunk); err != nil {
			s.err = err
			return 0, err
		}
		s.pending = chunk.Content
		s.noMore = !chunk.MoreContent
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}
