// Package msgs defines the fixed on-wire message envelopes exchanged
// over the channel layer. Each envelope hand-writes its
// own MessagePack map encoding (via msgpack.CustomEncoder/CustomDecoder)
// instead of relying on the library's default struct layout, mirroring
// the reference ASGI implementation's manual serialize/deserialize: the
// wire format (string-keyed maps, binary header values, 2-element
// header arrays) must match the counterpart ASGI implementation
// byte-for-byte, so it is spelled out explicitly rather than left to
// reflection-based defaults.
package msgs

import "github.com/vmihailenco/msgpack/v5"

// HostPort is a (host, port) pair, used for the optional client/server
// address fields, mirroring what the reference ASGI server exposes.
// It encodes as a 2-element array, matching the original's (String, u16)
// tuple representation.
type HostPort struct {
	Host string
	Port uint16
}

func (hp HostPort) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeString(hp.Host); err != nil {
		return err
	}
	return enc.Encode(hp.Port)
}

func (hp *HostPort) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		switch i {
		case 0:
			if hp.Host, err = dec.DecodeString(); err != nil {
				return err
			}
		case 1:
			if err := dec.Decode(&hp.Port); err != nil {
				return err
			}
		default:
			if err := dec.Skip(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Header is one (name, value) header pair. Names are lower-cased ASCII;
// both name and value are MessagePack binary strings,
// encoded as a 2-element array — [bytes, bytes].
type Header struct {
	Name  []byte
	Value []byte
}

func (h Header) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeBytes(h.Name); err != nil {
		return err
	}
	return enc.EncodeBytes(h.Value)
}

func (h *Header) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		switch i {
		case 0:
			if h.Name, err = dec.DecodeBytes(); err != nil {
				return err
			}
		case 1:
			if h.Value, err = dec.DecodeBytes(); err != nil {
				return err
			}
		default:
			if err := dec.Skip(); err != nil {
				return err
			}
		}
	}
	return nil
}

func encodeHeaders(enc *msgpack.Encoder, headers []Header) error {
	if err := enc.EncodeArrayLen(len(headers)); err != nil {
		return err
	}
	for _, h := range headers {
		if err := h.EncodeMsgpack(enc); err != nil {
			return err
		}
	}
	return nil
}

func decodeHeaders(dec *msgpack.Decoder) ([]Header, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	headers := make([]Header, n)
	for i := range headers {
		if err := headers[i].DecodeMsgpack(dec); err != nil {
			return nil, err
		}
	}
	return headers, nil
}

// Request is the HTTP request envelope sent on the fixed "http.request"
// channel.
type Request struct {
	ReplyChannel string
	HTTPVersion  string // "1.0" or "1.1"
	Method       string
	Scheme       string
	Path         string
	QueryString  string
	Headers      []Header
	Body         []byte

	// BodyChannel is present iff more chunks follow on a per-request
	// body channel.
	BodyChannel *string

	// Client and Server mirror what the reference ASGI server exposes.
	// Client is nil when the remote address can't be
	// determined.
	Client *HostPort
	Server HostPort
}

func (r *Request) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(11); err != nil {
		return err
	}
	pairs := []struct {
		key string
		enc func() error
	}{
		{"reply_channel", func() error { return enc.EncodeString(r.ReplyChannel) }},
		{"http_version", func() error { return enc.EncodeString(r.HTTPVersion) }},
		{"method", func() error { return enc.EncodeString(r.Method) }},
		{"scheme", func() error { return enc.EncodeString(r.Scheme) }},
		{"path", func() error { return enc.EncodeString(r.Path) }},
		{"query_string", func() error { return enc.EncodeString(r.QueryString) }},
		{"headers", func() error { return encodeHeaders(enc, r.Headers) }},
		{"body", func() error { return enc.EncodeBytes(r.Body) }},
		{"body_channel", func() error {
			if r.BodyChannel == nil {
				return enc.EncodeNil()
			}
			return enc.EncodeString(*r.BodyChannel)
		}},
		{"client", func() error {
			if r.Client == nil {
				return enc.EncodeNil()
			}
			return r.Client.EncodeMsgpack(enc)
		}},
		{"server", func() error { return r.Server.EncodeMsgpack(enc) }},
	}
	for _, p := range pairs {
		if err := enc.EncodeString(p.key); err != nil {
			return err
		}
		if err := p.enc(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Request) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return err
		}
		switch key {
		case "reply_channel":
			if r.ReplyChannel, err = dec.DecodeString(); err != nil {
				return err
			}
		case "http_version":
			if r.HTTPVersion, err = dec.DecodeString(); err != nil {
				return err
			}
		case "method":
			if r.Method, err = dec.DecodeString(); err != nil {
				return err
			}
		case "scheme":
			if r.Scheme, err = dec.DecodeString(); err != nil {
				return err
			}
		case "path":
			if r.Path, err = dec.DecodeString(); err != nil {
				return err
			}
		case "query_string":
			if r.QueryString, err = dec.DecodeString(); err != nil {
				return err
			}
		case "headers":
			if r.Headers, err = decodeHeaders(dec); err != nil {
				return err
			}
		case "body":
			if r.Body, err = dec.DecodeBytes(); err != nil {
				return err
			}
		case "body_channel":
			nilVal, err := isNilNext(dec)
			if err != nil {
				return err
			}
			if nilVal {
				if err := dec.DecodeNil(); err != nil {
					return err
				}
				r.BodyChannel = nil
			} else {
				s, err := dec.DecodeString()
				if err != nil {
					return err
				}
				r.BodyChannel = &s
			}
		case "client":
			nilVal, err := isNilNext(dec)
			if err != nil {
				return err
			}
			if nilVal {
				if err := dec.DecodeNil(); err != nil {
					return err
				}
				r.Client = nil
			} else {
				var hp HostPort
				if err := hp.DecodeMsgpack(dec); err != nil {
					return err
				}
				r.Client = &hp
			}
		case "server":
			if err := r.Server.DecodeMsgpack(dec); err != nil {
				return err
			}
		default:
			if err := dec.Skip(); err != nil {
				return err
			}
		}
	}
	return nil
}

// msgpackNilCode is the wire code for msgpack's nil value (0xc0).
const msgpackNilCode = 0xc0

func isNilNext(dec *msgpack.Decoder) (bool, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return false, err
	}
	return code == msgpackNilCode, nil
}

// RequestBodyChunk is sent on a per-request "http.request.body?<rand>"
// channel when the request body exceeds the inline chunk size.
type RequestBodyChunk struct {
	Content     []byte
	Closed      bool
	MoreContent bool
}

func (c *RequestBodyChunk) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(3); err != nil {
		return err
	}
	if err := enc.EncodeString("content"); err != nil {
		return err
	}
	if err := enc.EncodeBytes(c.Content); err != nil {
		return err
	}
	if err := enc.EncodeString("closed"); err != nil {
		return err
	}
	if err := enc.EncodeBool(c.Closed); err != nil {
		return err
	}
	if err := enc.EncodeString("more_content"); err != nil {
		return err
	}
	return enc.EncodeBool(c.MoreContent)
}

func (c *RequestBodyChunk) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return err
		}
		switch key {
		case "content":
			if c.Content, err = dec.DecodeBytes(); err != nil {
				return err
			}
		case "closed":
			if c.Closed, err = dec.DecodeBool(); err != nil {
				return err
			}
		case "more_content":
			if c.MoreContent, err = dec.DecodeBool(); err != nil {
				return err
			}
		default:
			if err := dec.Skip(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Response is received on the request's reply channel
// ("http.response!<rand>").
type Response struct {
	Status      uint16
	Headers     []Header
	Content     []byte
	MoreContent bool
}

func (r *Response) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(4); err != nil {
		return err
	}
	if err := enc.EncodeString("status"); err != nil {
		return err
	}
	if err := enc.Encode(r.Status); err != nil {
		return err
	}
	if err := enc.EncodeString("headers"); err != nil {
		return err
	}
	if err := encodeHeaders(enc, r.Headers); err != nil {
		return err
	}
	if err := enc.EncodeString("content"); err != nil {
		return err
	}
	if err := enc.EncodeBytes(r.Content); err != nil {
		return err
	}
	if err := enc.EncodeString("more_content"); err != nil {
		return err
	}
	return enc.EncodeBool(r.MoreContent)
}

func (r *Response) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return err
		}
		switch key {
		case "status":
			if err := dec.Decode(&r.Status); err != nil {
				return err
			}
		case "headers":
			if r.Headers, err = decodeHeaders(dec); err != nil {
				return err
			}
		case "content":
			if r.Content, err = dec.DecodeBytes(); err != nil {
				return err
			}
		case "more_content":
			if r.MoreContent, err = dec.DecodeBool(); err != nil {
				return err
			}
		default:
			if err := dec.Skip(); err != nil {
				return err
			}
		}
	}
	return nil
}

// ResponseBodyChunk is a subsequent chunk on the same reply channel as
// Response, when MoreContent was true.
type ResponseBodyChunk struct {
	Content     []byte
	MoreContent bool
}

func (c *ResponseBodyChunk) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(2); err != nil {
		return err
	}
	if err := enc.EncodeString("content"); err != nil {
		return err
	}
	if err := enc.EncodeBytes(c.Content); err != nil {
		return err
	}
	if err := enc.EncodeString("more_content"); err != nil {
		return err
	}
	return enc.EncodeBool(c.MoreContent)
}

func (c *ResponseBodyChunk) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return err
		}
		switch key {
		case "content":
			if c.Content, err = dec.DecodeBytes(); err != nil {
				return err
			}
		case "more_content":
			if c.MoreContent, err = dec.DecodeBool(); err != nil {
				return err
			}
		default:
			if err := dec.Skip(); err != nil {
				return err
			}
		}
	}
	return nil
}
