package channels

import "github.com/vmihailenco/msgpack/v5"

// msgpackMarshal encodes v as MessagePack. Envelope types in
// internal/msgs implement msgpack.CustomEncoder/CustomDecoder
// themselves, so v's own EncodeMsgpack (when present) drives the
// actual map layout on the wire rather than the library's default
// reflection-based struct encoding.
func msgpackMarshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func msgpackUnmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
