package busproxy

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's encoding package so every call on a
// connection built by this package can be sent with
// grpc.CallContentSubtype(codecName) instead of the default proto codec.
// There is no .proto/protoc toolchain generating message types here, only
// plain Go structs (see wire.go), so gob is the simplest codec that is
// still real, registered grpc machinery rather than a hand-rolled framing
// format bolted on top of net.Conn.
const codecName = "securitymgr-gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

type gobCodec struct{}

func (gobCodec) Name() string { return codecName }

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
