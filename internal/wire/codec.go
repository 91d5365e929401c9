package wire

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the grpc content-subtype used by the Arbiter service
const CodecName = "bynar-wire"

// Codec marshals Arbiter messages with the protobuf binary encoding using
// the field numbers declared in messages.go.
type Codec struct{}

// Marshal implements encoding.Codec
func (Codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("%s: cannot marshal %T", CodecName, v)
	}
	return m.Marshal()
}

// Unmarshal implements encoding.Codec
func (Codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("%s: cannot unmarshal into %T", CodecName, v)
	}
	return m.Unmarshal(data)
}

// Name implements encoding.Codec
func (Codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(Codec{})
}
