package proto

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype the envelopes are sent under.
const CodecName = "zkwire"

type wireMessage interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// Codec lets gRPC carry ZookeeperRequest and ZookeeperResponse envelopes.
type Codec struct{}

var _ encoding.Codec = Codec{}

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("proto: cannot marshal %T", v)
	}
	return m.Marshal()
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("proto: cannot unmarshal into %T", v)
	}
	return m.Unmarshal(data)
}

func (Codec) Name() string {
	return CodecName
}

// ServerCodec must be passed to grpc.NewServer for servers registering the Zookeeper service.
func ServerCodec() grpc.ServerOption {
	return grpc.ForceServerCodec(Codec{})
}
