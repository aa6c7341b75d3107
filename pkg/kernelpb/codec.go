package kernelpb

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered as a gRPC content-subtype so the kernel's gRPC
// server and any Go client can exchange plain JSON-tagged structs
// instead of protobuf-generated messages.
const codecName = "kerneljson"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements google.golang.org/grpc/encoding.Codec over
// encoding/json. grpc-go requires every message to satisfy proto.Message
// when the default codec is in effect; registering a named codec and
// dialing/serving with grpc.CallContentSubtype/ForceServerCodec lets
// kernelpb's plain structs travel over grpc without a protobuf toolchain
// step, which the kernel cannot run as part of this build.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("kernelpb: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("kernelpb: unmarshal into %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

// CodecName is the registered codec name gRPC clients must request via
// grpc.CallContentSubtype(kernelpb.CodecName) to talk to a kernel server;
// the server resolves the codec from that content-subtype through the
// registration in init.
const CodecName = codecName
