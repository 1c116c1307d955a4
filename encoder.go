package emberq

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder defines the interface for task payload and result serialization.
type Encoder interface {
	// Encode serializes a value to bytes.
	Encode(any) ([]byte, error)
	// Decode deserializes bytes into v.
	Decode([]byte, any) error
}

// JSONEncoder is the default Encoder. It uses the standard library for
// encoding and sonic for decoding, matching hot-path decode calls to a
// faster implementation while keeping encode output stable for tests that
// assert on exact JSON bytes.
type JSONEncoder struct{}

// Encode serializes a value to JSON using the standard library.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON bytes using sonic.
func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}
