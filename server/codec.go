package server

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEnc is a canonical encoder, so equal messages encode to equal bytes.
var cborEnc cbor.EncMode

func init() {
	var err error
	cborEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("server: cbor enc mode: %v", err))
	}
}

// Codec carries debug service messages as CBOR. Clients and handlers must
// both be built with connect.WithCodec(Codec{}).
type Codec struct{}

// Name is the content subtype: application/cbor on the wire.
func (Codec) Name() string { return "cbor" }

func (Codec) Marshal(msg any) ([]byte, error) {
	return cborEnc.Marshal(msg)
}

func (Codec) Unmarshal(data []byte, msg any) error {
	return cbor.Unmarshal(data, msg)
}
