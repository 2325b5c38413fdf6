package server

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode and cborDecMode are shared by the Connect codec. Canonical
// encoding keeps messages deterministic.
var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	var err error
	cborEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("server: failed to create CBOR encoder: %v", err))
	}
	cborDecMode, err = cbor.DecOptions{
		IntDec: cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("server: failed to create CBOR decoder: %v", err))
	}
}

// CBORCodec is a connect.Codec for the plain Go message structs of the
// execution service. Clients must be created with
// connect.WithCodec(CBORCodec{}).
type CBORCodec struct{}

// Name is the codec name used in Content-Type ("application/cbor").
func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Marshal(msg any) ([]byte, error) {
	return cborEncMode.Marshal(msg)
}

func (CBORCodec) Unmarshal(data []byte, msg any) error {
	return cborDecMode.Unmarshal(data, msg)
}
