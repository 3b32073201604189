package protocol

import "github.com/fxamacker/cbor/v2"

// Deterministic encoding keeps signing bytes stable across processes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em

	dm, err := cbor.DecOptions{
		MaxArrayElements: 65536,
		MaxMapPairs:      65536,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dm
}

// Marshal encodes v with the deterministic mode.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data with bounded collection sizes.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
