package server

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// LoadRequest delivers a payload to the receiver.
type LoadRequest struct {
	Payload []byte `cbor:"1,keyasint"`
	// Persist archives the payload so it is restored on restart. The
	// receiver only honors it when it has a store.
	Persist bool `cbor:"2,keyasint,omitempty"`
}

// LoadResponse describes the loaded patch.
type LoadResponse struct {
	Patch    PatchInfo `cbor:"1,keyasint"`
	Archived bool      `cbor:"2,keyasint,omitempty"`
	Replaced bool      `cbor:"3,keyasint,omitempty"`
}

// UnloadRequest names the target whose patch is removed.
type UnloadRequest struct {
	Target string `cbor:"1,keyasint"`
	// Forget also deletes the target's archived payloads.
	Forget bool `cbor:"2,keyasint,omitempty"`
}

// UnloadResponse reports whether a patch was loaded for the target.
type UnloadResponse struct {
	Unloaded bool `cbor:"1,keyasint"`
	Deleted  int  `cbor:"2,keyasint,omitempty"`
}

// ListRequest asks for the loaded patches.
type ListRequest struct{}

// ListResponse lists the loaded patches ordered by target.
type ListResponse struct {
	Patches []PatchInfo `cbor:"1,keyasint"`
}

// PatchInfo summarizes a loaded patch.
type PatchInfo struct {
	ID        string   `cbor:"1,keyasint"`
	Target    string   `cbor:"2,keyasint"`
	Methods   int      `cbor:"3,keyasint"`
	Redirects []string `cbor:"4,keyasint,omitempty"`
	LoadedAt  int64    `cbor:"5,keyasint"`
	Stats     string   `cbor:"6,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Codec
// ---------------------------------------------------------------------------

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("server: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Codec carries the receiver messages as canonical CBOR. It serves both
// as a Connect codec and as a gRPC codec.
type Codec struct{}

// Name is the content subtype, as in application/cbor and
// application/grpc+cbor.
func (Codec) Name() string { return "cbor" }

func (Codec) Marshal(v any) ([]byte, error) {
	return cborEncMode.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("server: unmarshal %T: %w", v, err)
	}
	return nil
}
