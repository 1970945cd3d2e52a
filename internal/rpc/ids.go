package rpc

import (
	"crypto/rand"
	"encoding/hex"
)

// newID generates a 128-bit random identifier, hex-encoded, with a
// collision probability well under 2⁻⁶⁰ across a billion ids — used for
// sender, correlation, and session ids alike. crypto/rand is used directly
// rather than github.com/google/uuid: callers want random bits, not RFC
// 4122 structure, and pulling in a UUID library only to re-derive
// randomness the standard library already gives us would add a dependency
// with nothing left for it to do (see DESIGN.md).
func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand.Read on a supported platform only fails if the
		// system entropy source is broken; there is no safe fallback for
		// an id that must be globally unique, so this is the one place
		// the client panics instead of returning an error.
		panic("rpc: failed to read random bytes for id generation: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}
