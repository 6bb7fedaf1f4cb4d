package crypto

import (
	"crypto/sha1"
	"crypto/subtle"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Nonce authenticates a direct connection. It travels as a GUID string in
// the transreq/transresp bodies and as 16 raw bytes in the handshake chunk.
type Nonce [16]byte

// NewNonce returns a random nonce.
func NewNonce() Nonce {
	return Nonce(uuid.New())
}

// ParseNonce parses a GUID with or without braces.
func ParseNonce(s string) (Nonce, error) {
	u, err := uuid.Parse(strings.Trim(strings.TrimSpace(s), "{}"))
	if err != nil {
		return Nonce{}, errors.Wrapf(err, "parse nonce %q", s)
	}
	return Nonce(u), nil
}

// String formats the nonce as an upper case GUID in braces.
func (n Nonce) String() string {
	return "{" + strings.ToUpper(uuid.UUID(n).String()) + "}"
}

// IsZero reports whether n is unset.
func (n Nonce) IsZero() bool {
	return n == Nonce{}
}

// Hash returns the Hashed-Nonce form: the first 16 bytes of SHA-1 over the nonce.
func (n Nonce) Hash() Nonce {
	sum := sha1.Sum(n[:])
	var h Nonce
	copy(h[:], sum[:])
	return h
}

// Equal compares nonces in constant time.
func (n Nonce) Equal(other Nonce) bool {
	return subtle.ConstantTimeCompare(n[:], other[:]) == 1
}
