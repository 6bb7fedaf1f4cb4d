// Package switchboard relays SLP chunks between accounts connected to a
// shared server. It is the transport used until a direct connection exists.
package switchboard

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MaxPassportSize is the longest passport an envelope can address.
const MaxPassportSize = 255

// ErrBadEnvelope is returned for payloads that do not carry a valid envelope.
var ErrBadEnvelope = errors.New("switchboard: malformed envelope")

// EncodeEnvelope prefixes payload with the addressed passport. Clients address
// the recipient, the server rewrites it to the sender.
func EncodeEnvelope(peer string, payload []byte) ([]byte, error) {
	if peer == "" || len(peer) > MaxPassportSize {
		return nil, errors.Wrapf(ErrBadEnvelope, "passport length %d", len(peer))
	}
	b := make([]byte, 2, 2+len(peer)+len(payload))
	binary.BigEndian.PutUint16(b, uint16(len(peer)))
	b = append(b, peer...)
	return append(b, payload...), nil
}

// DecodeEnvelope splits an envelope into passport and payload. The payload
// aliases b.
func DecodeEnvelope(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, errors.Wrap(ErrBadEnvelope, "short envelope")
	}
	n := int(binary.BigEndian.Uint16(b))
	if n == 0 || n > MaxPassportSize || len(b) < 2+n {
		return "", nil, errors.Wrapf(ErrBadEnvelope, "passport length %d", n)
	}
	return string(b[2 : 2+n]), b[2+n:], nil
}
