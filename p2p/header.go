// Package p2p implements the binary chunk format carried by MSN SLP
// transfers: a fixed 48-byte header, a bounded body and a 4-byte footer
// holding the application id.
package p2p

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const (
	// HeaderSize is the encoded size of Header.
	HeaderSize = 48
	// FooterSize is the encoded size of the trailing application id.
	FooterSize = 4

	// SwitchboardMaxBody is the largest chunk body relayed through a switchboard.
	SwitchboardMaxBody = 1202
	// DirectMaxBody is the largest chunk body sent over a direct connection.
	DirectMaxBody = 1352
)

var (
	// ErrShortChunk indicates the buffer is smaller than header plus footer.
	ErrShortChunk = errors.New("p2p: chunk shorter than header and footer")
	// ErrLengthMismatch indicates the header length disagrees with the body.
	ErrLengthMismatch = errors.New("p2p: header length does not match body")
	// ErrTotalSizeTooSmall indicates the declared total is below the chunk length.
	ErrTotalSizeTooSmall = errors.New("p2p: total size smaller than chunk length")
	// ErrOffsetOverflow indicates offset plus length wraps or exceeds the total size.
	ErrOffsetOverflow = errors.New("p2p: chunk exceeds declared total size")
)

// Flag identifies the kind of message a chunk belongs to.
type Flag uint32

// Known flag values.
const (
	FlagNone          Flag = 0x0
	FlagOutOfOrder    Flag = 0x1
	FlagAck           Flag = 0x2
	FlagPendingInvite Flag = 0x4
	FlagBinaryError   Flag = 0x8
	FlagMSNObjData    Flag = 0x20
	FlagDCHandshake   Flag = 0x100
	FlagWLM2009Comp   Flag = 0x1000000
	FlagFileData      Flag = 0x1000030
)

func (f Flag) String() string {
	switch f {
	case FlagNone:
		return "none"
	case FlagOutOfOrder:
		return "out-of-order"
	case FlagAck:
		return "ack"
	case FlagPendingInvite:
		return "pending-invite"
	case FlagBinaryError:
		return "binary-error"
	case FlagMSNObjData:
		return "msnobj-data"
	case FlagWLM2009Comp | FlagMSNObjData:
		return "wlm2009-msnobj-data"
	case FlagDCHandshake:
		return "dc-handshake"
	case FlagWLM2009Comp:
		return "wlm2009-comp"
	case FlagFileData:
		return "file-data"
	default:
		return fmt.Sprintf("0x%x", uint32(f))
	}
}

// IsData reports whether the flag marks object or file payload chunks.
func (f Flag) IsData() bool {
	return f == FlagMSNObjData || f == FlagWLM2009Comp|FlagMSNObjData || f == FlagFileData
}

// NeedsAck reports whether a completed message with this flag is acknowledged.
// FlagDCHandshake is the legacy direct-connection variant and follows the
// same rules as plain data.
func (f Flag) NeedsAck() bool {
	return f == FlagNone || f == FlagWLM2009Comp || f == FlagDCHandshake || f.IsData()
}

// Application ids stamped into the footer.
const (
	AppIDSession  uint32 = 0
	AppIDObject   uint32 = 1
	AppIDFile     uint32 = 2
	AppIDEmoticon uint32 = 11
	AppIDDisplay  uint32 = 12
)

// Header is the fixed binary prefix of every chunk.
type Header struct {
	SessionID uint32
	ID        uint32
	Offset    uint64
	TotalSize uint64
	Length    uint32
	Flags     Flag
	AckID     uint32
	AckSubID  uint32
	AckSize   uint64
}

// AppendBinary appends the encoded header to b.
func (h Header) AppendBinary(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, h.SessionID)
	b = binary.BigEndian.AppendUint32(b, h.ID)
	b = binary.BigEndian.AppendUint64(b, h.Offset)
	b = binary.BigEndian.AppendUint64(b, h.TotalSize)
	b = binary.BigEndian.AppendUint32(b, h.Length)
	b = binary.BigEndian.AppendUint32(b, uint32(h.Flags))
	b = binary.BigEndian.AppendUint32(b, h.AckID)
	b = binary.BigEndian.AppendUint32(b, h.AckSubID)
	return binary.BigEndian.AppendUint64(b, h.AckSize)
}

// ParseHeader decodes a header from the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.Wrapf(ErrShortChunk, "header needs %d bytes, got %d", HeaderSize, len(b))
	}
	return Header{
		SessionID: binary.BigEndian.Uint32(b[0:4]),
		ID:        binary.BigEndian.Uint32(b[4:8]),
		Offset:    binary.BigEndian.Uint64(b[8:16]),
		TotalSize: binary.BigEndian.Uint64(b[16:24]),
		Length:    binary.BigEndian.Uint32(b[24:28]),
		Flags:     Flag(binary.BigEndian.Uint32(b[28:32])),
		AckID:     binary.BigEndian.Uint32(b[32:36]),
		AckSubID:  binary.BigEndian.Uint32(b[36:40]),
		AckSize:   binary.BigEndian.Uint64(b[40:48]),
	}, nil
}

// Validate checks the size relations a peer must respect.
func (h Header) Validate() error {
	if h.TotalSize < uint64(h.Length) {
		return errors.Wrapf(ErrTotalSizeTooSmall, "total %d, length %d", h.TotalSize, h.Length)
	}
	end, ok := CheckedAdd(h.Offset, uint64(h.Length))
	if !ok || end > h.TotalSize {
		return errors.Wrapf(ErrOffsetOverflow, "offset %d, length %d, total %d", h.Offset, h.Length, h.TotalSize)
	}
	return nil
}

// Nonce returns the 16-byte direct-connection nonce stored in the ack fields.
func (h Header) Nonce() [16]byte {
	var nonce [16]byte
	binary.BigEndian.PutUint32(nonce[0:4], h.AckID)
	binary.BigEndian.PutUint32(nonce[4:8], h.AckSubID)
	binary.BigEndian.PutUint64(nonce[8:16], h.AckSize)
	return nonce
}

// SetNonce stores a direct-connection nonce in the ack fields.
func (h *Header) SetNonce(nonce [16]byte) {
	h.AckID = binary.BigEndian.Uint32(nonce[0:4])
	h.AckSubID = binary.BigEndian.Uint32(nonce[4:8])
	h.AckSize = binary.BigEndian.Uint64(nonce[8:16])
}

// CheckedAdd returns a+b and false when the sum wraps.
func CheckedAdd(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum >= a
}
