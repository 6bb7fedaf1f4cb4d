package p2p

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Chunk is one wire unit: header, body and footer application id.
type Chunk struct {
	Header Header
	Body   []byte
	AppID  uint32
}

// Marshal encodes the chunk. Header.Length is taken from the body.
func (c Chunk) Marshal() []byte {
	h := c.Header
	h.Length = uint32(len(c.Body))

	b := make([]byte, 0, HeaderSize+len(c.Body)+FooterSize)
	b = h.AppendBinary(b)
	b = append(b, c.Body...)
	return binary.BigEndian.AppendUint32(b, c.AppID)
}

// ParseChunk decodes a chunk. The body aliases b.
func ParseChunk(b []byte) (Chunk, error) {
	if len(b) < HeaderSize+FooterSize {
		return Chunk{}, errors.Wrapf(ErrShortChunk, "got %d bytes", len(b))
	}

	h, err := ParseHeader(b)
	if err != nil {
		return Chunk{}, err
	}

	body := b[HeaderSize : len(b)-FooterSize]
	if uint64(h.Length) != uint64(len(body)) {
		return Chunk{}, errors.Wrapf(ErrLengthMismatch, "header says %d, body has %d", h.Length, len(body))
	}

	return Chunk{
		Header: h,
		Body:   body,
		AppID:  binary.BigEndian.Uint32(b[len(b)-FooterSize:]),
	}, nil
}
