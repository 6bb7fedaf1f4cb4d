package slp

import (
	"io"

	"github.com/pkg/errors"

	"msnslp/p2p"
)

type msgKey struct {
	sessionID uint32
	id        uint32
}

// Message is one logical payload moving in chunks over a link.
//
// Outbound messages either own a byte slice or read from a source as parts
// are produced. Inbound messages either own a buffer of the declared size
// or stream into the sink of their call.
type Message struct {
	id        uint32
	sessionID uint32
	size      uint64
	offset    uint64
	flags     p2p.Flag
	appID     uint32
	ackID     uint32
	ackSubID  uint32
	ackSize   uint64

	// ackOf is set on acknowledgments and holds the header being acked.
	ackOf *p2p.Header

	buf    []byte
	source io.Reader
	sink   io.Writer

	link  *Link
	call  *Call
	parts int
}

// NewMessage creates an outbound message carrying payload.
func NewMessage(sessionID uint32, flags p2p.Flag, appID uint32, payload []byte) *Message {
	return &Message{
		sessionID: sessionID,
		size:      uint64(len(payload)),
		flags:     flags,
		appID:     appID,
		buf:       payload,
	}
}

// NewStreamMessage creates an outbound message whose parts are read from src.
func NewStreamMessage(sessionID uint32, flags p2p.Flag, appID uint32, size uint64, src io.Reader) *Message {
	return &Message{
		sessionID: sessionID,
		size:      size,
		flags:     flags,
		appID:     appID,
		source:    src,
	}
}

func newAckMessage(acked p2p.Header) *Message {
	return &Message{
		sessionID: acked.SessionID,
		flags:     p2p.FlagAck,
		ackID:     acked.ID,
		ackSubID:  acked.AckID,
		ackSize:   acked.TotalSize,
		ackOf:     &acked,
	}
}

func newIncomingMessage(h p2p.Header, appID uint32) *Message {
	return &Message{
		id:        h.ID,
		sessionID: h.SessionID,
		size:      h.TotalSize,
		flags:     h.Flags,
		appID:     appID,
		ackID:     h.AckID,
		ackSubID:  h.AckSubID,
		ackSize:   h.AckSize,
	}
}

// ID returns the message id assigned from the link sequence.
func (m *Message) ID() uint32 { return m.id }

// SessionID returns the call session id, zero for signalling messages.
func (m *Message) SessionID() uint32 { return m.sessionID }

// Size returns the declared total size.
func (m *Message) Size() uint64 { return m.size }

// Offset returns the number of bytes sent or received so far.
func (m *Message) Offset() uint64 { return m.offset }

// Flags returns the message type flags.
func (m *Message) Flags() p2p.Flag { return m.flags }

// AppID returns the footer application id.
func (m *Message) AppID() uint32 { return m.appID }

// AckID returns the ack id stamped on the message.
func (m *Message) AckID() uint32 { return m.ackID }

// Payload returns the buffered bytes. It is nil for streamed messages.
func (m *Message) Payload() []byte { return m.buf }

// Call returns the call the message belongs to, if any.
func (m *Message) Call() *Call { return m.call }

// Link returns the link the message travels on.
func (m *Message) Link() *Link { return m.link }

// Complete reports whether all declared bytes have moved.
func (m *Message) Complete() bool { return m.offset == m.size }

// Header returns the header identifying the message as a whole.
func (m *Message) Header() p2p.Header {
	return p2p.Header{
		SessionID: m.sessionID,
		ID:        m.id,
		TotalSize: m.size,
		Flags:     m.flags,
		AckID:     m.ackID,
		AckSubID:  m.ackSubID,
		AckSize:   m.ackSize,
	}
}

func (m *Message) key() msgKey {
	return msgKey{sessionID: m.sessionID, id: m.id}
}

func (m *Message) isAck() bool {
	return m.ackOf != nil
}

func (m *Message) sent() bool {
	return m.parts > 0 && m.offset >= m.size
}

// nextPart materializes the next chunk without advancing the offset.
func (m *Message) nextPart(maxBody int) (p2p.Chunk, error) {
	n := m.size - m.offset
	if maxBody > 0 && n > uint64(maxBody) {
		n = uint64(maxBody)
	}

	var body []byte
	switch {
	case n == 0:
	case m.source != nil:
		body = make([]byte, n)
		if _, err := io.ReadFull(m.source, body); err != nil {
			return p2p.Chunk{}, errors.Wrapf(ErrShortSource, "read %d bytes at offset %d: %v", n, m.offset, err)
		}
	default:
		body = m.buf[m.offset : m.offset+n]
	}

	h := p2p.Header{
		SessionID: m.sessionID,
		ID:        m.id,
		Offset:    m.offset,
		TotalSize: m.size,
		Length:    uint32(n),
		Flags:     m.flags,
		AckID:     m.ackID,
		AckSubID:  m.ackSubID,
		AckSize:   m.ackSize,
	}
	if m.ackOf != nil {
		h.TotalSize = m.ackOf.TotalSize
	}

	return p2p.Chunk{Header: h, Body: body, AppID: m.appID}, nil
}

// write appends an in-order body at the current offset.
func (m *Message) write(body []byte) error {
	if m.sink != nil {
		if _, err := m.sink.Write(body); err != nil {
			return errors.Wrap(err, "write to transfer sink")
		}
	} else {
		copy(m.buf[m.offset:], body)
	}
	m.offset += uint64(len(body))
	return nil
}
