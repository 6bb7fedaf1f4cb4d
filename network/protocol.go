package network

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"msnslp/crypto"
	"msnslp/p2p"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size.
	MaxFrameSize = 64 << 10
	// DefaultConnectionTimeout bounds TCP dial and handshake duration.
	DefaultConnectionTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds writing one frame.
	DefaultWriteTimeout = 30 * time.Second
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrBadPreamble indicates the connection did not open with the direct-connection preamble.
	ErrBadPreamble = errors.New("network: bad direct connection preamble")
	// ErrBadHandshake indicates a handshake chunk with the wrong flags or nonce.
	ErrBadHandshake = errors.New("network: bad direct connection handshake")
)

// preamble opens every direct connection from the dialing side.
var preamble = []byte("foo\x00")

// WriteFrame writes one frame: a little-endian u32 length, then the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4, 4+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)

	if _, err := w.Write(frame); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "read frame length")
	}

	length := binary.LittleEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "read frame payload")
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, errors.Wrap(err, "set read deadline")
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// WriteChunk writes one chunk as a frame.
func WriteChunk(w io.Writer, chunk p2p.Chunk) error {
	return WriteFrame(w, chunk.Marshal())
}

// ReadChunk reads one frame and decodes it as a chunk.
func ReadChunk(r io.Reader) (p2p.Chunk, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return p2p.Chunk{}, err
	}
	return p2p.ParseChunk(payload)
}

// HandshakeChunk builds the chunk proving nonce on a new direct connection.
func HandshakeChunk(nonce crypto.Nonce) p2p.Chunk {
	h := p2p.Header{Flags: p2p.FlagDCHandshake}
	h.SetNonce(nonce)
	return p2p.Chunk{Header: h}
}

// HandshakeNonce extracts the nonce of a handshake chunk.
func HandshakeNonce(chunk p2p.Chunk) (crypto.Nonce, error) {
	if chunk.Header.Flags != p2p.FlagDCHandshake || len(chunk.Body) != 0 {
		return crypto.Nonce{}, errors.Wrapf(ErrBadHandshake, "flags %s, body %d bytes", chunk.Header.Flags, len(chunk.Body))
	}
	return crypto.Nonce(chunk.Header.Nonce()), nil
}

func writePreamble(w io.Writer) error {
	return WriteFrame(w, preamble)
}

func readPreamble(conn net.Conn, timeout time.Duration) error {
	payload, err := ReadFrameWithTimeout(conn, timeout)
	if err != nil {
		return err
	}
	if !bytes.Equal(payload, preamble) {
		return errors.Wrapf(ErrBadPreamble, "got %q", payload)
	}
	return nil
}
