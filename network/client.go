package network

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"msnslp/crypto"
)

// DialDirect connects to a peer's direct-connection listener, proves nonce
// and returns an established connection.
func DialDirect(ctx context.Context, address, peer string, nonce crypto.Nonce, timeout time.Duration, log *zap.Logger) (*DirectConn, error) {
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %q", address)
	}

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "set handshake deadline")
	}

	if err := writePreamble(conn); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "write preamble")
	}
	if err := WriteChunk(conn, HandshakeChunk(nonce)); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "write handshake")
	}

	reply, err := ReadChunk(conn)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "read handshake reply")
	}
	echoed, err := HandshakeNonce(reply)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !echoed.Equal(nonce) {
		_ = conn.Close()
		return nil, errors.Wrap(ErrBadHandshake, "nonce mismatch")
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "clear handshake deadline")
	}

	dc := newDirectConn(conn, peer, log)
	dc.setState(DirectEstablished)
	return dc, nil
}
