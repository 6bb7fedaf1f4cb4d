package network

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/parallel"

	"msnslp/p2p"
	"msnslp/slp"
)

// DirectState represents the lifecycle state of one direct connection.
type DirectState int32

const (
	DirectConnecting DirectState = iota
	DirectEstablished
	DirectClosed
)

func (s DirectState) String() string {
	switch s {
	case DirectConnecting:
		return "CONNECTING"
	case DirectEstablished:
		return "ESTABLISHED"
	default:
		return "CLOSED"
	}
}

// ChunkHandler receives chunks read from a direct connection.
type ChunkHandler func(peer string, chunk p2p.Chunk)

// DirectConn is a framed TCP connection carrying the chunks of one peer. It
// implements slp.DirectConnection.
type DirectConn struct {
	conn net.Conn
	peer string
	log  *zap.Logger

	writeTimeout time.Duration
	sendMu       sync.Mutex

	state atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

var _ slp.DirectConnection = (*DirectConn)(nil)

func newDirectConn(conn net.Conn, peer string, log *zap.Logger) *DirectConn {
	return &DirectConn{
		conn:         conn,
		peer:         peer,
		log:          log.With(zap.String("peer", peer), zap.Stringer("remote", conn.RemoteAddr())),
		writeTimeout: DefaultWriteTimeout,
		closed:       make(chan struct{}),
	}
}

// Peer returns the passport on the other end.
func (d *DirectConn) Peer() string {
	return d.peer
}

// State returns the current connection state.
func (d *DirectConn) State() DirectState {
	return DirectState(d.state.Load())
}

// Established implements slp.DirectConnection.
func (d *DirectConn) Established() bool {
	return d.State() == DirectEstablished
}

// MaxBodySize implements slp.Transport.
func (d *DirectConn) MaxBodySize() int {
	return p2p.DirectMaxBody
}

// SendChunk implements slp.Transport.
func (d *DirectConn) SendChunk(_ string, chunk p2p.Chunk) error {
	if d.State() == DirectClosed {
		if err := d.LastError(); err != nil {
			return errors.Wrap(slp.ErrTransportClosed, err.Error())
		}
		return slp.ErrTransportClosed
	}

	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	if err := d.conn.SetWriteDeadline(time.Now().Add(d.writeTimeout)); err != nil {
		d.closeWithError(errors.Wrap(err, "set write deadline"))
		return err
	}
	if err := WriteChunk(d.conn, chunk); err != nil {
		d.closeWithError(err)
		return err
	}
	return nil
}

// Done is closed when the connection is fully closed.
func (d *DirectConn) Done() <-chan struct{} {
	return d.closed
}

// LastError returns the terminal connection error, if any.
func (d *DirectConn) LastError() error {
	d.errMu.RLock()
	defer d.errMu.RUnlock()
	return d.closeErr
}

// Close implements slp.DirectConnection.
func (d *DirectConn) Close() error {
	d.closeWithError(nil)
	return nil
}

func (d *DirectConn) setState(state DirectState) {
	d.state.Store(int32(state))
}

// Run reads chunks into handle until the connection closes or ctx is done,
// in which case the connection is closed.
func (d *DirectConn) Run(ctx context.Context, handle ChunkHandler) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("reader", parallel.Exit, func(ctx context.Context) error {
			d.readLoop(handle)
			return nil
		})
		spawn("closer", parallel.Exit, func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return d.Close()
			case <-d.Done():
				return nil
			}
		})
		return nil
	})
}

// readLoop hands every received chunk to handle until the connection closes.
func (d *DirectConn) readLoop(handle ChunkHandler) {
	for {
		chunk, err := ReadChunk(d.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				d.closeWithError(nil)
				return
			}
			d.closeWithError(errors.Wrap(err, "read chunk"))
			return
		}
		handle(d.peer, chunk)
	}
}

func (d *DirectConn) closeWithError(err error) {
	d.closeOnce.Do(func() {
		d.errMu.Lock()
		d.closeErr = err
		d.errMu.Unlock()

		d.setState(DirectClosed)
		_ = d.conn.Close()
		close(d.closed)

		if err != nil {
			d.log.Info("Direct connection closed", zap.Error(err))
		} else {
			d.log.Debug("Direct connection closed")
		}
	})
}
