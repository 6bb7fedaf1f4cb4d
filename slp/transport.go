package slp

import (
	"github.com/pkg/errors"

	"msnslp/p2p"
)

var (
	// ErrNoTransport indicates a link has neither a switchboard nor an established direct connection.
	ErrNoTransport = errors.New("slp: no transport available")
	// ErrTransportClosed is returned by transports that lost their connection.
	ErrTransportClosed = errors.New("slp: transport closed")
	// ErrSessionClosed indicates the session has been closed.
	ErrSessionClosed = errors.New("slp: session closed")
	// ErrCallBusy indicates a call already has an in-progress message in that direction.
	ErrCallBusy = errors.New("slp: call already has a message in progress")
	// ErrCallEnded indicates the call was destroyed.
	ErrCallEnded = errors.New("slp: call ended")
	// ErrCanceled is passed to observers when a call is canceled locally.
	ErrCanceled = errors.New("slp: call canceled")
	// ErrDeclined indicates the peer declined the invitation.
	ErrDeclined = errors.New("slp: call declined by peer")
	// ErrRemoteError indicates the peer answered with a binary-error chunk.
	ErrRemoteError = errors.New("slp: peer reported binary error")
	// ErrShortSource indicates a message source ran dry before its declared size.
	ErrShortSource = errors.New("slp: message source shorter than declared size")
)

// Transport delivers encoded chunks to a peer.
type Transport interface {
	SendChunk(peer string, chunk p2p.Chunk) error
	MaxBodySize() int
}

// DirectConnection is a peer-to-peer transport negotiated out of band.
// Chunks go through it only once Established reports true.
type DirectConnection interface {
	Transport
	Established() bool
	Close() error
}

// LinkDetacher is implemented by transports that keep per-link state
// and want to know when a link is destroyed.
type LinkDetacher interface {
	DetachLink(peer string)
}
