package slp

import (
	"cmp"
	"slices"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"msnslp/p2p"
)

const (
	// DefaultMaxBufferedMessage caps messages reassembled in memory.
	DefaultMaxBufferedMessage = 8 << 20
	// DefaultPartsPerTurn is how many parts each link sends per Flush.
	DefaultPartsPerTurn = 16
)

// Config configures a Session.
type Config struct {
	Logger      *zap.Logger
	Switchboard Transport
	Dispatcher  Dispatcher
	Observer    TransferObserver

	// MaxBufferedMessage is the largest non-streamed message accepted.
	MaxBufferedMessage uint64
	PartsPerTurn       int
}

// Session is the per-account registry of links.
//
// It is not safe for concurrent use. All methods, including the callbacks it
// makes into Dispatcher and TransferObserver, run on the caller's goroutine.
type Session struct {
	log         *zap.Logger
	switchboard Transport
	dispatcher  Dispatcher
	observer    TransferObserver
	maxBuffered uint64
	perTurn     int

	links  map[string]*Link
	closed bool
}

// NewSession creates a session.
func NewSession(cfg Config) *Session {
	s := &Session{
		log:         cfg.Logger,
		switchboard: cfg.Switchboard,
		dispatcher:  cfg.Dispatcher,
		observer:    cfg.Observer,
		maxBuffered: cfg.MaxBufferedMessage,
		perTurn:     cfg.PartsPerTurn,
		links:       map[string]*Link{},
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.dispatcher == nil {
		s.dispatcher = nopDispatcher{}
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.maxBuffered == 0 {
		s.maxBuffered = DefaultMaxBufferedMessage
	}
	if s.perTurn <= 0 {
		s.perTurn = DefaultPartsPerTurn
	}
	return s
}

// SetDispatcher replaces the dispatcher.
func (s *Session) SetDispatcher(d Dispatcher) {
	if d == nil {
		d = nopDispatcher{}
	}
	s.dispatcher = d
}

// SetObserver replaces the transfer observer.
func (s *Session) SetObserver(o TransferObserver) {
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
}

// SetSwitchboard replaces the relayed transport.
func (s *Session) SetSwitchboard(t Transport) {
	s.switchboard = t
}

// FindLink returns the link for peer.
func (s *Session) FindLink(peer string) (*Link, bool) {
	l, ok := s.links[peer]
	return l, ok
}

// FindOrCreateLink returns the link for peer, creating it if needed. A new
// link carries no reference; it lives until its last holder or call goes.
func (s *Session) FindOrCreateLink(peer string) (*Link, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if l, ok := s.links[peer]; ok {
		return l, nil
	}
	l := newLink(s, peer)
	s.links[peer] = l
	s.log.Debug("Link created", zap.String("peer", peer))
	return l, nil
}

// Links returns the live links ordered by peer.
func (s *Session) Links() []*Link {
	links := make([]*Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	slices.SortFunc(links, func(a, b *Link) int { return cmp.Compare(a.peer, b.peer) })
	return links
}

func (s *Session) removeLink(l *Link) {
	if s.links[l.peer] == l {
		delete(s.links, l.peer)
	}
}

// ProcessChunk feeds one received chunk into the link of peer. Malformed or
// unexpected chunks are logged and dropped; the returned error reports only
// failures to send the resulting acknowledgment or queued messages.
func (s *Session) ProcessChunk(peer string, chunk p2p.Chunk) error {
	l, err := s.FindOrCreateLink(peer)
	if err != nil {
		return err
	}
	err = l.processChunk(chunk)
	s.releaseIdle(l)
	return err
}

// releaseIdle destroys l when no holder, call, message or direct connection
// keeps it alive.
func (s *Session) releaseIdle(l *Link) {
	if !l.destroyed && l.idle() {
		l.destroy()
	}
}

// Flush reaps finished calls and sends up to PartsPerTurn parts on every
// link. It reports whether any link still has parts to send.
func (s *Session) Flush() (bool, error) {
	var (
		pending  bool
		firstErr error
	)
	for _, l := range s.Links() {
		for _, call := range l.Calls() {
			l.reapCall(call)
		}
		if l.destroyed {
			continue
		}
		more, err := l.Pump(s.perTurn)
		if err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "pump link %s", l.peer)
		}
		pending = pending || more
	}
	return pending, firstErr
}

// AttachDirectConnection sets a not yet established direct connection on the
// link of peer.
func (s *Session) AttachDirectConnection(peer string, dc DirectConnection) error {
	l, err := s.FindOrCreateLink(peer)
	if err != nil {
		return err
	}
	l.SetDirectConnection(dc)
	return nil
}

// DirectConnectionResolved reports the outcome of a direct connection attempt.
// On success dc becomes the link's transport. On failure the link falls back
// to the switchboard. Either way held acknowledgments are sent and calls
// waiting for the socket resume or, if canceled meanwhile, are destroyed.
func (s *Session) DirectConnectionResolved(peer string, dc DirectConnection, cause error) error {
	l, err := s.FindOrCreateLink(peer)
	if err != nil {
		return err
	}

	if cause == nil && dc != nil && dc.Established() {
		l.SetDirectConnection(dc)
		l.log.Info("Direct connection established")
	} else {
		l.log.Info("Direct connection failed, using switchboard", zap.Error(cause))
		if dc != nil && dc != l.direct {
			if err := dc.Close(); err != nil {
				l.log.Debug("Closing failed direct connection", zap.Error(err))
			}
		}
		l.detachDirect()
	}

	var firstErr error
	acks := l.pendingAcks
	l.pendingAcks = nil
	for _, ack := range acks {
		if err := l.Send(ack); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, call := range l.Calls() {
		if !call.waitForSocket {
			continue
		}
		call.SetWaitForSocket(false)
		if call.wasted || call.finished {
			l.reapCall(call)
			continue
		}
		s.dispatcher.CallReady(l, call)
	}

	if l.destroyed {
		return firstErr
	}
	if err := l.DrainQueue(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.releaseIdle(l)
	return firstErr
}

// Close destroys every link and call.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, l := range s.Links() {
		l.destroy()
	}
}
