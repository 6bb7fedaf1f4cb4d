package network

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"msnslp/crypto"
)

// Server accepts inbound direct connections and matches them, by nonce, to
// the peers they were announced for.
type Server struct {
	listener net.Listener
	timeout  time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	expected map[crypto.Nonce]string

	incoming chan *DirectConn
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and handshake accept loop.
func Listen(address string, timeout time.Duration, log *zap.Logger) (*Server, error) {
	if address == "" {
		address = ":0"
	}
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %q", address)
	}

	server := &Server{
		listener: listener,
		timeout:  timeout,
		log:      log.Named("dc"),
		expected: map[crypto.Nonce]string{},
		incoming: make(chan *DirectConn, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the listening TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Expect registers nonce as the proof an inbound connection from peer will carry.
func (s *Server) Expect(peer string, nonce crypto.Nonce) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expected[nonce] = peer
}

// Forget drops the expectation for nonce. It reports whether it was still pending.
func (s *Server) Forget(nonce crypto.Nonce) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.expected[nonce]; !ok {
		return false
	}
	delete(s.expected, nonce)
	return true
}

func (s *Server) claim(nonce crypto.Nonce) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for expected, peer := range s.expected {
		if expected.Equal(nonce) {
			delete(s.expected, expected)
			return peer, true
		}
	}
	return "", false
}

// Incoming returns accepted and handshaked direct connections.
func (s *Server) Incoming() <-chan *DirectConn {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(errors.Wrap(err, "accept connection"))
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		s.reportError(errors.Wrap(err, "set handshake deadline"))
		return
	}

	if err := readPreamble(conn, s.timeout); err != nil {
		s.reportError(err)
		return
	}

	handshake, err := ReadChunk(conn)
	if err != nil {
		s.reportError(errors.Wrap(err, "read handshake"))
		return
	}
	nonce, err := HandshakeNonce(handshake)
	if err != nil {
		s.reportError(err)
		return
	}

	peer, ok := s.claim(nonce)
	if !ok {
		s.reportError(errors.Wrapf(ErrBadHandshake, "unexpected nonce from %s", conn.RemoteAddr()))
		return
	}

	if err := WriteChunk(conn, HandshakeChunk(nonce)); err != nil {
		s.reportError(errors.Wrap(err, "write handshake reply"))
		return
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		s.reportError(errors.Wrap(err, "clear handshake deadline"))
		return
	}

	dc := newDirectConn(conn, peer, s.log)
	dc.setState(DirectEstablished)

	closeConn = false
	select {
	case s.incoming <- dc:
	case <-s.closed:
		_ = dc.Close()
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
