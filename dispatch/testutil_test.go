package dispatch

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"msnslp/crypto"
	"msnslp/p2p"
	"msnslp/slp"
	"msnslp/storage"
)

const (
	alice = "alice@example.com"
	bob   = "bob@example.com"
)

type delivery struct {
	from  string
	to    string
	chunk p2p.Chunk
}

// relay carries chunks between in-memory sessions in send order.
type relay struct {
	sessions map[string]*slp.Session
	queue    []delivery
}

type relayEndpoint struct {
	relay *relay
	self  string
}

func (e relayEndpoint) SendChunk(peer string, chunk p2p.Chunk) error {
	chunk.Body = append([]byte(nil), chunk.Body...)
	e.relay.queue = append(e.relay.queue, delivery{from: e.self, to: peer, chunk: chunk})
	return nil
}

func (e relayEndpoint) MaxBodySize() int {
	return p2p.SwitchboardMaxBody
}

// run delivers chunks and flushes sessions until cond holds or nothing moves.
func (r *relay) run(t *testing.T, cond func() bool) {
	t.Helper()

	for range 100000 {
		if cond != nil && cond() {
			return
		}
		if len(r.queue) > 0 {
			d := r.queue[0]
			r.queue = r.queue[1:]
			require.NoError(t, r.sessions[d.to].ProcessChunk(d.from, d.chunk))
			continue
		}
		pending := false
		for _, s := range r.sessions {
			more, err := s.Flush()
			require.NoError(t, err)
			pending = pending || more
		}
		if !pending && len(r.queue) == 0 {
			if cond != nil {
				require.True(t, cond(), "relay settled before condition held")
			}
			return
		}
	}
	t.Fatal("relay did not settle")
}

type endedCall struct {
	callID string
	err    error
}

type recordingObserver struct {
	started  []string
	progress int
	ended    []endedCall
}

func (o *recordingObserver) TransferStarted(call *slp.Call) {
	o.started = append(o.started, call.ID())
}

func (o *recordingObserver) TransferProgress(*slp.Call, uint64, uint64, uint64) {
	o.progress++
}

func (o *recordingObserver) TransferEnded(call *slp.Call, err error) {
	o.ended = append(o.ended, endedCall{callID: call.ID(), err: err})
}

type peer struct {
	passport string
	handler  *Handler
	session  *slp.Session
	observer *recordingObserver
	store    *storage.Store
	filesDir string
}

func (p *peer) link(t *testing.T, to string) *slp.Link {
	l, err := p.session.FindOrCreateLink(to)
	require.NoError(t, err)
	return l
}

func newPeer(t *testing.T, r *relay, passport string, configure func(*Options)) *peer {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "objects.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	p := &peer{
		passport: passport,
		observer: &recordingObserver{},
		store:    store,
		filesDir: filepath.Join(t.TempDir(), "files"),
	}
	opts := Options{
		LocalPassport: passport,
		FilesDir:      p.filesDir,
		AutoAccept:    true,
		Objects:       store,
		Observer:      p.observer,
		Logger:        zaptest.NewLogger(t),
	}
	if configure != nil {
		configure(&opts)
	}
	p.handler = New(opts)
	p.session = slp.NewSession(slp.Config{
		Logger:      zaptest.NewLogger(t),
		Switchboard: relayEndpoint{relay: r, self: passport},
		Dispatcher:  p.handler,
		Observer:    p.handler,
	})

	if r.sessions == nil {
		r.sessions = map[string]*slp.Session{}
	}
	r.sessions[passport] = p.session
	return p
}

type listenRequest struct {
	peer  string
	nonce crypto.Nonce
}

type connectRequest struct {
	peer  string
	addrs []string
	port  int
	nonce crypto.Nonce
}

type fakeConnector struct {
	listenErr error
	listens   []listenRequest
	connects  []connectRequest
}

func (c *fakeConnector) Listen(peer string, nonce crypto.Nonce) ([]string, int, error) {
	if c.listenErr != nil {
		return nil, 0, c.listenErr
	}
	c.listens = append(c.listens, listenRequest{peer: peer, nonce: nonce})
	return []string{"192.0.2.10", "198.51.100.7"}, 6891, nil
}

func (c *fakeConnector) Connect(peer string, addrs []string, port int, nonce crypto.Nonce) {
	c.connects = append(c.connects, connectRequest{peer: peer, addrs: addrs, port: port, nonce: nonce})
}
