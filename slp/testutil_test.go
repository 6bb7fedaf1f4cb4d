package slp

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"msnslp/p2p"
)

type recordingTransport struct {
	maxBody int
	err     error
	chunks  []p2p.Chunk
}

func (t *recordingTransport) SendChunk(_ string, chunk p2p.Chunk) error {
	if t.err != nil {
		return t.err
	}
	chunk.Body = append([]byte(nil), chunk.Body...)
	t.chunks = append(t.chunks, chunk)
	return nil
}

func (t *recordingTransport) MaxBodySize() int {
	return t.maxBody
}

func (t *recordingTransport) take() []p2p.Chunk {
	chunks := t.chunks
	t.chunks = nil
	return chunks
}

type fakeDirect struct {
	recordingTransport
	established bool
	closed      bool
}

func (d *fakeDirect) Established() bool { return d.established && !d.closed }

func (d *fakeDirect) Close() error {
	d.closed = true
	return nil
}

type recordingDispatcher struct {
	completed [][]byte
	acked     []*Message
	ready     []*Call
	// claim is returned for messages without a call.
	claim *Call
}

func (d *recordingDispatcher) MessageComplete(_ *Link, msg *Message) *Call {
	d.completed = append(d.completed, append([]byte(nil), msg.Payload()...))
	if msg.Call() != nil {
		return msg.Call()
	}
	return d.claim
}

func (d *recordingDispatcher) MessageAcked(_ *Link, msg *Message) {
	d.acked = append(d.acked, msg)
}

func (d *recordingDispatcher) CallReady(_ *Link, call *Call) {
	d.ready = append(d.ready, call)
}

type endedCall struct {
	call *Call
	err  error
}

type recordingObserver struct {
	started  []*Call
	progress []uint64
	ended    []endedCall
}

func (o *recordingObserver) TransferStarted(call *Call) {
	o.started = append(o.started, call)
}

func (o *recordingObserver) TransferProgress(_ *Call, _, _, offset uint64) {
	o.progress = append(o.progress, offset)
}

func (o *recordingObserver) TransferEnded(call *Call, err error) {
	o.ended = append(o.ended, endedCall{call: call, err: err})
}

type testEnv struct {
	session    *Session
	transport  *recordingTransport
	dispatcher *recordingDispatcher
	observer   *recordingObserver
}

func newTestEnv(t *testing.T, maxBody int) *testEnv {
	env := &testEnv{
		transport:  &recordingTransport{maxBody: maxBody},
		dispatcher: &recordingDispatcher{},
		observer:   &recordingObserver{},
	}
	env.session = NewSession(Config{
		Logger:      zaptest.NewLogger(t),
		Switchboard: env.transport,
		Dispatcher:  env.dispatcher,
		Observer:    env.observer,
	})
	return env
}

func (env *testEnv) link(t *testing.T, peer string) *Link {
	l, err := env.session.FindOrCreateLink(peer)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func dataChunk(sessionID, id uint32, offset, total uint64, body []byte) p2p.Chunk {
	return p2p.Chunk{
		Header: p2p.Header{
			SessionID: sessionID,
			ID:        id,
			Offset:    offset,
			TotalSize: total,
			Length:    uint32(len(body)),
			AckID:     0xabcdef,
		},
		Body: body,
	}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}
