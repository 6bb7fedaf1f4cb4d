package slp

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"msnslp/p2p"
)

func TestLinkReferenceCounting(t *testing.T) {
	requireT := require.New(t)
	env := newTestEnv(t, p2p.SwitchboardMaxBody)

	l := env.link(t, "bob")
	c1, err := l.NewCall(CallParams{SessionID: 1})
	requireT.NoError(err)
	c2, err := l.NewCall(CallParams{SessionID: 2})
	requireT.NoError(err)
	requireT.Equal(2, l.Refs())

	c1.Cancel()
	requireT.True(c1.Destroyed())
	requireT.False(l.Destroyed())
	_, ok := env.session.FindLink("bob")
	requireT.True(ok)

	c2.Cancel()
	requireT.True(l.Destroyed())
	_, ok = env.session.FindLink("bob")
	requireT.False(ok)

	requireT.Len(env.observer.started, 2)
	requireT.Len(env.observer.ended, 2)
	requireT.True(errors.Is(env.observer.ended[0].err, ErrCanceled))
}

func TestExternalReferenceKeepsLinkAlive(t *testing.T) {
	requireT := require.New(t)
	env := newTestEnv(t, p2p.SwitchboardMaxBody)

	l := env.link(t, "bob")
	l.Ref()
	call, err := l.NewCall(CallParams{SessionID: 1})
	requireT.NoError(err)

	call.Cancel()
	requireT.False(l.Destroyed())

	l.Unref()
	requireT.True(l.Destroyed())
}

func TestDuplicateSessionIDIsRejected(t *testing.T) {
	env := newTestEnv(t, p2p.SwitchboardMaxBody)

	l := env.link(t, "bob")
	_, err := l.NewCall(CallParams{SessionID: 1})
	require.NoError(t, err)
	_, err = l.NewCall(CallParams{SessionID: 1})
	require.Error(t, err)
}

func TestCancelIsDeferredWhileWaitingForSocket(t *testing.T) {
	requireT := require.New(t)
	env := newTestEnv(t, p2p.SwitchboardMaxBody)

	l := env.link(t, "bob")
	call, err := l.NewCall(CallParams{SessionID: 1, AppID: p2p.AppIDFile})
	requireT.NoError(err)
	call.SetWaitForSocket(true)
	requireT.Equal(CallWaitingForSocket, call.State())

	call.Cancel()
	requireT.True(call.Wasted())
	requireT.False(call.Destroyed())

	requireT.NoError(env.session.DirectConnectionResolved("bob", nil, errors.New("refused")))
	requireT.True(call.Destroyed())
	requireT.Empty(env.dispatcher.ready)
}

func TestAckIsHeldUntilDirectConnection(t *testing.T) {
	requireT := require.New(t)
	env := newTestEnv(t, p2p.SwitchboardMaxBody)

	l := env.link(t, "bob")
	call, err := l.NewCall(CallParams{SessionID: 1, AppID: p2p.AppIDFile})
	requireT.NoError(err)
	call.SetWaitForSocket(true)

	requireT.NoError(env.session.ProcessChunk("bob", dataChunk(1, 40, 0, 4, []byte("200 "))))
	requireT.Empty(env.transport.chunks)
	requireT.Len(l.pendingAcks, 1)

	dc := &fakeDirect{recordingTransport: recordingTransport{maxBody: p2p.DirectMaxBody}}
	requireT.NoError(env.session.AttachDirectConnection("bob", dc))
	dc.established = true
	requireT.NoError(env.session.DirectConnectionResolved("bob", dc, nil))

	requireT.Empty(env.transport.chunks)
	requireT.Len(dc.chunks, 1)
	requireT.Equal(p2p.FlagAck, dc.chunks[0].Header.Flags)
	requireT.EqualValues(40, dc.chunks[0].Header.AckID)
	requireT.Equal([]*Call{call}, env.dispatcher.ready)
	requireT.Equal(CallActive, call.State())
}

func TestFailedDirectConnectionFallsBackToSwitchboard(t *testing.T) {
	requireT := require.New(t)
	env := newTestEnv(t, p2p.SwitchboardMaxBody)

	l := env.link(t, "bob")
	call, err := l.NewCall(CallParams{SessionID: 1, AppID: p2p.AppIDFile})
	requireT.NoError(err)
	call.SetWaitForSocket(true)

	dc := &fakeDirect{}
	requireT.NoError(env.session.AttachDirectConnection("bob", dc))
	requireT.NoError(env.session.ProcessChunk("bob", dataChunk(1, 40, 0, 2, []byte("ok"))))

	requireT.NoError(env.session.DirectConnectionResolved("bob", dc, errors.New("timeout")))
	requireT.True(dc.closed)
	requireT.Nil(l.DirectConnection())
	requireT.Len(env.transport.chunks, 1)
	requireT.Equal([]*Call{call}, env.dispatcher.ready)
}

func TestEstablishedDirectConnectionIsPreferred(t *testing.T) {
	requireT := require.New(t)
	env := newTestEnv(t, p2p.SwitchboardMaxBody)

	l := env.link(t, "bob")
	dc := &fakeDirect{recordingTransport: recordingTransport{maxBody: p2p.DirectMaxBody}}
	l.SetDirectConnection(dc)

	requireT.NoError(l.Send(NewMessage(0, p2p.FlagNone, 0, pattern(10))))
	requireT.Len(env.transport.chunks, 1)

	dc.established = true
	requireT.NoError(l.Send(NewMessage(0, p2p.FlagNone, 0, pattern(2000))))
	requireT.Len(dc.chunks, 1)
	requireT.EqualValues(p2p.DirectMaxBody, dc.chunks[0].Header.Length)
}

func TestFinishDestroysCallAfterAck(t *testing.T) {
	requireT := require.New(t)
	env := newTestEnv(t, p2p.SwitchboardMaxBody)

	l := env.link(t, "bob")
	call, err := l.NewCall(CallParams{SessionID: 1, AppID: p2p.AppIDFile})
	requireT.NoError(err)
	sink := &bytes.Buffer{}
	call.SetSink(sink)

	finishing := &finishingDispatcher{}
	env.session.SetDispatcher(finishing)

	chunk := dataChunk(1, 12, 0, 3, []byte("end"))
	chunk.Header.Flags = p2p.FlagFileData
	requireT.NoError(env.session.ProcessChunk("bob", chunk))

	requireT.Len(env.transport.chunks, 1)
	requireT.Equal(p2p.FlagAck, env.transport.chunks[0].Header.Flags)
	requireT.True(call.Destroyed())
	requireT.Len(env.observer.ended, 1)
	requireT.NoError(env.observer.ended[0].err)
	requireT.Equal("end", sink.String())
}

func TestWastedCallIsNotAcked(t *testing.T) {
	requireT := require.New(t)
	env := newTestEnv(t, p2p.SwitchboardMaxBody)

	l := env.link(t, "bob")
	call, err := l.NewCall(CallParams{SessionID: 1})
	requireT.NoError(err)
	env.dispatcher.claim = call
	call.wasted = true

	requireT.NoError(env.session.ProcessChunk("bob", dataChunk(0, 3, 0, 2, []byte("hi"))))
	requireT.Empty(env.transport.chunks)
	requireT.True(call.Destroyed())
}

func TestSessionCloseDestroysEverything(t *testing.T) {
	requireT := require.New(t)
	env := newTestEnv(t, p2p.SwitchboardMaxBody)

	l := env.link(t, "bob")
	call, err := l.NewCall(CallParams{SessionID: 1})
	requireT.NoError(err)
	dc := &fakeDirect{}
	l.SetDirectConnection(dc)

	env.session.Close()
	requireT.True(l.Destroyed())
	requireT.True(call.Destroyed())
	requireT.True(dc.closed)
	requireT.Empty(env.session.Links())

	_, err = env.session.FindOrCreateLink("carol")
	requireT.True(errors.Is(err, ErrSessionClosed))
}

type finishingDispatcher struct {
	nopDispatcher
}

func (finishingDispatcher) MessageComplete(_ *Link, msg *Message) *Call {
	call := msg.Call()
	call.Finish(nil)
	return call
}

func TestAbortDropsOutboundData(t *testing.T) {
	requireT := require.New(t)
	env := newTestEnv(t, 10)

	l := env.link(t, "bob")
	call, err := l.NewCall(CallParams{SessionID: 1, AppID: p2p.AppIDFile})
	requireT.NoError(err)
	_, err = call.SendData(p2p.FlagFileData, 100, bytes.NewReader(pattern(100)))
	requireT.NoError(err)
	requireT.Len(env.transport.chunks, 1)

	call.Abort(ErrCanceled)
	pending, err := env.session.Flush()
	requireT.NoError(err)
	requireT.False(pending)
	requireT.Len(env.transport.chunks, 1)
	requireT.True(call.Destroyed())
	requireT.Len(env.observer.ended, 1)
	requireT.True(errors.Is(env.observer.ended[0].err, ErrCanceled))
}

func TestFailedDirectConnectionForIdlePeerLeavesNoLink(t *testing.T) {
	requireT := require.New(t)
	env := newTestEnv(t, p2p.SwitchboardMaxBody)

	requireT.NoError(env.session.DirectConnectionResolved("bob", nil, errors.New("timeout")))
	requireT.Empty(env.session.Links())

	dc := &fakeDirect{established: true}
	requireT.NoError(env.session.DirectConnectionResolved("carol", dc, nil))
	l, ok := env.session.FindLink("carol")
	requireT.True(ok)
	requireT.Equal(dc, l.DirectConnection())
}
