package slp

import (
	"cmp"
	"math/rand/v2"
	"slices"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"msnslp/p2p"
)

// Link is the per-peer endpoint: message sequence, calls, reassembly state
// and outbound queues.
type Link struct {
	session *Session
	peer    string
	log     *zap.Logger

	refs int
	seq  uint32

	calls    map[uint32]*Call
	incoming map[msgKey]*Message
	// outgoing holds messages being sent or waiting for their ack.
	outgoing []*Message
	queue    []*Message

	direct      DirectConnection
	pendingAcks []*Message

	destroyed bool
}

func newLink(s *Session, peer string) *Link {
	return &Link{
		session:  s,
		peer:     peer,
		log:      s.log.With(zap.String("peer", peer)),
		seq:      rand.Uint32N(0xFFFFFF00) + 4,
		calls:    map[uint32]*Call{},
		incoming: map[msgKey]*Message{},
	}
}

// Peer returns the remote passport.
func (l *Link) Peer() string { return l.peer }

// Session returns the owning session.
func (l *Link) Session() *Session { return l.session }

// Destroyed reports whether the link has been torn down.
func (l *Link) Destroyed() bool { return l.destroyed }

// Refs returns the current reference count.
func (l *Link) Refs() int { return l.refs }

// Ref adds a holder.
func (l *Link) Ref() {
	l.refs++
}

// Unref drops a holder. The link is destroyed when no holder and no call remain.
func (l *Link) Unref() {
	if l.refs > 0 {
		l.refs--
	}
	if l.refs == 0 && len(l.calls) == 0 {
		l.destroy()
	}
}

// NewCall registers a call on the link.
func (l *Link) NewCall(p CallParams) (*Call, error) {
	if l.destroyed {
		return nil, ErrSessionClosed
	}
	if _, exists := l.calls[p.SessionID]; exists {
		return nil, errors.Errorf("session id %d already in use", p.SessionID)
	}
	if p.CallID == "" {
		p.CallID = NewCallID()
	}

	call := &Call{
		id:        p.CallID,
		sessionID: p.SessionID,
		appID:     p.AppID,
		direction: p.Direction,
		name:      p.Name,
		size:      p.Size,
		link:      l,
	}
	l.calls[p.SessionID] = call
	l.Ref()
	l.session.observer.TransferStarted(call)
	return call, nil
}

// FindCall returns the call with the session id.
func (l *Link) FindCall(sessionID uint32) (*Call, bool) {
	call, ok := l.calls[sessionID]
	return call, ok
}

// FindCallByID returns the call with the MSNSLP Call-ID.
func (l *Link) FindCallByID(callID string) (*Call, bool) {
	for _, call := range l.calls {
		if call.id == callID {
			return call, true
		}
	}
	return nil, false
}

// Calls returns live calls ordered by session id.
func (l *Link) Calls() []*Call {
	calls := make([]*Call, 0, len(l.calls))
	for _, call := range l.calls {
		calls = append(calls, call)
	}
	slices.SortFunc(calls, func(a, b *Call) int {
		return cmp.Compare(a.sessionID, b.sessionID)
	})
	return calls
}

// SetDirectConnection attaches a direct connection. It is used for sending
// once it reports Established. A previous different connection is closed.
func (l *Link) SetDirectConnection(dc DirectConnection) {
	if l.direct != nil && l.direct != dc {
		if err := l.direct.Close(); err != nil {
			l.log.Debug("Closing replaced direct connection failed", zap.Error(err))
		}
	}
	l.direct = dc
}

// DirectConnection returns the attached direct connection, if any.
func (l *Link) DirectConnection() DirectConnection { return l.direct }

func (l *Link) detachDirect() {
	if l.direct == nil {
		return
	}
	if err := l.direct.Close(); err != nil {
		l.log.Debug("Closing direct connection failed", zap.Error(err))
	}
	l.direct = nil
}

func (l *Link) transport() (Transport, error) {
	if l.direct != nil && l.direct.Established() {
		return l.direct, nil
	}
	if l.session.switchboard != nil {
		return l.session.switchboard, nil
	}
	return nil, ErrNoTransport
}

func (l *Link) nextID() uint32 {
	id := l.seq
	l.seq++
	return id
}

func (l *Link) prepare(msg *Message) {
	if msg.link != nil {
		return
	}
	msg.link = l
	msg.id = l.nextID()
	if !msg.isAck() {
		msg.ackID = rand.Uint32()
	}
}

// Send writes exactly one part of msg now. Remaining parts go out on Pump.
func (l *Link) Send(msg *Message) error {
	if l.destroyed {
		return ErrSessionClosed
	}
	l.prepare(msg)
	l.outgoing = append(l.outgoing, msg)
	return l.sendPart(msg)
}

// Queue appends msg behind earlier queued messages without sending.
func (l *Link) Queue(msg *Message) error {
	if l.destroyed {
		return ErrSessionClosed
	}
	l.prepare(msg)
	l.queue = append(l.queue, msg)
	return nil
}

// Post sends msg unless an earlier message is still outstanding, in which
// case msg is queued.
func (l *Link) Post(msg *Message) error {
	if len(l.outgoing) > 0 || len(l.queue) > 0 {
		return l.Queue(msg)
	}
	return l.Send(msg)
}

// DrainQueue dispatches queued messages in FIFO order.
func (l *Link) DrainQueue() error {
	for len(l.queue) > 0 && !l.destroyed {
		msg := l.queue[0]
		l.queue = l.queue[1:]
		l.outgoing = append(l.outgoing, msg)
		if err := l.sendPart(msg); err != nil {
			return err
		}
	}
	return nil
}

// Pump sends up to max further parts of outgoing messages. It reports whether
// parts are still pending.
func (l *Link) Pump(max int) (bool, error) {
	for range max {
		msg := l.nextUnsent()
		if msg == nil {
			return false, nil
		}
		if err := l.sendPart(msg); err != nil {
			return l.nextUnsent() != nil, err
		}
	}
	return l.nextUnsent() != nil, nil
}

func (l *Link) nextUnsent() *Message {
	for _, msg := range l.outgoing {
		if msg.sent() {
			continue
		}
		if msg.call != nil && msg.call.waitForSocket {
			continue
		}
		return msg
	}
	return nil
}

func (l *Link) sendPart(msg *Message) error {
	t, err := l.transport()
	if err != nil {
		l.failMessage(msg, err)
		return err
	}

	chunk, err := msg.nextPart(t.MaxBodySize())
	if err != nil {
		l.failMessage(msg, err)
		return err
	}

	if err := t.SendChunk(l.peer, chunk); err != nil {
		err = errors.Wrapf(err, "send chunk %d/%d", chunk.Header.Offset, chunk.Header.TotalSize)
		l.failMessage(msg, err)
		return err
	}

	msg.offset += uint64(len(chunk.Body))
	msg.parts++

	if call := msg.call; call != nil && msg.flags.IsData() {
		call.progress = true
		l.session.observer.TransferProgress(call, msg.size, uint64(len(chunk.Body)), msg.offset)
	}

	if msg.sent() && !msg.flags.NeedsAck() {
		l.releaseOutgoing(msg)
	}
	return nil
}

func (l *Link) releaseOutgoing(msg *Message) {
	l.outgoing = slices.DeleteFunc(l.outgoing, func(m *Message) bool { return m == msg })
	if call := msg.call; call != nil && call.out == msg {
		call.out = nil
	}
}

func (l *Link) failMessage(msg *Message, err error) {
	l.log.Warn("Dropping outgoing message",
		zap.Uint32("sessionID", msg.sessionID),
		zap.Uint32("id", msg.id),
		zap.Error(err))

	l.releaseOutgoing(msg)
	l.queue = slices.DeleteFunc(l.queue, func(m *Message) bool { return m == msg })
	if call := msg.call; call != nil && !call.destroyed {
		call.endErr = err
		call.wasted = true
		if !call.waitForSocket {
			l.destroyCall(call)
		}
	}
}

func (l *Link) handleAck(h p2p.Header) error {
	idx := slices.IndexFunc(l.outgoing, func(m *Message) bool {
		return m.id == h.AckID && m.ackID == h.AckSubID
	})
	if idx < 0 {
		l.log.Debug("Ack for unknown message", zap.Uint32("ackID", h.AckID), zap.Uint32("ackSubID", h.AckSubID))
		return nil
	}

	msg := l.outgoing[idx]
	l.releaseOutgoing(msg)
	l.session.dispatcher.MessageAcked(l, msg)
	if call := msg.call; call != nil {
		l.reapCall(call)
	}
	return l.DrainQueue()
}

func (l *Link) handleBinaryError(h p2p.Header) {
	l.log.Warn("Peer reported binary error", zap.Uint32("sessionID", h.SessionID))

	for _, msg := range slices.Clone(l.outgoing) {
		if msg.sessionID == h.SessionID {
			l.releaseOutgoing(msg)
		}
	}
	if call, ok := l.calls[h.SessionID]; ok && h.SessionID != 0 {
		call.endErr = ErrRemoteError
		call.Cancel()
	}
}

// reapCall destroys a finished or canceled call once nothing holds it.
func (l *Link) reapCall(call *Call) {
	if call.reapable() {
		l.destroyCall(call)
	}
}

func (l *Link) destroyCall(call *Call) {
	if call.destroyed {
		return
	}
	call.destroyed = true
	call.state = CallDone
	delete(l.calls, call.sessionID)

	if call.in != nil {
		delete(l.incoming, call.in.key())
		call.in = nil
	}
	owned := func(m *Message) bool { return m.call == call }
	l.outgoing = slices.DeleteFunc(l.outgoing, owned)
	l.queue = slices.DeleteFunc(l.queue, owned)
	call.out = nil

	closeIfCloser(l.log, call.sink)
	closeIfCloser(l.log, call.source)

	l.session.observer.TransferEnded(call, call.endErr)

	if !l.destroyed {
		l.Unref()
	}
}

func (l *Link) idle() bool {
	return l.refs == 0 && l.direct == nil &&
		len(l.calls) == 0 && len(l.incoming) == 0 &&
		len(l.outgoing) == 0 && len(l.queue) == 0 && len(l.pendingAcks) == 0
}

func (l *Link) destroy() {
	if l.destroyed {
		return
	}
	l.destroyed = true

	for _, call := range l.Calls() {
		if call.endErr == nil {
			call.endErr = ErrCallEnded
		}
		l.destroyCall(call)
	}
	l.incoming = map[msgKey]*Message{}
	l.outgoing = nil
	l.queue = nil
	l.pendingAcks = nil
	l.detachDirect()

	l.session.removeLink(l)
	if d, ok := l.session.switchboard.(LinkDetacher); ok {
		d.DetachLink(l.peer)
	}
	l.log.Debug("Link destroyed")
}

func closeIfCloser(log *zap.Logger, v any) {
	c, ok := v.(interface{ Close() error })
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		log.Debug("Closing transfer stream failed", zap.Error(err))
	}
}
