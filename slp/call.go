package slp

import (
	"io"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"msnslp/p2p"
)

// Direction tells who initiated a call.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// CallState is the lifecycle stage of a call.
type CallState int

const (
	CallNegotiating CallState = iota
	CallWaitingForSocket
	CallActive
	CallCompleting
	CallDone
)

func (s CallState) String() string {
	switch s {
	case CallNegotiating:
		return "negotiating"
	case CallWaitingForSocket:
		return "waiting_for_socket"
	case CallActive:
		return "active"
	case CallCompleting:
		return "completing"
	case CallDone:
		return "done"
	default:
		return "unknown"
	}
}

// CallParams describes a call to create on a link.
type CallParams struct {
	SessionID uint32
	AppID     uint32
	// CallID is the MSNSLP Call-ID GUID. A new one is generated when empty.
	CallID    string
	Direction Direction
	// Name is the file name or the object location.
	Name string
	Size uint64
}

// Call is one negotiated transfer between two endpoints.
type Call struct {
	id        string
	sessionID uint32
	appID     uint32
	direction Direction
	name      string
	size      uint64

	link  *Link
	state CallState

	wasted        bool
	waitForSocket bool
	progress      bool
	finished      bool
	destroyed     bool
	endErr        error

	sink   io.Writer
	source io.Reader
	in     *Message
	out    *Message
}

// NewCallID returns a fresh Call-ID in braces, upper case.
func NewCallID() string {
	return "{" + strings.ToUpper(uuid.NewString()) + "}"
}

// ID returns the MSNSLP Call-ID.
func (c *Call) ID() string { return c.id }

// SessionID returns the numeric session id carried in chunk headers.
func (c *Call) SessionID() uint32 { return c.sessionID }

// AppID returns the footer application id used by the call.
func (c *Call) AppID() uint32 { return c.appID }

func (c *Call) Direction() Direction { return c.direction }

func (c *Call) Name() string { return c.name }

func (c *Call) Size() uint64 { return c.size }

// Link returns the owning link.
func (c *Call) Link() *Link { return c.link }

func (c *Call) State() CallState { return c.state }

// Wasted reports whether the call was canceled.
func (c *Call) Wasted() bool { return c.wasted }

// Progress reports whether any data byte moved.
func (c *Call) Progress() bool { return c.progress }

// WaitingForSocket reports whether a direct connection attempt is pending.
func (c *Call) WaitingForSocket() bool { return c.waitForSocket }

// Finished reports whether Finish was called.
func (c *Call) Finished() bool { return c.finished }

// Destroyed reports whether the call has been torn down.
func (c *Call) Destroyed() bool { return c.destroyed }

// Err returns the error the call ended with, if any.
func (c *Call) Err() error { return c.endErr }

// Sink returns the writer receiving inbound data.
func (c *Call) Sink() io.Writer { return c.sink }

// SetSink routes inbound data messages of the call into w instead of memory.
// w is closed on destruction if it implements io.Closer.
func (c *Call) SetSink(w io.Writer) { c.sink = w }

// SetWaitForSocket marks the call as waiting for a direct connection. While
// set, acknowledgments for its messages are held and cancellation is deferred.
func (c *Call) SetWaitForSocket(wait bool) {
	c.waitForSocket = wait
	if wait {
		c.state = CallWaitingForSocket
	} else if c.state == CallWaitingForSocket {
		c.state = CallActive
	}
}

// Activate marks negotiation as done.
func (c *Call) Activate() {
	if c.state < CallActive {
		c.state = CallActive
	}
}

// SendData starts the single outbound data message of the call. The source is
// read lazily and closed on destruction if it implements io.Closer.
func (c *Call) SendData(flags p2p.Flag, size uint64, src io.Reader) (*Message, error) {
	if c.destroyed {
		return nil, ErrCallEnded
	}
	if c.out != nil {
		return nil, errors.Wrapf(ErrCallBusy, "session %d", c.sessionID)
	}

	msg := NewStreamMessage(c.sessionID, flags, c.appID, size, src)
	msg.call = c
	c.out = msg
	c.source = src
	c.Activate()

	if err := c.link.Post(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Finish ends the call normally. The acknowledgment of the message being
// completed still goes out; the call is destroyed after that, or on the next
// Flush, once nothing of it is left in flight.
func (c *Call) Finish(err error) {
	if c.destroyed || c.finished {
		return
	}
	c.finished = true
	c.endErr = err
	c.state = CallCompleting
}

// Abort ends the call like Finish and also drops its outbound data message,
// so the call goes once the message being completed is acknowledged.
func (c *Call) Abort(err error) {
	if c.destroyed {
		return
	}
	if out := c.out; out != nil {
		l := c.link
		l.releaseOutgoing(out)
		l.queue = slices.DeleteFunc(l.queue, func(m *Message) bool { return m == out })
	}
	c.Finish(err)
}

// Cancel abandons the call. It is destroyed at once unless a direct connection
// attempt is pending, in which case it goes when the attempt resolves.
func (c *Call) Cancel() {
	if c.destroyed {
		return
	}
	c.wasted = true
	if c.endErr == nil {
		c.endErr = ErrCanceled
	}
	if !c.waitForSocket {
		c.link.destroyCall(c)
	}
}

func (c *Call) reapable() bool {
	if c.destroyed || c.waitForSocket {
		return false
	}
	if c.wasted {
		return true
	}
	return c.finished && c.out == nil
}
