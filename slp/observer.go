package slp

// Dispatcher gives protocol meaning to completed messages.
type Dispatcher interface {
	// MessageComplete is called once a message is fully received. It returns
	// the call that owns the message, or nil when the message should be
	// released without acknowledgment.
	MessageComplete(link *Link, msg *Message) *Call
	// MessageAcked is called when the peer acknowledged one of our messages.
	MessageAcked(link *Link, msg *Message)
	// CallReady is called when a call stops waiting for a direct connection.
	CallReady(link *Link, call *Call)
}

// TransferObserver receives call progress and termination.
type TransferObserver interface {
	TransferStarted(call *Call)
	TransferProgress(call *Call, total, chunkLen, offset uint64)
	TransferEnded(call *Call, err error)
}

type nopDispatcher struct{}

func (nopDispatcher) MessageComplete(link *Link, msg *Message) *Call {
	return msg.Call()
}

func (nopDispatcher) MessageAcked(*Link, *Message) {}

func (nopDispatcher) CallReady(*Link, *Call) {}

type nopObserver struct{}

func (nopObserver) TransferStarted(*Call) {}

func (nopObserver) TransferProgress(*Call, uint64, uint64, uint64) {}

func (nopObserver) TransferEnded(*Call, error) {}
