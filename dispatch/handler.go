// Package dispatch gives MSNSLP meaning to the messages an slp.Session
// reassembles: it negotiates file transfers and MSN object requests, moves
// their data and closes the calls.
package dispatch

import (
	"math/rand/v2"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"msnslp/crypto"
	"msnslp/p2p"
	"msnslp/slp"
	"msnslp/slp/signal"
	"msnslp/storage"
)

var (
	// ErrPeerClosed is the end status of a call the peer closed before its data completed.
	ErrPeerClosed = errors.New("dispatch: peer closed the call")
	// ErrRejected is the end status of a call the peer answered with an error status.
	ErrRejected = errors.New("dispatch: peer rejected the call")
	// ErrObjectNotFound is returned when a requested MSN object is not stored locally.
	ErrObjectNotFound = errors.New("dispatch: object not found")
	// ErrUnsupported marks invitations for applications this handler does not serve.
	ErrUnsupported = errors.New("dispatch: unsupported invitation")
)

// FileRequestNotification describes an inbound file invitation.
type FileRequestNotification struct {
	CallID   string
	From     string
	Filename string
	Filesize uint64
}

// ObjectStore keeps MSN object payloads.
type ObjectStore interface {
	SaveObject(obj storage.Object) error
	FindObject(creator, location string) (*storage.Object, error)
}

// DirectConnector opens direct connections for calls. Both methods run on the
// session goroutine and must not block; outcomes are reported later through
// slp.Session.DirectConnectionResolved.
type DirectConnector interface {
	// Listen prepares to accept a connection from peer proving nonce and
	// returns the addresses and port to advertise.
	Listen(peer string, nonce crypto.Nonce) ([]string, int, error)
	// Connect dials the advertised endpoint of peer and proves nonce.
	Connect(peer string, addrs []string, port int, nonce crypto.Nonce)
}

// Options configures a Handler.
type Options struct {
	// LocalPassport is the From address of outgoing signalling.
	LocalPassport string
	// FilesDir receives accepted files.
	FilesDir string
	// AutoAccept accepts file invitations when OnFileRequest is nil.
	AutoAccept    bool
	OnFileRequest func(FileRequestNotification) (bool, error)
	Objects       ObjectStore
	// Direct is optional. Without it every call stays on the switchboard.
	Direct   DirectConnector
	Observer slp.TransferObserver
	Logger   *zap.Logger
}

type callKind int

const (
	kindFile callKind = iota
	kindObject
)

type callState struct {
	kind   callKind
	invite *signal.Message

	file      *os.File
	partPath  string
	finalPath string

	object signal.Object
	data   []byte
	accept *slp.Message

	nonce crypto.Nonce
	out   *slp.Message
	done  bool
}

// complete reports whether the data of the call has fully crossed the link.
func (st *callState) complete() bool {
	return st.done || (st.out != nil && st.out.Complete())
}

// Handler implements slp.Dispatcher and slp.TransferObserver. Like the
// session it serves, it is not safe for concurrent use.
type Handler struct {
	opts     Options
	log      *zap.Logger
	observer slp.TransferObserver

	calls   map[*slp.Call]*callState
	accepts map[*slp.Message]*slp.Call
}

// New creates a Handler.
func New(opts Options) *Handler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Handler{
		opts:     opts,
		log:      log.Named("dispatch"),
		observer: observer,
		calls:    map[*slp.Call]*callState{},
		accepts:  map[*slp.Message]*slp.Call{},
	}
}

// MessageComplete implements slp.Dispatcher.
func (h *Handler) MessageComplete(link *slp.Link, msg *slp.Message) *slp.Call {
	if msg.SessionID() == 0 {
		return h.handleSignal(link, msg)
	}

	call := msg.Call()
	if call == nil {
		h.log.Debug("Message for unknown session",
			zap.String("peer", link.Peer()),
			zap.Uint32("sessionID", msg.SessionID()))
		return nil
	}
	if !msg.Flags().IsData() {
		// Data preparation and similar control messages only need the ack.
		return call
	}

	st := h.calls[call]
	if st == nil {
		return call
	}
	switch st.kind {
	case kindFile:
		h.fileReceived(link, call, st)
	case kindObject:
		h.objectReceived(link, call, st, msg.Payload())
	}
	return call
}

// MessageAcked implements slp.Dispatcher.
func (h *Handler) MessageAcked(link *slp.Link, msg *slp.Message) {
	call, ok := h.accepts[msg]
	if !ok {
		return
	}
	delete(h.accepts, msg)
	if st := h.calls[call]; st != nil && !call.Destroyed() {
		h.serveObject(link, call, st)
	}
}

// CallReady implements slp.Dispatcher.
func (h *Handler) CallReady(link *slp.Link, call *slp.Call) {
	st := h.calls[call]
	if st == nil || st.kind != kindFile || call.Direction() != slp.Outgoing || st.out != nil {
		return
	}
	h.startFile(link, call, st)
}

// TransferStarted implements slp.TransferObserver.
func (h *Handler) TransferStarted(call *slp.Call) {
	h.observer.TransferStarted(call)
}

// TransferProgress implements slp.TransferObserver.
func (h *Handler) TransferProgress(call *slp.Call, total, chunkLen, offset uint64) {
	h.observer.TransferProgress(call, total, chunkLen, offset)
}

// TransferEnded implements slp.TransferObserver.
func (h *Handler) TransferEnded(call *slp.Call, err error) {
	h.release(call)
	h.observer.TransferEnded(call, err)
}

// CancelCall ends call locally and sends the peer a BYE.
func (h *Handler) CancelCall(call *slp.Call) error {
	if call.Destroyed() {
		return slp.ErrCallEnded
	}
	err := h.sendBye(call.Link(), call)
	call.Cancel()
	return err
}

func (h *Handler) release(call *slp.Call) {
	st, ok := h.calls[call]
	if !ok {
		return
	}
	delete(h.calls, call)
	if st.accept != nil {
		delete(h.accepts, st.accept)
	}

	if st.kind != kindFile {
		return
	}
	switch call.Direction() {
	case slp.Incoming:
		if !st.done && st.partPath != "" {
			if err := os.Remove(st.partPath); err != nil && !os.IsNotExist(err) {
				h.log.Warn("Removing partial file failed", zap.String("path", st.partPath), zap.Error(err))
			}
		}
	case slp.Outgoing:
		// Once data started the session owns the file as the message source.
		if st.out == nil && st.file != nil {
			_ = st.file.Close()
		}
	}
}

func (h *Handler) newSessionID(link *slp.Link) uint32 {
	for {
		id := rand.Uint32N(0x7FFFFFFF) + 1
		if _, exists := link.FindCall(id); !exists {
			return id
		}
	}
}

func (h *Handler) sendSignal(link *slp.Link, m *signal.Message) (*slp.Message, error) {
	msg := slp.NewMessage(0, p2p.FlagNone, p2p.AppIDSession, m.Marshal())
	if err := link.Send(msg); err != nil {
		return nil, errors.Wrapf(err, "send %s", describe(m))
	}
	return msg, nil
}

func (h *Handler) reply(link *slp.Link, req *signal.Message, status int, contentType string, body signal.Body) *slp.Message {
	msg, err := h.sendSignal(link, req.Reply(status, contentType, body))
	if err != nil {
		h.log.Warn("Sending reply failed", zap.String("callID", req.CallID), zap.Error(err))
		return nil
	}
	return msg
}

func (h *Handler) sendBye(link *slp.Link, call *slp.Call) error {
	bye := signal.NewBye(link.Peer(), h.opts.LocalPassport, call.ID())
	bye.Body = sessionBody(call.SessionID())
	_, err := h.sendSignal(link, bye)
	return err
}

func sessionBody(sessionID uint32) signal.Body {
	return signal.Body{{Key: signal.KeySessionID, Value: strconv.FormatUint(uint64(sessionID), 10)}}
}

func describe(m *signal.Message) string {
	if m.IsRequest() {
		return m.Method
	}
	return strconv.Itoa(m.Status)
}

type nopObserver struct{}

func (nopObserver) TransferStarted(*slp.Call) {}

func (nopObserver) TransferProgress(*slp.Call, uint64, uint64, uint64) {}

func (nopObserver) TransferEnded(*slp.Call, error) {}
