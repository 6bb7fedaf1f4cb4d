package storage

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"msnslp/slp"
)

// DefaultProgressInterval throttles progress writes per transfer.
const DefaultProgressInterval = 500 * time.Millisecond

// Recorder persists call lifecycle events. It implements slp.TransferObserver
// and runs on the engine goroutine, so it keeps no locks.
type Recorder struct {
	store    *Store
	log      *zap.Logger
	interval time.Duration
	now      func() time.Time

	lastWrite map[string]time.Time
	next      slp.TransferObserver
}

// NewRecorder returns a recorder writing to store. Events are forwarded to
// next afterwards when it is non-nil.
func NewRecorder(store *Store, log *zap.Logger, next slp.TransferObserver) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		store:     store,
		log:       log.Named("recorder"),
		interval:  DefaultProgressInterval,
		now:       time.Now,
		lastWrite: map[string]time.Time{},
		next:      next,
	}
}

// TransferStarted inserts the transfer row.
func (r *Recorder) TransferStarted(call *slp.Call) {
	direction := DirectionIncoming
	if call.Direction() == slp.Outgoing {
		direction = DirectionOutgoing
	}

	err := r.store.SaveTransfer(Transfer{
		CallID:    call.ID(),
		SessionID: call.SessionID(),
		Peer:      call.Link().Peer(),
		Direction: direction,
		AppID:     call.AppID(),
		Name:      call.Name(),
		Size:      call.Size(),
	})
	if err != nil {
		r.log.Warn("Recording transfer start failed", zap.String("callID", call.ID()), zap.Error(err))
	}
	if r.next != nil {
		r.next.TransferStarted(call)
	}
}

// TransferProgress records the offset at most once per interval, and always
// when the data message completes.
func (r *Recorder) TransferProgress(call *slp.Call, total, chunkLen, offset uint64) {
	now := r.now()
	if last, ok := r.lastWrite[call.ID()]; offset < total && ok && now.Sub(last) < r.interval {
		if r.next != nil {
			r.next.TransferProgress(call, total, chunkLen, offset)
		}
		return
	}
	r.lastWrite[call.ID()] = now

	if err := r.store.UpdateTransferProgress(call.ID(), offset); err != nil {
		r.log.Warn("Recording transfer progress failed", zap.String("callID", call.ID()), zap.Error(err))
	}
	if r.next != nil {
		r.next.TransferProgress(call, total, chunkLen, offset)
	}
}

// TransferEnded records the terminal status.
func (r *Recorder) TransferEnded(call *slp.Call, err error) {
	delete(r.lastWrite, call.ID())

	status, errText := terminalStatus(err)
	if ferr := r.store.FinishTransfer(call.ID(), status, errText); ferr != nil {
		r.log.Warn("Recording transfer end failed", zap.String("callID", call.ID()), zap.Error(ferr))
	}
	if r.next != nil {
		r.next.TransferEnded(call, err)
	}
}

func terminalStatus(err error) (string, string) {
	switch {
	case err == nil:
		return TransferStatusComplete, ""
	case errors.Is(err, slp.ErrCanceled):
		return TransferStatusCanceled, ""
	case errors.Is(err, slp.ErrDeclined):
		return TransferStatusDeclined, ""
	default:
		return TransferStatusFailed, err.Error()
	}
}
