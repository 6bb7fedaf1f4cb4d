package dispatch

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"msnslp/p2p"
	"msnslp/slp"
	"msnslp/slp/signal"
	"msnslp/storage"
)

// PublishObject stores data as an MSN object created by the local passport
// and returns its descriptor.
func (h *Handler) PublishObject(typ signal.ObjectType, location string, data []byte) (signal.Object, error) {
	if h.opts.Objects == nil {
		return signal.Object{}, errors.New("no object store configured")
	}
	obj := signal.NewObject(h.opts.LocalPassport, typ, location, data)
	if err := h.opts.Objects.SaveObject(toStored(obj, data)); err != nil {
		return signal.Object{}, err
	}
	return obj, nil
}

// RequestObject asks the peer of link for the object obj describes. The
// object is verified and stored when its data arrives.
func (h *Handler) RequestObject(link *slp.Link, obj signal.Object) (*slp.Call, error) {
	call, err := link.NewCall(slp.CallParams{
		SessionID: h.newSessionID(link),
		AppID:     p2p.AppIDObject,
		Direction: slp.Outgoing,
		Name:      obj.Location,
		Size:      obj.Size,
	})
	if err != nil {
		return nil, err
	}
	st := &callState{kind: kindObject, object: obj}
	h.calls[call] = st

	body := sessionBody(call.SessionID())
	body.Set(signal.KeyEUFGUID, signal.EUFGUIDObject)
	body.Set(signal.KeyAppID, strconv.FormatUint(uint64(p2p.AppIDObject), 10))
	body.Set(signal.KeyContext, obj.Context())
	st.invite = signal.NewInvite(link.Peer(), h.opts.LocalPassport, call.ID(), signal.ContentSessionReq, body)

	if _, err := h.sendSignal(link, st.invite); err != nil {
		call.Cancel()
		return nil, err
	}
	return call, nil
}

func (h *Handler) inviteObject(link *slp.Link, sm *signal.Message, sessionID uint32) *slp.Call {
	obj, ctxErr := signal.DecodeObjectContext(sm.Body.Get(signal.KeyContext))

	call, err := link.NewCall(slp.CallParams{
		SessionID: sessionID,
		AppID:     appID(sm.Body),
		CallID:    sm.CallID,
		Direction: slp.Incoming,
		Name:      obj.Location,
		Size:      obj.Size,
	})
	if err != nil {
		h.log.Warn("Creating call failed", zap.Error(err))
		return nil
	}
	st := &callState{kind: kindObject, invite: sm, object: obj}
	h.calls[call] = st

	if ctxErr != nil {
		h.reply(link, sm, signal.StatusError, signal.ContentSessionReq, sessionBody(sessionID))
		call.Finish(errors.Wrap(ctxErr, "object context"))
		return call
	}

	stored, err := h.lookupObject(obj)
	if err != nil {
		h.log.Info("Requested object unavailable",
			zap.String("peer", link.Peer()),
			zap.String("location", obj.Location),
			zap.Error(err))
		h.reply(link, sm, signal.StatusNotFound, signal.ContentSessionReq, sessionBody(sessionID))
		call.Finish(err)
		return call
	}

	st.data = stored.Data
	st.accept = h.reply(link, sm, signal.StatusOK, signal.ContentSessionReq, sessionBody(sessionID))
	if st.accept != nil {
		h.accepts[st.accept] = call
	}
	call.Activate()
	return call
}

func (h *Handler) lookupObject(obj signal.Object) (*storage.Object, error) {
	if h.opts.Objects == nil || obj.Creator != h.opts.LocalPassport {
		return nil, errors.Wrap(ErrObjectNotFound, obj.Location)
	}
	stored, err := h.opts.Objects.FindObject(obj.Creator, obj.Location)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.Wrap(ErrObjectNotFound, obj.Location)
		}
		return nil, err
	}
	if obj.SHA1D != "" && stored.SHA1D != obj.SHA1D {
		return nil, errors.Wrapf(ErrObjectNotFound, "%s has changed", obj.Location)
	}
	return stored, nil
}

// serveObject starts the object data once the peer acknowledged our 200 OK.
func (h *Handler) serveObject(link *slp.Link, call *slp.Call, st *callState) {
	out, err := call.SendData(p2p.FlagMSNObjData, uint64(len(st.data)), bytes.NewReader(st.data))
	if err != nil {
		h.log.Warn("Starting object data failed", zap.String("callID", call.ID()), zap.Error(err))
		return
	}
	st.out = out
	h.log.Debug("Object data started", zap.String("peer", link.Peer()), zap.String("location", st.object.Location))
}

func (h *Handler) objectReceived(link *slp.Link, call *slp.Call, st *callState, data []byte) {
	if call.Direction() != slp.Outgoing {
		return
	}
	st.done = true

	err := st.object.Verify(data)
	if err == nil && h.opts.Objects != nil {
		err = h.opts.Objects.SaveObject(toStored(st.object, data))
	}
	if err != nil {
		h.log.Warn("Received object rejected", zap.String("location", st.object.Location), zap.Error(err))
	} else {
		h.log.Info("Object received",
			zap.String("peer", link.Peer()),
			zap.String("location", st.object.Location),
			zap.Uint64("size", st.object.Size))
	}

	if byeErr := h.sendBye(link, call); byeErr != nil {
		h.log.Warn("Sending BYE failed", zap.String("callID", call.ID()), zap.Error(byeErr))
	}
	call.Finish(err)
}

func toStored(obj signal.Object, data []byte) storage.Object {
	return storage.Object{
		SHA1D:    obj.SHA1D,
		Creator:  obj.Creator,
		Type:     int(obj.Type),
		Location: obj.Location,
		Size:     int64(len(data)),
		Data:     bytes.Clone(data),
	}
}
