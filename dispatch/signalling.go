package dispatch

import (
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"msnslp/p2p"
	"msnslp/slp"
	"msnslp/slp/signal"
)

func (h *Handler) handleSignal(link *slp.Link, msg *slp.Message) *slp.Call {
	sm, err := signal.Parse(msg.Payload())
	if err != nil {
		h.log.Warn("Dropping malformed signalling message", zap.String("peer", link.Peer()), zap.Error(err))
		return nil
	}

	if sm.IsRequest() {
		switch {
		case sm.Method == signal.MethodInvite && sm.ContentType == signal.ContentSessionReq:
			return h.handleInvite(link, sm)
		case sm.Method == signal.MethodInvite && sm.ContentType == signal.ContentTransReq:
			return h.handleTransReq(link, sm)
		case sm.Method == signal.MethodBye:
			return h.handleBye(link, sm)
		}
		h.log.Debug("Unsupported request",
			zap.String("method", sm.Method),
			zap.String("contentType", sm.ContentType))
		return nil
	}

	call, ok := link.FindCallByID(sm.CallID)
	if !ok {
		h.log.Debug("Response for unknown call", zap.String("callID", sm.CallID), zap.Int("status", sm.Status))
		return nil
	}
	st := h.calls[call]

	switch {
	case sm.Status == signal.StatusOK && sm.ContentType == signal.ContentTransResp:
		if st != nil {
			h.handleTransResp(link, call, st, sm)
		}
	case sm.Status == signal.StatusOK:
		if st != nil {
			h.handleAccepted(link, call, st)
		}
	case sm.Status == signal.StatusDecline:
		call.Finish(errors.Wrapf(slp.ErrDeclined, "call %s", call.ID()))
	default:
		call.Finish(errors.Wrapf(ErrRejected, "%d %s", sm.Status, sm.Reason))
	}
	return call
}

func (h *Handler) handleInvite(link *slp.Link, sm *signal.Message) *slp.Call {
	sessionID, err := strconv.ParseUint(sm.Body.Get(signal.KeySessionID), 10, 32)
	if err != nil || sessionID == 0 {
		h.log.Warn("INVITE without usable session id", zap.String("callID", sm.CallID))
		h.reply(link, sm, signal.StatusError, signal.ContentSessionReq, nil)
		return nil
	}
	if _, exists := link.FindCall(uint32(sessionID)); exists {
		h.log.Warn("INVITE reuses a live session id", zap.Uint64("sessionID", sessionID))
		h.reply(link, sm, signal.StatusError, signal.ContentSessionReq, nil)
		return nil
	}

	switch sm.Body.Get(signal.KeyEUFGUID) {
	case signal.EUFGUIDFile:
		return h.inviteFile(link, sm, uint32(sessionID))
	case signal.EUFGUIDObject:
		return h.inviteObject(link, sm, uint32(sessionID))
	}

	// The call exists only so the INVITE is acknowledged before it ends.
	call, err := link.NewCall(slp.CallParams{
		SessionID: uint32(sessionID),
		AppID:     appID(sm.Body),
		CallID:    sm.CallID,
		Direction: slp.Incoming,
	})
	if err != nil {
		h.log.Warn("Creating call failed", zap.Error(err))
		return nil
	}
	h.reply(link, sm, signal.StatusError, signal.ContentSessionReq, sessionBody(uint32(sessionID)))
	call.Finish(errors.Wrapf(ErrUnsupported, "EUF-GUID %s", sm.Body.Get(signal.KeyEUFGUID)))
	return call
}

func (h *Handler) handleAccepted(link *slp.Link, call *slp.Call, st *callState) {
	call.Activate()
	if st.kind != kindFile || call.Direction() != slp.Outgoing {
		return
	}
	if h.opts.Direct != nil {
		h.requestDirect(link, call, st)
		return
	}
	h.startFile(link, call, st)
}

func (h *Handler) handleBye(link *slp.Link, sm *signal.Message) *slp.Call {
	call, ok := link.FindCallByID(sm.CallID)
	if !ok {
		h.log.Debug("BYE for unknown call", zap.String("callID", sm.CallID))
		return nil
	}

	st := h.calls[call]
	if st != nil && !st.complete() {
		h.log.Info("Peer closed call before completion",
			zap.String("peer", link.Peer()),
			zap.String("callID", call.ID()))
		call.Abort(ErrPeerClosed)
		return call
	}
	call.Finish(nil)
	return call
}

func appID(body signal.Body) uint32 {
	v, err := strconv.ParseUint(body.Get(signal.KeyAppID), 10, 32)
	if err != nil {
		return p2p.AppIDSession
	}
	return uint32(v)
}
