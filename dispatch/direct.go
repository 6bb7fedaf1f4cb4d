package dispatch

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"msnslp/crypto"
	"msnslp/slp"
	"msnslp/slp/signal"
)

const (
	bridgeTCP      = "TCPv1"
	connTypeDirect = "Direct-Connect"
)

// requestDirect offers a direct connection for an accepted outgoing file.
func (h *Handler) requestDirect(link *slp.Link, call *slp.Call, st *callState) {
	st.nonce = crypto.NewNonce()

	body := sessionBody(call.SessionID())
	body.Set(signal.KeyBridges, bridgeTCP)
	body.Set(signal.KeyNetID, "0")
	body.Set(signal.KeyConnType, connTypeDirect)
	body.Set(signal.KeyNonce, st.nonce.String())

	req := signal.NewInvite(link.Peer(), h.opts.LocalPassport, call.ID(), signal.ContentTransReq, body)
	if _, err := h.sendSignal(link, req); err != nil {
		h.log.Warn("Direct connection offer failed, using switchboard", zap.String("callID", call.ID()), zap.Error(err))
		h.startFile(link, call, st)
	}
}

func (h *Handler) handleTransReq(link *slp.Link, sm *signal.Message) *slp.Call {
	call, ok := link.FindCallByID(sm.CallID)
	if !ok {
		h.log.Debug("Transport request for unknown call", zap.String("callID", sm.CallID))
		return nil
	}

	body := signal.Body{
		{Key: signal.KeyBridge, Value: bridgeTCP},
		{Key: signal.KeyListening, Value: "false"},
		{Key: signal.KeyNetID, Value: "0"},
		{Key: signal.KeyConnType, Value: connTypeDirect},
	}

	listening := false
	nonce, err := crypto.ParseNonce(sm.Body.Get(signal.KeyNonce))
	if err == nil && h.opts.Direct != nil && strings.Contains(sm.Body.Get(signal.KeyBridges), bridgeTCP) {
		addrs, port, lerr := h.opts.Direct.Listen(link.Peer(), nonce)
		if lerr != nil {
			h.log.Warn("Direct connection listener unavailable", zap.Error(lerr))
		} else {
			listening = true
			body.Set(signal.KeyListening, "true")
			body.Set(signal.KeyHashedNonce, nonce.Hash().String())
			body.Set(signal.KeyIPv4InternalAddrs, strings.Join(addrs, " "))
			body.Set(signal.KeyIPv4InternalPort, strconv.Itoa(port))
		}
	}

	h.reply(link, sm, signal.StatusOK, signal.ContentTransResp, body)
	if listening {
		call.SetWaitForSocket(true)
	}
	return call
}

func (h *Handler) handleTransResp(link *slp.Link, call *slp.Call, st *callState, sm *signal.Message) {
	if call.Direction() != slp.Outgoing || st.out != nil {
		return
	}

	if sm.Body.Get(signal.KeyListening) == "true" && h.opts.Direct != nil {
		hashed, herr := crypto.ParseNonce(sm.Body.Get(signal.KeyHashedNonce))
		port, perr := strconv.Atoi(sm.Body.Get(signal.KeyIPv4InternalPort))
		addrs := strings.Fields(sm.Body.Get(signal.KeyIPv4InternalAddrs))
		if herr == nil && perr == nil && len(addrs) > 0 && hashed.Equal(st.nonce.Hash()) {
			call.SetWaitForSocket(true)
			h.opts.Direct.Connect(link.Peer(), addrs, port, st.nonce)
			return
		}
		h.log.Warn("Unusable transport response, using switchboard", zap.String("callID", call.ID()))
	}
	h.startFile(link, call, st)
}
