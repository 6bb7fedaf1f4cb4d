package dispatch

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"msnslp/p2p"
	"msnslp/slp"
	"msnslp/slp/signal"
)

// SendFile invites the peer of link to receive the file at path. The data
// follows once the peer accepts.
func (h *Handler) SendFile(link *slp.Link, path string) (*slp.Call, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open file")
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "stat file")
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, errors.Errorf("%s is a directory", path)
	}

	name := filepath.Base(path)
	context, err := signal.FileContext{
		Size: uint64(info.Size()),
		Type: signal.FileTypeNoPreview,
		Name: name,
	}.Encode()
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	call, err := link.NewCall(slp.CallParams{
		SessionID: h.newSessionID(link),
		AppID:     p2p.AppIDFile,
		Direction: slp.Outgoing,
		Name:      name,
		Size:      uint64(info.Size()),
	})
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	st := &callState{kind: kindFile, file: file}
	h.calls[call] = st

	body := sessionBody(call.SessionID())
	body.Set(signal.KeyEUFGUID, signal.EUFGUIDFile)
	body.Set(signal.KeyAppID, strconv.FormatUint(uint64(p2p.AppIDFile), 10))
	body.Set(signal.KeyContext, context)
	st.invite = signal.NewInvite(link.Peer(), h.opts.LocalPassport, call.ID(), signal.ContentSessionReq, body)

	if _, err := h.sendSignal(link, st.invite); err != nil {
		call.Cancel()
		return nil, err
	}

	h.log.Info("File offered",
		zap.String("peer", link.Peer()),
		zap.String("callID", call.ID()),
		zap.String("name", name),
		zap.Int64("size", info.Size()))
	return call, nil
}

func (h *Handler) inviteFile(link *slp.Link, sm *signal.Message, sessionID uint32) *slp.Call {
	fctx, ctxErr := signal.DecodeFileContext(sm.Body.Get(signal.KeyContext))

	call, err := link.NewCall(slp.CallParams{
		SessionID: sessionID,
		AppID:     p2p.AppIDFile,
		CallID:    sm.CallID,
		Direction: slp.Incoming,
		Name:      safeFilename(fctx.Name),
		Size:      fctx.Size,
	})
	if err != nil {
		h.log.Warn("Creating call failed", zap.Error(err))
		return nil
	}
	st := &callState{kind: kindFile, invite: sm}
	h.calls[call] = st

	if ctxErr != nil {
		h.reply(link, sm, signal.StatusError, signal.ContentSessionReq, sessionBody(sessionID))
		call.Finish(errors.Wrap(ctxErr, "file context"))
		return call
	}

	accept, err := h.decideFile(FileRequestNotification{
		CallID:   call.ID(),
		From:     link.Peer(),
		Filename: call.Name(),
		Filesize: call.Size(),
	})
	if err == nil && accept {
		err = h.openPartFile(call, st)
	}
	switch {
	case err != nil:
		h.log.Warn("File invitation failed", zap.String("callID", call.ID()), zap.Error(err))
		h.reply(link, sm, signal.StatusError, signal.ContentSessionReq, sessionBody(sessionID))
		call.Finish(err)
	case !accept:
		h.log.Info("File declined", zap.String("peer", link.Peer()), zap.String("name", call.Name()))
		h.reply(link, sm, signal.StatusDecline, signal.ContentSessionReq, sessionBody(sessionID))
		call.Finish(errors.Wrapf(slp.ErrDeclined, "call %s", call.ID()))
	default:
		h.log.Info("File accepted",
			zap.String("peer", link.Peer()),
			zap.String("name", call.Name()),
			zap.Uint64("size", call.Size()))
		h.reply(link, sm, signal.StatusOK, signal.ContentSessionReq, sessionBody(sessionID))
		call.Activate()
	}
	return call
}

func (h *Handler) decideFile(req FileRequestNotification) (bool, error) {
	if h.opts.OnFileRequest == nil {
		return h.opts.AutoAccept, nil
	}
	return h.opts.OnFileRequest(req)
}

func (h *Handler) openPartFile(call *slp.Call, st *callState) error {
	if err := os.MkdirAll(h.opts.FilesDir, 0o700); err != nil {
		return errors.Wrap(err, "create files directory")
	}

	finalPath := filepath.Join(h.opts.FilesDir, prefixedFilename(call.ID(), call.Name()))
	partPath := finalPath + ".part"
	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "create partial file")
	}

	st.file = file
	st.partPath = partPath
	st.finalPath = finalPath
	call.SetSink(file)
	return nil
}

func (h *Handler) startFile(link *slp.Link, call *slp.Call, st *callState) {
	out, err := call.SendData(p2p.FlagFileData, call.Size(), st.file)
	if err != nil {
		h.log.Warn("Starting file data failed", zap.String("callID", call.ID()), zap.Error(err))
		return
	}
	st.out = out
	h.log.Debug("File data started", zap.String("peer", link.Peer()), zap.String("callID", call.ID()))
}

func (h *Handler) fileReceived(link *slp.Link, call *slp.Call, st *callState) {
	if call.Direction() != slp.Incoming || st.file == nil {
		return
	}
	st.done = true
	call.SetSink(nil)

	err := st.file.Close()
	st.file = nil
	if err == nil {
		err = os.Rename(st.partPath, st.finalPath)
	}
	if err != nil {
		err = errors.Wrap(err, "store received file")
		h.log.Warn("Storing received file failed", zap.String("path", st.finalPath), zap.Error(err))
		_ = os.Remove(st.partPath)
	} else {
		h.log.Info("File received",
			zap.String("peer", link.Peer()),
			zap.String("path", st.finalPath),
			zap.Uint64("size", call.Size()))
	}

	if byeErr := h.sendBye(link, call); byeErr != nil {
		h.log.Warn("Sending BYE failed", zap.String("callID", call.ID()), zap.Error(byeErr))
	}
	call.Finish(err)
}

func prefixedFilename(callID, filename string) string {
	return strings.Trim(callID, "{}") + "_" + safeFilename(filename)
}

func safeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || base == "." || base == ".." || base == "/" {
		return "file.bin"
	}
	return base
}
