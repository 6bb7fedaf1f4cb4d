package slp

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"msnslp/p2p"
)

func (l *Link) processChunk(chunk p2p.Chunk) error {
	h := chunk.Header
	log := l.log.With(
		zap.Uint32("sessionID", h.SessionID),
		zap.Uint32("id", h.ID),
		zap.Uint64("offset", h.Offset),
		zap.Uint32("length", h.Length),
		zap.Uint64("totalSize", h.TotalSize),
		zap.Stringer("flags", h.Flags))

	if uint64(h.Length) != uint64(len(chunk.Body)) {
		log.Warn("Chunk length does not match body, dropping", zap.Int("body", len(chunk.Body)))
		return nil
	}
	if err := h.Validate(); err != nil {
		log.Warn("Invalid chunk header, dropping", zap.Error(err))
		if errors.Is(err, p2p.ErrOffsetOverflow) {
			if msg := l.incoming[msgKey{sessionID: h.SessionID, id: h.ID}]; msg != nil {
				l.dropIncoming(msg, nil)
			}
		}
		return nil
	}

	switch h.Flags {
	case p2p.FlagAck:
		return l.handleAck(h)
	case p2p.FlagBinaryError:
		l.handleBinaryError(h)
		return nil
	}

	var msg *Message
	if h.Offset == 0 {
		msg = l.startMessage(chunk.Header, chunk.AppID, log)
		if msg == nil {
			return nil
		}
	} else {
		msg = l.incoming[msgKey{sessionID: h.SessionID, id: h.ID}]
		if msg == nil {
			log.Debug("No message in progress, transfer probably canceled")
			return nil
		}
		if h.Offset != msg.offset {
			log.Warn("Out of order chunk, dropping", zap.Uint64("expected", msg.offset))
			return nil
		}
		if h.TotalSize != msg.size {
			log.Warn("Total size changed mid-message, dropping", zap.Uint64("expected", msg.size))
			return nil
		}
	}

	if err := msg.write(chunk.Body); err != nil {
		log.Warn("Storing chunk failed, dropping message", zap.Error(err))
		l.dropIncoming(msg, err)
		return nil
	}

	if call := msg.call; call != nil && msg.flags.IsData() {
		call.progress = true
		call.Activate()
		l.session.observer.TransferProgress(call, msg.size, uint64(h.Length), msg.offset)
	}

	if msg.Complete() {
		return l.completeMessage(msg)
	}
	return nil
}

func (l *Link) startMessage(h p2p.Header, appID uint32, log *zap.Logger) *Message {
	key := msgKey{sessionID: h.SessionID, id: h.ID}
	if stale, ok := l.incoming[key]; ok {
		if stale.sink != nil {
			log.Warn("Streamed message restarted, dropping chunk", zap.Uint64("had", stale.offset))
			return nil
		}
		log.Warn("Message restarted, discarding partial data", zap.Uint64("had", stale.offset))
		l.dropIncoming(stale, nil)
	}

	msg := newIncomingMessage(h, appID)
	msg.link = l

	if h.SessionID != 0 {
		if call, ok := l.calls[h.SessionID]; ok {
			if h.Flags.IsData() && call.sink != nil {
				if call.in != nil {
					log.Warn("Call already receiving a data message, dropping")
					return nil
				}
				if call.wasted {
					log.Debug("Data for canceled call, dropping")
					return nil
				}
				msg.sink = call.sink
				call.in = msg
			}
			msg.call = call
		}
	}

	if msg.sink == nil {
		if h.TotalSize > l.session.maxBuffered {
			log.Warn("Message exceeds buffering limit, dropping", zap.Uint64("limit", l.session.maxBuffered))
			return nil
		}
		msg.buf = make([]byte, h.TotalSize)
	}

	l.incoming[key] = msg
	return msg
}

func (l *Link) dropIncoming(msg *Message, err error) {
	delete(l.incoming, msg.key())
	call := msg.call
	if call == nil || call.in != msg {
		return
	}
	call.in = nil
	if err != nil {
		call.endErr = err
		call.Cancel()
	}
}

func (l *Link) completeMessage(msg *Message) error {
	delete(l.incoming, msg.key())
	if c := msg.call; c != nil && c.in == msg {
		c.in = nil
	}

	call := l.session.dispatcher.MessageComplete(l, msg)
	if call == nil || call.destroyed || l.destroyed {
		return nil
	}

	var err error
	if msg.flags.NeedsAck() && !call.wasted {
		ack := newAckMessage(msg.Header())
		if call.waitForSocket {
			l.pendingAcks = append(l.pendingAcks, ack)
		} else if err = l.Send(ack); err == nil {
			err = l.DrainQueue()
		}
	}

	if !call.destroyed {
		l.reapCall(call)
	}
	return err
}
