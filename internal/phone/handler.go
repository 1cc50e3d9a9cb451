package phone

import (
	"errors"

	"github.com/danmuck/watchbridge/internal/correlator"
	"github.com/danmuck/watchbridge/internal/events"
	"github.com/danmuck/watchbridge/internal/link"
	"github.com/danmuck/watchbridge/internal/observability"
	"github.com/danmuck/watchbridge/internal/payload"
)

// linkHandler turns inbound watch traffic into bus events.
type linkHandler struct {
	svc *Service
}

func (h *linkHandler) HandleMessage(_ *link.Link, m payload.Map) {
	h.svc.bus.Publish(events.Event{Name: events.MessageReceived, Payload: m})
}

// HandleRequest parks the sink under a fresh callbackId and announces it.
func (h *linkHandler) HandleRequest(l *link.Link, m payload.Map, sink *link.ReplySink) {
	s := h.svc
	token := correlator.NewToken()
	for err := s.replies.Insert(token, sink); err != nil; err = s.replies.Insert(token, sink) {
		if !errors.Is(err, correlator.ErrTokenInUse) {
			s.logger.Error().Err(err).Msg("register reply")
			_ = sink.Fail(link.CodeHandlerFailed, err.Error())
			return
		}
		token = correlator.NewToken()
	}
	// A session replaced or detached while this request was in flight has
	// already been reset; its token must not outlive it.
	if !s.isActive(l) {
		if s.replies.Drop(token) {
			s.logger.Debug().Str("callback_id", token).Str("watch", l.PeerID()).Msg("request from stale session dropped")
		}
		return
	}
	observability.SetPendingReplies(s.cfg.DeviceID, s.replies.Pending())
	s.logger.Debug().Str("callback_id", token).Str("watch", l.PeerID()).Msg("request awaiting reply")
	s.bus.Publish(events.Event{Name: events.MessageReceivedWithReply, Payload: m, CallbackID: token})
}

func (h *linkHandler) HandleContext(_ *link.Link, m payload.Map, _ uint64) {
	h.svc.mu.Lock()
	h.svc.received = m.Clone()
	h.svc.mu.Unlock()
	h.svc.bus.Publish(events.Event{Name: events.ApplicationContextReceived, Payload: m})
}

func (h *linkHandler) HandleTransfer(_ *link.Link, sender string, seq uint64, m payload.Map) {
	if !h.svc.inbox.Accept(sender, seq) {
		h.svc.logger.Debug().Str("sender", sender).Uint64("seq", seq).Msg("duplicate transfer dropped")
		return
	}
	h.svc.bus.Publish(events.Event{Name: events.UserInfoReceived, Payload: m})
}

func (h *linkHandler) HandleTransferAck(_ *link.Link, seq uint64) {
	h.svc.outbox.Ack(seq)
	observability.SetQueuedTransfers(h.svc.cfg.DeviceID, h.svc.outbox.Len())
}
