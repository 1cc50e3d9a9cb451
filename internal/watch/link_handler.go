package watch

import (
	"context"

	"github.com/danmuck/watchbridge/internal/events"
	"github.com/danmuck/watchbridge/internal/link"
	"github.com/danmuck/watchbridge/internal/payload"
)

// linkHandler feeds inbound phone traffic to the application Handler and
// the event bus.
type linkHandler struct {
	c *Connector
}

func (h *linkHandler) HandleMessage(_ *link.Link, m payload.Map) {
	h.c.mu.Lock()
	h.c.lastMessage = m.Clone()
	h.c.mu.Unlock()
	h.c.handler.OnMessage(m)
	h.c.bus.Publish(events.Event{Name: events.MessageReceived, Payload: m})
}

// HandleRequest answers off the read loop so a slow OnRequest does not stall
// the session. The request context ends when the link closes. The event
// carries no callbackId: the reply is whatever OnRequest returns.
func (h *linkHandler) HandleRequest(l *link.Link, m payload.Map, sink *link.ReplySink) {
	h.c.mu.Lock()
	h.c.lastMessage = m.Clone()
	h.c.mu.Unlock()
	h.c.bus.Publish(events.Event{Name: events.MessageReceivedWithReply, Payload: m})
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-l.Closed():
				cancel()
			case <-ctx.Done():
			}
		}()

		reply, err := h.c.handler.OnRequest(ctx, m)
		if err != nil {
			err = sink.Fail(link.CodeHandlerFailed, err.Error())
		} else {
			err = sink.Reply(reply)
		}
		if err != nil {
			h.c.logger.Debug().Err(err).Uint64("request_id", sink.RequestID()).Msg("reply not sent")
		}
	}()
}

func (h *linkHandler) HandleContext(_ *link.Link, m payload.Map, _ uint64) {
	h.c.mu.Lock()
	h.c.received = m.Clone()
	h.c.mu.Unlock()
	h.c.handler.OnApplicationContext(m)
	h.c.bus.Publish(events.Event{Name: events.ApplicationContextReceived, Payload: m})
}

func (h *linkHandler) HandleTransfer(_ *link.Link, sender string, seq uint64, m payload.Map) {
	if !h.c.inbox.Accept(sender, seq) {
		h.c.logger.Debug().Str("sender", sender).Uint64("seq", seq).Msg("duplicate transfer dropped")
		return
	}
	h.c.handler.OnUserInfo(m)
	h.c.bus.Publish(events.Event{Name: events.UserInfoReceived, Payload: m})
}

func (h *linkHandler) HandleTransferAck(_ *link.Link, seq uint64) {
	h.c.outbox.Ack(seq)
}
