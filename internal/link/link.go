// Package link runs one handshaken phone<->watch session: a framed read
// loop, heartbeats, outbound sends, and request/reply matching.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/watchbridge/internal/observability"
	"github.com/danmuck/watchbridge/internal/payload"
	"github.com/danmuck/watchbridge/internal/protocol/frame"
	"github.com/danmuck/watchbridge/internal/protocol/schema"
	"github.com/danmuck/watchbridge/internal/protocol/session"
	"github.com/danmuck/watchbridge/internal/protocol/tlv"
	"github.com/rs/zerolog"
)

var (
	ErrSessionClosed  = errors.New("link: session closed")
	ErrRequestTimeout = errors.New("link: request timed out")
)

// Reply error codes carried in reply.error frames.
const (
	CodeHandlerFailed uint32 = 500
	CodeExpired       uint32 = 408
	CodeDropped       uint32 = 410
)

// RemoteError is a reply.error received from the peer.
type RemoteError struct {
	Code    uint32
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("link: remote error %d: %s", e.Code, e.Message)
}

// Handler receives inbound traffic. Calls are made from the read loop in
// arrival order; a handler that blocks stalls the session.
type Handler interface {
	HandleMessage(l *Link, m payload.Map)
	HandleRequest(l *Link, m payload.Map, sink *ReplySink)
	HandleContext(l *Link, m payload.Map, timestampMS uint64)
	// HandleTransfer runs before the link acks seq.
	HandleTransfer(l *Link, sender string, seq uint64, m payload.Map)
	HandleTransferAck(l *Link, seq uint64)
}

type Options struct {
	Session session.Config
	Limits  frame.Limits
	// LocalID is stamped as sender on outbound transfers and messages.
	LocalID string
	PeerID  string
	// Node labels metrics.
	Node   string
	Logger zerolog.Logger
}

type Link struct {
	conn    net.Conn
	r       io.Reader
	handler Handler
	opts    Options
	logger  zerolog.Logger

	writeMu   sync.Mutex
	nextMsgID atomic.Uint64
	nextReqID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]*Future

	closeOnce sync.Once
	closed    chan struct{}
	errMu     sync.Mutex
	err       error
}

// New wraps conn after the handshake. r must be the reader the handshake
// consumed from so buffered frame bytes are not lost.
func New(conn net.Conn, r io.Reader, h Handler, opts Options) *Link {
	opts.Session = opts.Session.WithDefaults()
	if opts.Limits.MaxPayloadBytes == 0 {
		opts.Limits = frame.DefaultLimits()
	}
	if r == nil {
		r = conn
	}
	l := &Link{
		conn:    conn,
		r:       r,
		handler: h,
		opts:    opts,
		logger:  opts.Logger.With().Str("peer", opts.PeerID).Logger(),
		pending: make(map[uint64]*Future),
		closed:  make(chan struct{}),
	}
	l.nextMsgID.Store(uint64(time.Now().UnixNano()))
	return l
}

func (l *Link) PeerID() string { return l.opts.PeerID }

func (l *Link) Closed() <-chan struct{} { return l.closed }

// Err returns the reason the link closed, or nil while it is open.
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Run drives the read loop and heartbeat until the link closes, and returns
// the close reason. A clean peer close returns ErrSessionClosed.
func (l *Link) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { l.closeWith(ctx.Err()) })
	defer stop()
	go l.heartbeat()

	for {
		_ = l.conn.SetReadDeadline(time.Now().Add(l.opts.Session.SessionDeadAfter))
		env, err := session.ReadEnvelope(l.r, l.opts.Limits)
		if err != nil {
			var ve schema.ValidationError
			if errors.As(err, &ve) || errors.Is(err, payload.ErrMalformed) ||
				errors.Is(err, tlv.ErrShortFieldHeader) || errors.Is(err, tlv.ErrShortFieldValue) {
				l.logger.Warn().Err(err).Msg("dropping invalid frame")
				continue
			}
			if errors.Is(err, io.EOF) {
				err = ErrSessionClosed
			}
			l.closeWith(err)
			return l.Err()
		}
		observability.RecordFrame(l.opts.Node, "in", schema.Name(env.Type))
		l.dispatch(env)
	}
}

func (l *Link) dispatch(env session.Envelope) {
	switch env.Type {
	case schema.MsgMessage:
		l.handler.HandleMessage(l, env.Payload)
	case schema.MsgRequest:
		l.handler.HandleRequest(l, env.Payload, &ReplySink{link: l, requestID: env.RequestID})
	case schema.MsgReply:
		l.completeRequest(env.RequestID, env.Payload, nil)
	case schema.MsgReplyError:
		l.completeRequest(env.RequestID, nil, &RemoteError{Code: env.ErrorCode, Message: env.ErrorMessage})
	case schema.MsgContext:
		l.handler.HandleContext(l, env.Payload, env.TimestampMS)
	case schema.MsgTransfer:
		l.handler.HandleTransfer(l, env.SenderID, env.Seq, env.Payload)
		if err := l.SendTransferAck(env.Seq); err != nil {
			l.logger.Warn().Err(err).Uint64("seq", env.Seq).Msg("transfer ack failed")
		}
	case schema.MsgTransferAck:
		l.handler.HandleTransferAck(l, env.Seq)
	case schema.MsgHeartbeat:
	}
}

func (l *Link) heartbeat() {
	ticker := time.NewTicker(l.opts.Session.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.closed:
			return
		case now := <-ticker.C:
			err := l.write(session.Envelope{Type: schema.MsgHeartbeat, TimestampMS: uint64(now.UnixMilli())})
			if err != nil {
				l.closeWith(err)
				return
			}
		}
	}
}

// Close tears the link down and fails outstanding requests.
func (l *Link) Close() error {
	l.closeWith(ErrSessionClosed)
	return nil
}

func (l *Link) closeWith(reason error) {
	l.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrSessionClosed
		}
		l.errMu.Lock()
		l.err = reason
		l.errMu.Unlock()
		close(l.closed)
		_ = l.conn.Close()

		l.pendingMu.Lock()
		pending := l.pending
		l.pending = make(map[uint64]*Future)
		l.pendingMu.Unlock()
		for _, f := range pending {
			f.complete(nil, ErrSessionClosed)
		}
		l.logger.Debug().Err(reason).Int("failed_requests", len(pending)).Msg("link closed")
	})
}

func (l *Link) write(env session.Envelope) error {
	select {
	case <-l.closed:
		return ErrSessionClosed
	default:
	}
	env.MessageID = l.nextMsgID.Add(1)
	b, err := session.EncodeEnvelope(env, l.opts.Limits)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(l.opts.Session.WriteTimeout))
	if _, err := l.conn.Write(b); err != nil {
		l.closeWith(err)
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	observability.RecordFrame(l.opts.Node, "out", schema.Name(env.Type))
	return nil
}

func (l *Link) SendMessage(m payload.Map) error {
	return l.write(session.Envelope{Type: schema.MsgMessage, Payload: m, SenderID: l.opts.LocalID})
}

func (l *Link) SendContext(m payload.Map, timestampMS uint64) error {
	return l.write(session.Envelope{Type: schema.MsgContext, Payload: m, TimestampMS: timestampMS})
}

func (l *Link) SendTransfer(seq uint64, m payload.Map) error {
	return l.write(session.Envelope{Type: schema.MsgTransfer, Seq: seq, Payload: m, SenderID: l.opts.LocalID})
}

func (l *Link) SendTransferAck(seq uint64) error {
	return l.write(session.Envelope{Type: schema.MsgTransferAck, Seq: seq})
}

func (l *Link) SendReply(requestID uint64, m payload.Map) error {
	return l.write(session.Envelope{Type: schema.MsgReply, RequestID: requestID, Payload: m})
}

func (l *Link) SendReplyError(requestID uint64, code uint32, message string) error {
	return l.write(session.Envelope{
		Type:         schema.MsgReplyError,
		RequestID:    requestID,
		ErrorCode:    code,
		ErrorMessage: message,
	})
}

// Request sends m and returns a Future for the peer's reply. The future
// fails with ErrRequestTimeout after the configured request timeout, with
// ctx.Err() if ctx ends first, and with ErrSessionClosed on teardown.
func (l *Link) Request(ctx context.Context, m payload.Map) *Future {
	f := NewFuture()
	id := l.nextReqID.Add(1)

	l.pendingMu.Lock()
	select {
	case <-l.closed:
		l.pendingMu.Unlock()
		return Failed(ErrSessionClosed)
	default:
	}
	l.pending[id] = f
	l.pendingMu.Unlock()

	if err := l.write(session.Envelope{Type: schema.MsgRequest, RequestID: id, Payload: m}); err != nil {
		l.completeRequest(id, nil, err)
		return f
	}

	timer := time.AfterFunc(l.opts.Session.RequestTimeout, func() {
		l.completeRequest(id, nil, ErrRequestTimeout)
	})
	stop := context.AfterFunc(ctx, func() {
		l.completeRequest(id, nil, ctx.Err())
	})
	go func() {
		<-f.Done()
		timer.Stop()
		stop()
	}()
	return f
}

// PendingRequests returns the number of outbound requests awaiting a reply.
func (l *Link) PendingRequests() int {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	return len(l.pending)
}

func (l *Link) completeRequest(id uint64, m payload.Map, err error) {
	l.pendingMu.Lock()
	f, ok := l.pending[id]
	delete(l.pending, id)
	l.pendingMu.Unlock()
	if !ok {
		if err == nil {
			l.logger.Debug().Uint64("request_id", id).Msg("late reply dropped")
		}
		return
	}
	f.complete(m, err)
}
