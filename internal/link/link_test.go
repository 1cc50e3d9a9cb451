package link

import (
	"context"
	"errors"
	"math"
	"net"
	"testing"
	"time"

	"github.com/danmuck/watchbridge/internal/correlator"
	"github.com/danmuck/watchbridge/internal/payload"
	"github.com/danmuck/watchbridge/internal/protocol/frame"
	"github.com/danmuck/watchbridge/internal/protocol/schema"
	"github.com/danmuck/watchbridge/internal/protocol/session"
	"github.com/danmuck/watchbridge/internal/protocol/tlv"
	"github.com/danmuck/watchbridge/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

type transferRecord struct {
	sender string
	seq    uint64
	m      payload.Map
}

type recordingHandler struct {
	messages  chan payload.Map
	contexts  chan payload.Map
	transfers chan transferRecord
	acks      chan uint64
	onRequest func(m payload.Map, sink *ReplySink)
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		messages:  make(chan payload.Map, 16),
		contexts:  make(chan payload.Map, 16),
		transfers: make(chan transferRecord, 16),
		acks:      make(chan uint64, 16),
	}
}

func (h *recordingHandler) HandleMessage(_ *Link, m payload.Map) { h.messages <- m }

func (h *recordingHandler) HandleRequest(_ *Link, m payload.Map, sink *ReplySink) {
	if h.onRequest != nil {
		h.onRequest(m, sink)
	}
}

func (h *recordingHandler) HandleContext(_ *Link, m payload.Map, _ uint64) { h.contexts <- m }

func (h *recordingHandler) HandleTransfer(_ *Link, sender string, seq uint64, m payload.Map) {
	h.transfers <- transferRecord{sender: sender, seq: seq, m: m}
}

func (h *recordingHandler) HandleTransferAck(_ *Link, seq uint64) { h.acks <- seq }

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-accepted
	if server == nil {
		t.Fatalf("accept failed")
	}
	return client, server
}

func testOptions(local, peer string) Options {
	cfg := session.DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.SessionDeadAfter = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	return Options{Session: cfg, LocalID: local, PeerID: peer, Node: "test", Logger: zerolog.Nop()}
}

type linkedPair struct {
	watch, phone   *Link
	watchH, phoneH *recordingHandler
	watchDone      chan error
	phoneDone      chan error
}

func startPair(t *testing.T, tweak func(*Options), onRequest func(payload.Map, *ReplySink)) *linkedPair {
	t.Helper()
	wc, pc := tcpPair(t)
	p := &linkedPair{
		watchH:    newRecordingHandler(),
		phoneH:    newRecordingHandler(),
		watchDone: make(chan error, 1),
		phoneDone: make(chan error, 1),
	}
	p.phoneH.onRequest = onRequest
	wopts, popts := testOptions("watch.a", "phone.a"), testOptions("phone.a", "watch.a")
	if tweak != nil {
		tweak(&wopts)
		tweak(&popts)
	}
	p.watch = New(wc, nil, p.watchH, wopts)
	p.phone = New(pc, nil, p.phoneH, popts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = p.watch.Close()
		_ = p.phone.Close()
	})
	go func() { p.watchDone <- p.watch.Run(ctx) }()
	go func() { p.phoneDone <- p.phone.Run(ctx) }()
	return p
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
	var zero T
	return zero
}

func TestRequestReplyRoundTrip(t *testing.T) {
	testlog.Start(t)
	p := startPair(t, nil, func(m payload.Map, sink *ReplySink) {
		_ = sink.Reply(payload.Map{"echo": m["q"], "n": int64(2)})
	})

	f := p.watch.Request(context.Background(), payload.Map{"q": "ping"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got["echo"] != "ping" || got["n"] != int64(2) {
		t.Fatalf("unexpected reply: %#v", got)
	}
	if p.watch.PendingRequests() != 0 {
		t.Fatalf("request still pending after reply")
	}
}

func TestReplyErrorSurfacesRemoteError(t *testing.T) {
	testlog.Start(t)
	p := startPair(t, nil, func(_ payload.Map, sink *ReplySink) {
		sink.Reject(correlator.ErrExpired)
	})
	_, err := p.watch.Request(context.Background(), payload.Map{}).Wait(context.Background())
	var re *RemoteError
	if !errors.As(err, &re) || re.Code != CodeExpired {
		t.Fatalf("expected expired RemoteError, got %v", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	testlog.Start(t)
	p := startPair(t, func(o *Options) { o.Session.RequestTimeout = 50 * time.Millisecond }, nil)
	_, err := p.watch.Request(context.Background(), payload.Map{}).Wait(context.Background())
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
}

func TestRequestContextCancel(t *testing.T) {
	testlog.Start(t)
	p := startPair(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	f := p.watch.Request(ctx, payload.Map{})
	cancel()
	_, err := f.Wait(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCloseFailsOutstandingRequests(t *testing.T) {
	testlog.Start(t)
	p := startPair(t, nil, nil)
	f := p.watch.Request(context.Background(), payload.Map{})
	_ = p.watch.Close()
	_, err := f.Wait(context.Background())
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := p.watch.Request(context.Background(), payload.Map{}).Wait(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("request after close: %v", err)
	}
	if err := p.watch.SendMessage(payload.Map{}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("send after close: %v", err)
	}
	if err := recv(t, p.phoneDone); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("peer should observe close, got %v", err)
	}
}

func TestMessageContextTransferDelivery(t *testing.T) {
	testlog.Start(t)
	p := startPair(t, nil, nil)

	if err := p.watch.SendMessage(payload.Map{"kind": "msg"}); err != nil {
		t.Fatalf("send message: %v", err)
	}
	if got := recv(t, p.phoneH.messages); got["kind"] != "msg" {
		t.Fatalf("unexpected message: %#v", got)
	}

	if err := p.phone.SendContext(payload.Map{"theme": "dark"}, 1); err != nil {
		t.Fatalf("send context: %v", err)
	}
	if got := recv(t, p.watchH.contexts); got["theme"] != "dark" {
		t.Fatalf("unexpected context: %#v", got)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		if err := p.watch.SendTransfer(seq, payload.Map{"seq": int64(seq)}); err != nil {
			t.Fatalf("send transfer: %v", err)
		}
	}
	for seq := uint64(1); seq <= 3; seq++ {
		tr := recv(t, p.phoneH.transfers)
		if tr.seq != seq || tr.sender != "watch.a" || tr.m["seq"] != int64(seq) {
			t.Fatalf("transfer out of order: %+v", tr)
		}
		if ack := recv(t, p.watchH.acks); ack != seq {
			t.Fatalf("ack out of order: got=%d want=%d", ack, seq)
		}
	}
}

func TestMalformedPayloadFrameIsDropped(t *testing.T) {
	testlog.Start(t)
	wc, pc := tcpPair(t)
	defer pc.Close()
	h := newRecordingHandler()
	l := New(wc, nil, h, testOptions("watch.a", "phone.a"))
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	defer l.Close()

	key := tlv.Field{Type: tlv.TypeString, Value: []byte("x")}
	bad := map[string]tlv.Field{
		"bool":   {Type: tlv.TypeBool, Value: []byte{7}},
		"nan":    {Type: tlv.TypeF64, Value: tlv.PutF64(math.NaN())},
		"i64len": {Type: tlv.TypeI64, Value: []byte{1}},
	}
	for name, value := range bad {
		body := tlv.EncodeFields([]tlv.Field{key, value})
		err := frame.WriteFrame(pc, frame.Frame{
			Header:  frame.Header{MessageID: 1, MessageType: schema.MsgMessage},
			Payload: tlv.EncodeFields([]tlv.Field{{ID: schema.FieldPayload, Type: tlv.TypeMap, Value: body}}),
		}, frame.DefaultLimits())
		if err != nil {
			t.Fatalf("write %s frame: %v", name, err)
		}
	}
	ok := session.Envelope{Type: schema.MsgMessage, MessageID: 2, Payload: payload.Map{"kind": "ok"}}
	if err := session.WriteEnvelope(pc, ok, frame.DefaultLimits()); err != nil {
		t.Fatalf("write valid frame: %v", err)
	}

	if got := recv(t, h.messages); got["kind"] != "ok" {
		t.Fatalf("expected only the valid message, got %#v", got)
	}
	select {
	case err := <-done:
		t.Fatalf("link closed on malformed payload: %v", err)
	default:
	}
}

func TestSilentPeerTripsDeadline(t *testing.T) {
	testlog.Start(t)
	wc, pc := tcpPair(t)
	defer pc.Close()
	opts := testOptions("watch.a", "phone.a")
	opts.Session.HeartbeatInterval = 20 * time.Millisecond
	opts.Session.SessionDeadAfter = 100 * time.Millisecond
	l := New(wc, nil, newRecordingHandler(), opts)

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	err := recv(t, done)
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func TestReplySinkAnswersOnce(t *testing.T) {
	testlog.Start(t)
	sinkErrs := make(chan error, 1)
	p := startPair(t, nil, func(_ payload.Map, sink *ReplySink) {
		_ = sink.Reply(payload.Map{"first": true})
		sinkErrs <- sink.Reply(payload.Map{"second": true})
	})
	got, err := p.watch.Request(context.Background(), payload.Map{}).Wait(context.Background())
	if err != nil || got["first"] != true {
		t.Fatalf("unexpected reply %#v err=%v", got, err)
	}
	if err := recv(t, sinkErrs); !errors.Is(err, ErrAlreadyReplied) {
		t.Fatalf("expected ErrAlreadyReplied, got %v", err)
	}
}
