package phone_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/watchbridge/internal/events"
	"github.com/danmuck/watchbridge/internal/payload"
	"github.com/danmuck/watchbridge/internal/phone"
	"github.com/danmuck/watchbridge/internal/protocol/session"
	"github.com/danmuck/watchbridge/internal/watch"
	"github.com/rs/zerolog"
)

func fastSession() session.Config {
	cfg := session.DefaultConfig()
	cfg.HandshakeTimeout = time.Second
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.SessionDeadAfter = 2 * time.Second
	cfg.RequestTimeout = 3 * time.Second
	cfg.Backoff = session.BackoffConfig{InitialDelay: 20 * time.Millisecond, Multiplier: 1.5, MaxDelay: 100 * time.Millisecond}
	return cfg
}

type phoneHarness struct {
	svc    *phone.Service
	addr   string
	cancel context.CancelFunc
	served chan error
}

func startPhone(t *testing.T, tweak func(*phone.ServiceConfig)) *phoneHarness {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return servePhone(t, ln, tweak)
}

func servePhone(t *testing.T, ln net.Listener, tweak func(*phone.ServiceConfig)) *phoneHarness {
	t.Helper()
	cfg := phone.DefaultServiceConfig()
	cfg.DeviceID = "phone.test"
	cfg.Session = fastSession()
	if tweak != nil {
		tweak(&cfg)
	}
	h := &phoneHarness{
		svc:    phone.NewService(cfg, zerolog.Nop()),
		addr:   ln.Addr().String(),
		served: make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.served <- h.svc.Serve(ctx, ln) }()
	t.Cleanup(h.stop)
	waitFor(t, "phone activated", func() bool {
		return h.svc.GetInfo().ActivationState == events.Activated
	})
	return h
}

func (h *phoneHarness) stop() {
	h.cancel()
	select {
	case <-h.served:
		h.served <- nil
	case <-time.After(5 * time.Second):
	}
}

type watchRecorder struct {
	watch.BaseHandler
	messages  chan payload.Map
	contexts  chan payload.Map
	userInfos chan payload.Map
	onRequest func(context.Context, payload.Map) (payload.Map, error)
}

func newWatchRecorder() *watchRecorder {
	return &watchRecorder{
		messages:  make(chan payload.Map, 16),
		contexts:  make(chan payload.Map, 16),
		userInfos: make(chan payload.Map, 16),
	}
}

func (r *watchRecorder) OnMessage(m payload.Map) { r.messages <- m }
func (r *watchRecorder) OnApplicationContext(m payload.Map) { r.contexts <- m }
func (r *watchRecorder) OnUserInfo(m payload.Map) { r.userInfos <- m }

func (r *watchRecorder) OnRequest(ctx context.Context, m payload.Map) (payload.Map, error) {
	if r.onRequest != nil {
		return r.onRequest(ctx, m)
	}
	return payload.Map{"echo": m}, nil
}

func startWatch(t *testing.T, addr string, h watch.Handler, tweak func(*watch.Config)) *watch.Connector {
	t.Helper()
	cfg := watch.DefaultConfig()
	cfg.PhoneAddr = addr
	cfg.DeviceID = "watch.test"
	cfg.Session = fastSession()
	if tweak != nil {
		tweak(&cfg)
	}
	c, err := watch.NewConnector(cfg, h, zerolog.Nop())
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func connect(t *testing.T, p *phoneHarness, h watch.Handler) *watch.Connector {
	t.Helper()
	c := startWatch(t, p.addr, h, nil)
	waitFor(t, "watch reachable", func() bool {
		return c.IsReachable() && p.svc.GetInfo().IsReachable
	})
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
	var zero T
	return zero
}

// subscribe forwards every event of one name onto a buffered channel.
func subscribe(t *testing.T, svc *phone.Service, name events.Name) <-chan events.Event {
	t.Helper()
	ch := make(chan events.Event, 16)
	sub, err := svc.AddListener(string(name), func(e events.Event) { ch <- e })
	if err != nil {
		t.Fatalf("add listener %s: %v", name, err)
	}
	t.Cleanup(sub.Remove)
	return ch
}
