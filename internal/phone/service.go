// Package phone is the phone-side half of the bridge: it accepts one watch
// session at a time and exposes the plugin surface (send, context, transfer,
// reply, info, listeners) to the host application.
package phone

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/watchbridge/internal/auth"
	"github.com/danmuck/watchbridge/internal/correlator"
	"github.com/danmuck/watchbridge/internal/events"
	"github.com/danmuck/watchbridge/internal/link"
	"github.com/danmuck/watchbridge/internal/observability"
	"github.com/danmuck/watchbridge/internal/payload"
	"github.com/danmuck/watchbridge/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// attachment is the currently connected watch session.
type attachment struct {
	link     *link.Link
	deviceID string
	// sentSeq is the highest transfer sequence written on this link.
	sentSeq uint64
}

// Service owns the phone endpoint. Construct it with NewService; there is no
// process-wide instance.
type Service struct {
	cfg     ServiceConfig
	logger  zerolog.Logger
	pairing auth.Validator
	// senderID tags outbound transfers; it changes per process so a peer
	// never mistakes a restarted sequence for a duplicate.
	senderID string

	bus     *events.Bus
	replies *correlator.Correlator
	outbox  *session.TransferOutbox
	inbox   *session.TransferInbox

	mu           sync.Mutex
	state        events.ActivationState
	active       *attachment
	paired       bool
	appInstalled bool
	watchID      string
	context      payload.Map
	contextAt    time.Time
	received     payload.Map

	// flushMu keeps transfer writes in sequence order across callers.
	flushMu sync.Mutex

	conns sync.WaitGroup
}

func NewService(cfg ServiceConfig, logger zerolog.Logger) *Service {
	cfg = cfg.withDefaults()
	logger = logger.With().Str("node", cfg.DeviceID).Logger()
	replies := correlator.New()
	replies.TTL = cfg.ReplyTTL
	return &Service{
		cfg:      cfg,
		logger:   logger,
		pairing:  auth.Shared(cfg.PairingKey),
		senderID: cfg.DeviceID + "/" + uuid.NewString(),
		bus:      events.NewBus(observability.Component(logger, "events")),
		replies:  replies,
		outbox:   session.NewTransferOutbox(),
		inbox:    session.NewTransferInbox(),
	}
}

func (s *Service) Config() ServiceConfig { return s.cfg }

// Events exposes the notification bus.
func (s *Service) Events() *events.Bus { return s.bus }

// Activate listens on the configured address and serves until ctx ends.
func (s *Service) Activate(ctx context.Context) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Bool("tls", s.cfg.Session.TLS.Enabled).Msg("phone listening")
	return s.Serve(ctx, ln)
}

func (s *Service) listen() (net.Listener, error) {
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve accepts watch sessions on ln until ctx ends. The activation state is
// Activated while serving, Inactive while draining, then NotActivated.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setState(events.Activated)

	if s.cfg.ReplyTTL > 0 {
		go s.sweepReplies(ctx)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var serveErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				serveErr = err
			}
			break
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}

	s.setState(events.Inactive)
	cancel()
	s.mu.Lock()
	if s.active != nil {
		_ = s.active.link.Close()
	}
	s.mu.Unlock()
	s.conns.Wait()
	s.setState(events.NotActivated)
	return serveErr
}

func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	peerID, err := s.authenticateConn(conn)
	if err != nil {
		observability.RecordSession(s.cfg.DeviceID, "tls_failed")
		s.logger.Warn().Err(err).Str("remote", remote).Msg("transport auth failed")
		return
	}

	reader := bufio.NewReader(conn)
	hello, err := s.handshake(conn, reader, peerID)
	if err != nil {
		observability.RecordSession(s.cfg.DeviceID, "rejected")
		s.logger.Warn().Err(err).Str("remote", remote).Msg("handshake failed")
		return
	}
	observability.RecordSession(s.cfg.DeviceID, "accepted")

	l := link.New(conn, reader, &linkHandler{svc: s}, link.Options{
		Session: s.cfg.Session,
		LocalID: s.senderID,
		PeerID:  hello.DeviceID,
		Node:    s.cfg.DeviceID,
		Logger:  observability.Component(s.logger, "link"),
	})
	att := s.attach(l, hello)
	s.logger.Info().Str("watch", hello.DeviceID).Str("remote", remote).Msg("watch session attached")

	s.resync(att)
	err = l.Run(ctx)
	s.detach(att)
	s.logger.Info().Err(err).Str("watch", hello.DeviceID).Msg("watch session detached")
}

func (s *Service) authenticateConn(conn net.Conn) (string, error) {
	if !s.cfg.Session.TLS.Enabled {
		return "", nil
	}
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return "", fmt.Errorf("phone: expected tls connection")
	}
	_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return "", err
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		if s.cfg.Session.TLS.Mutual || session.NormalizeSecurityMode(s.cfg.Session.SecurityMode) == session.SecurityModeProduction {
			return "", session.ErrMTLSRequired
		}
		return "", nil
	}
	peerID := session.PeerIdentity(state.PeerCertificates[0])
	if peerID == "" {
		return "", fmt.Errorf("phone: empty peer identity from certificate")
	}
	return peerID, nil
}

func (s *Service) handshake(conn net.Conn, reader *bufio.Reader, peerID string) (session.Hello, error) {
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	hello, err := session.ReadHello(reader)
	if err != nil {
		return session.Hello{}, err
	}
	ack := session.HelloAck{
		Status:      session.AckStatusAccepted,
		Message:     "ok",
		DeviceID:    s.cfg.DeviceID,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	switch {
	case hello.Role != session.RoleWatch:
		ack.Status, ack.Code, ack.Message = session.AckStatusRejected, session.CodeIdentityMismatch, "expected watch role"
	case hello.ProtocolVersion != session.ProtocolVersion:
		ack.Status, ack.Code, ack.Message = session.AckStatusRejected, session.CodeUnsupportedVersion,
			fmt.Sprintf("protocol_version %d not supported", hello.ProtocolVersion)
	case s.pairing.Validate(hello.PairingKey) != nil:
		ack.Status, ack.Code, ack.Message = session.AckStatusRejected, session.CodeBadPairingKey, "pairing key mismatch"
	case s.cfg.RequireIdentityBinding && peerID != "" && peerID != hello.DeviceID:
		ack.Status, ack.Code, ack.Message = session.AckStatusRejected, session.CodeIdentityMismatch, "identity binding failure"
	}
	if err := session.WriteHelloAck(conn, ack); err != nil {
		return session.Hello{}, err
	}
	if !ack.Accepted() {
		return session.Hello{}, fmt.Errorf("%w: code=%d message=%q", ErrHandshakeRejected, ack.Code, ack.Message)
	}
	return hello, nil
}

// attach installs l as the live session, replacing and closing any older one.
// Pending replies belong to the old session and are dropped with it.
func (s *Service) attach(l *link.Link, hello session.Hello) *attachment {
	att := &attachment{link: l, deviceID: hello.DeviceID}
	s.mu.Lock()
	prev := s.active
	s.active = att
	s.paired = true
	s.appInstalled = hello.AppInstalled
	s.watchID = hello.DeviceID
	s.mu.Unlock()

	if prev != nil {
		_ = prev.link.Close()
		s.dropReplies("replaced")
	} else {
		s.bus.Publish(events.Event{Name: events.ReachabilityChanged, Reachable: true})
	}
	return att
}

func (s *Service) detach(att *attachment) {
	s.mu.Lock()
	current := s.active == att
	if current {
		s.active = nil
	}
	s.mu.Unlock()
	if !current {
		return
	}
	s.dropReplies("detached")
	s.bus.Publish(events.Event{Name: events.ReachabilityChanged, Reachable: false})
}

func (s *Service) dropReplies(reason string) {
	if n := s.replies.Reset(); n > 0 {
		s.logger.Info().Int("dropped", n).Str("reason", reason).Msg("pending replies dropped")
	}
	observability.SetPendingReplies(s.cfg.DeviceID, 0)
}

// resync pushes the latest context and every queued transfer to a fresh session.
func (s *Service) resync(att *attachment) {
	s.mu.Lock()
	ctxPayload, ctxAt := s.context, s.contextAt
	s.mu.Unlock()
	if ctxPayload != nil {
		if err := att.link.SendContext(ctxPayload, uint64(ctxAt.UnixMilli())); err != nil {
			s.logger.Warn().Err(err).Msg("context resync failed")
		}
	}
	s.flushTransfers(att)
}

func (s *Service) flushTransfers(att *attachment) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	for _, item := range s.outbox.List() {
		if item.Seq <= att.sentSeq {
			continue
		}
		err := att.link.SendTransfer(item.Seq, item.Payload)
		errText := ""
		if err != nil {
			errText = err.Error()
		}
		s.outbox.MarkAttempt(item.Seq, time.Now(), errText)
		if err != nil {
			s.logger.Debug().Err(err).Uint64("seq", item.Seq).Msg("transfer left queued")
			return
		}
		att.sentSeq = item.Seq
	}
}

func (s *Service) sweepReplies(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expired := s.replies.Expire(now)
			for range expired {
				observability.RecordReply(s.cfg.DeviceID, "expired")
			}
			if len(expired) > 0 {
				s.logger.Info().Strs("callback_ids", expired).Msg("pending replies expired")
				observability.SetPendingReplies(s.cfg.DeviceID, s.replies.Pending())
			}
		}
	}
}

func (s *Service) setState(state events.ActivationState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		s.logger.Debug().Stringer("state", state).Msg("activation state")
		s.bus.Publish(events.Event{Name: events.ActivationStateChanged, State: state})
	}
}

func (s *Service) isActive(l *link.Link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil && s.active.link == l
}

func (s *Service) current() (*attachment, events.ActivationState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.state
}
