// Package watch is the watch-side connector SDK. A Connector dials the
// phone, keeps the session alive across drops, and mirrors the phone
// plugin surface from the other end.
package watch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/watchbridge/internal/events"
	"github.com/danmuck/watchbridge/internal/link"
	"github.com/danmuck/watchbridge/internal/observability"
	"github.com/danmuck/watchbridge/internal/payload"
	"github.com/danmuck/watchbridge/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Connector is constructed explicitly and owned by its caller.
type Connector struct {
	cfg      Config
	handler  Handler
	logger   zerolog.Logger
	bus      *events.Bus
	outbox   *session.TransferOutbox
	inbox    *session.TransferInbox
	rng      *rand.Rand
	senderID string

	mu          sync.Mutex
	state       events.ActivationState
	active      *link.Link
	sentSeq     uint64
	context     payload.Map
	contextAt   time.Time
	received    payload.Map
	lastMessage payload.Map
	phoneID     string
	cancel      context.CancelFunc
	done        chan struct{}
	err         error

	flushMu sync.Mutex
}

func NewConnector(cfg Config, h Handler, logger zerolog.Logger) (*Connector, error) {
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	if h == nil {
		h = BaseHandler{}
	}
	logger = logger.With().Str("node", cfg.DeviceID).Logger()
	return &Connector{
		cfg:      cfg,
		handler:  h,
		logger:   logger,
		bus:      events.NewBus(observability.Component(logger, "events")),
		outbox:   session.NewTransferOutbox(),
		inbox:    session.NewTransferInbox(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		senderID: cfg.DeviceID + "/" + uuid.NewString(),
	}, nil
}

func (c *Connector) Events() *events.Bus { return c.bus }

// Activate starts the supervised dial loop and returns immediately. The
// connector stays Activated until Close or until the phone rejects the
// handshake.
func (c *Connector) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrAlreadyActivated
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.err = nil
	done := c.done
	c.mu.Unlock()

	c.setState(events.Activated)
	go func() {
		defer close(done)
		err := c.supervise(runCtx)
		c.mu.Lock()
		c.err = err
		if c.done == done {
			c.cancel = nil
		}
		c.mu.Unlock()
		cancel()
		c.setState(events.Inactive)
		c.setState(events.NotActivated)
	}()
	return nil
}

// Wait blocks until the dial loop ends and returns why it ended. A loop
// stopped by Close or ctx returns nil.
func (c *Connector) Wait() error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return ErrSessionNotActivated
	}
	<-done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops the dial loop, closes the live session and waits for teardown.
func (c *Connector) Close() error {
	c.mu.Lock()
	cancel, done, l := c.cancel, c.done, c.active
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if l != nil {
		_ = l.Close()
	}
	<-done
	return nil
}

func (c *Connector) supervise(ctx context.Context) error {
	attempt := 0
	for ctx.Err() == nil {
		attempt++
		err := c.connectOnce(ctx)
		switch {
		case err == nil:
			// a session ran; start the next dial from scratch
			attempt = 1
		case errors.Is(err, ErrHandshakeRejected):
			c.logger.Error().Err(err).Msg("phone rejected handshake")
			return err
		default:
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Int("attempt", attempt).Str("addr", c.cfg.PhoneAddr).Msg("connect failed")
			if c.cfg.MaxConnectAttempts > 0 && attempt >= c.cfg.MaxConnectAttempts {
				return fmt.Errorf("watch: giving up after %d attempts: %w", attempt, err)
			}
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil
		}
	}
	return nil
}

// connectOnce dials, handshakes and runs one session to completion. It
// returns nil once a session was established, however it ended.
func (c *Connector) connectOnce(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	reader, ack, err := c.hello(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	l := link.New(conn, reader, &linkHandler{c: c}, link.Options{
		Session: c.cfg.Session,
		LocalID: c.senderID,
		PeerID:  ack.DeviceID,
		Node:    c.cfg.DeviceID,
		Logger:  observability.Component(c.logger, "link"),
	})
	c.mu.Lock()
	c.active = l
	c.sentSeq = 0
	c.phoneID = ack.DeviceID
	ctxPayload, ctxAt := c.context, c.contextAt
	c.mu.Unlock()
	c.logger.Info().Str("phone", ack.DeviceID).Msg("session established")
	c.bus.Publish(events.Event{Name: events.ReachabilityChanged, Reachable: true})

	if ctxPayload != nil {
		if err := l.SendContext(ctxPayload, uint64(ctxAt.UnixMilli())); err != nil {
			c.logger.Warn().Err(err).Msg("context resync failed")
		}
	}
	c.flushTransfers(l)

	runErr := l.Run(ctx)

	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
	c.logger.Info().Err(runErr).Str("phone", ack.DeviceID).Msg("session ended")
	c.bus.Publish(events.Event{Name: events.ReachabilityChanged, Reachable: false})
	return nil
}

func (c *Connector) flushTransfers(l *link.Link) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	for _, item := range c.outbox.List() {
		c.mu.Lock()
		sent, current := c.sentSeq, c.active == l
		c.mu.Unlock()
		if !current {
			return
		}
		if item.Seq <= sent {
			continue
		}
		err := l.SendTransfer(item.Seq, item.Payload)
		errText := ""
		if err != nil {
			errText = err.Error()
		}
		c.outbox.MarkAttempt(item.Seq, time.Now(), errText)
		if err != nil {
			return
		}
		c.mu.Lock()
		if c.active == l {
			c.sentSeq = item.Seq
		}
		c.mu.Unlock()
	}
}

func (c *Connector) setState(state events.ActivationState) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()
	if changed {
		c.bus.Publish(events.Event{Name: events.ActivationStateChanged, State: state})
	}
}

// session returns the live link, or the error a send should report.
func (c *Connector) session() (*link.Link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != events.Activated {
		return nil, ErrSessionNotActivated
	}
	if c.active == nil {
		return nil, ErrPhoneNotReachable
	}
	return c.active, nil
}

func normalize(in map[string]any) (payload.Map, error) {
	m, err := payload.Normalize(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return m, nil
}

// SendMessage delivers a one-way message to the phone.
func (c *Connector) SendMessage(ctx context.Context, data map[string]any) error {
	m, err := normalize(data)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l, err := c.session()
	if err != nil {
		return err
	}
	if err := l.SendMessage(m); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}

// Request sends data and returns a future for the phone's reply. The phone
// answers through ReplyToMessage with the callbackId it was handed.
func (c *Connector) Request(ctx context.Context, data map[string]any) *link.Future {
	m, err := normalize(data)
	if err != nil {
		return link.Failed(err)
	}
	l, err := c.session()
	if err != nil {
		return link.Failed(err)
	}
	return l.Request(ctx, m)
}

// UpdateApplicationContext stores the latest context and pushes it when the
// phone is reachable. A stored context is resent on every reconnect.
func (c *Connector) UpdateApplicationContext(ctx context.Context, data map[string]any) error {
	m, err := normalize(data)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()
	c.mu.Lock()
	if c.state != events.Activated {
		c.mu.Unlock()
		return ErrSessionNotActivated
	}
	c.context, c.contextAt = m, now
	l := c.active
	c.mu.Unlock()
	if l != nil {
		if err := l.SendContext(m, uint64(now.UnixMilli())); err != nil {
			c.logger.Debug().Err(err).Msg("context deferred until reconnect")
		}
	}
	return nil
}

// TransferUserInfo queues data for acknowledged in-order delivery and returns
// its sequence number.
func (c *Connector) TransferUserInfo(ctx context.Context, data map[string]any) (uint64, error) {
	m, err := normalize(data)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	state, l := c.state, c.active
	c.mu.Unlock()
	if state != events.Activated {
		return 0, ErrSessionNotActivated
	}
	item := c.outbox.Enqueue(m, time.Now())
	if l != nil {
		c.flushTransfers(l)
	}
	return item.Seq, nil
}

func (c *Connector) ActivationState() events.ActivationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connector) IsReachable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// PhoneID is the device id the phone announced in its last hello ack.
func (c *Connector) PhoneID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phoneID
}

func (c *Connector) LastMessage() payload.Map {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMessage.Clone()
}

func (c *Connector) ReceivedApplicationContext() payload.Map {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received.Clone()
}

// QueuedTransfers counts transfers the phone has not acknowledged yet.
func (c *Connector) QueuedTransfers() int {
	return c.outbox.Len()
}
