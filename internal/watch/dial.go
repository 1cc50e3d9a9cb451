package watch

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/watchbridge/internal/protocol/session"
)

func (c *Connector) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.cfg.PhoneAddr)
	if err != nil {
		return nil, err
	}
	if !c.cfg.Session.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := c.cfg.Session.ClientTLSConfig(c.cfg.PhoneAddr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

// hello sends the watch hello and waits for the phone's ack. The returned
// reader must be handed to the link.
func (c *Connector) hello(conn net.Conn) (*bufio.Reader, session.HelloAck, error) {
	_ = conn.SetDeadline(time.Now().Add(c.cfg.Session.HandshakeTimeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	reader := bufio.NewReader(conn)
	err := session.WriteHello(conn, session.Hello{
		Role:            session.RoleWatch,
		DeviceID:        c.cfg.DeviceID,
		PairingKey:      c.cfg.PairingKey,
		AppInstalled:    c.cfg.AppInstalled,
		ProtocolVersion: session.ProtocolVersion,
	})
	if err != nil {
		return nil, session.HelloAck{}, err
	}
	ack, err := session.ReadHelloAck(reader)
	if err != nil {
		return nil, session.HelloAck{}, err
	}
	if !ack.Accepted() {
		return nil, ack, fmt.Errorf("%w: code=%d message=%q", ErrHandshakeRejected, ack.Code, ack.Message)
	}
	return reader, ack, nil
}

func (c *Connector) sleepBackoff(ctx context.Context, attempt int) error {
	delay := session.NextBackoffDelay(c.cfg.Session.Backoff, attempt, c.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
