package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/watchbridge/internal/protocol/session"
	"github.com/danmuck/watchbridge/internal/watch"
)

// WatchConfig overlays the profile onto watch.DefaultConfig. Blank fields
// keep their defaults.
func (p WatchProfile) WatchConfig() (watch.Config, error) {
	cfg := watch.DefaultConfig()
	if v := strings.TrimSpace(p.PhoneAddr); v != "" {
		cfg.PhoneAddr = v
	}
	if v := strings.TrimSpace(p.DeviceID); v != "" {
		cfg.DeviceID = v
	}
	cfg.PairingKey = strings.TrimSpace(p.PairingKey)
	if p.AppInstalled != nil {
		cfg.AppInstalled = *p.AppInstalled
	}
	cfg.MaxConnectAttempts = p.MaxConnectAttempts

	sess, err := p.Session.apply(cfg.Session)
	if err != nil {
		return watch.Config{}, err
	}
	cfg.Session = sess
	return cfg, nil
}

func (s SessionProfile) apply(cfg session.Config) (session.Config, error) {
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"session.connect_timeout", s.ConnectTimeout, &cfg.ConnectTimeout},
		{"session.handshake_timeout", s.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"session.write_timeout", s.WriteTimeout, &cfg.WriteTimeout},
		{"session.heartbeat_interval", s.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"session.session_dead_after", s.SessionDeadAfter, &cfg.SessionDeadAfter},
		{"session.request_timeout", s.RequestTimeout, &cfg.RequestTimeout},
		{"session.backoff.initial_delay", s.Backoff.InitialDelay, &cfg.Backoff.InitialDelay},
		{"session.backoff.max_delay", s.Backoff.MaxDelay, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if err := parseDuration(d.key, d.raw, d.dst); err != nil {
			return session.Config{}, err
		}
	}
	if s.Backoff.Multiplier != 0 {
		cfg.Backoff.Multiplier = s.Backoff.Multiplier
	}
	if s.Backoff.Jitter != nil {
		cfg.Backoff.Jitter = *s.Backoff.Jitter
	}
	if v := strings.TrimSpace(s.SecurityMode); v != "" {
		cfg.SecurityMode = session.SecurityMode(v)
	}
	cfg.TLS = session.TLSConfig{
		Enabled:            s.TLS.Enabled,
		Mutual:             s.TLS.Mutual,
		CertFile:           strings.TrimSpace(s.TLS.CertFile),
		KeyFile:            strings.TrimSpace(s.TLS.KeyFile),
		CAFile:             strings.TrimSpace(s.TLS.CAFile),
		ServerName:         strings.TrimSpace(s.TLS.ServerName),
		InsecureSkipVerify: s.TLS.InsecureSkipVerify,
	}
	return cfg, nil
}

func parseDuration(key, raw string, dst *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("parse %s: must be positive, got %s", key, raw)
	}
	*dst = d
	return nil
}
