package phone

import (
	"time"

	"github.com/danmuck/watchbridge/internal/protocol/session"
)

// PluginVersion is reported by GetPluginVersion.
const PluginVersion = "8.0.1"

// ServiceConfig configures the phone-side session endpoint.
type ServiceConfig struct {
	ListenAddr string
	DeviceID   string
	// PairingKey, when set, must match the key the watch sends in its hello.
	PairingKey string
	// RequireIdentityBinding rejects a watch whose client certificate
	// identity differs from its announced device_id. Only applies with mTLS.
	RequireIdentityBinding bool
	// Supported is false on hosts with no watch pairing at all; every send
	// then fails with ErrNotSupported.
	Supported bool
	// ReplyTTL bounds how long an unanswered request keeps its callbackId.
	// Zero keeps it until the session ends.
	ReplyTTL      time.Duration
	SweepInterval time.Duration
	Session       session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:             ":7443",
		DeviceID:               "phone.local",
		RequireIdentityBinding: true,
		Supported:              true,
		Session:                session.DefaultConfig(),
	}
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	def := DefaultServiceConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.DeviceID == "" {
		c.DeviceID = def.DeviceID
	}
	if c.ReplyTTL > 0 && c.SweepInterval <= 0 {
		c.SweepInterval = max(c.ReplyTTL/2, 10*time.Millisecond)
	}
	c.Session = c.Session.WithDefaults()
	return c
}
