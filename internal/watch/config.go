package watch

import (
	"errors"
	"strings"

	"github.com/danmuck/watchbridge/internal/protocol/session"
)

var (
	ErrPhoneAddressRequired = errors.New("watch: phone address required")
	ErrDeviceIDRequired     = errors.New("watch: device_id required")
)

type Config struct {
	PhoneAddr    string
	DeviceID     string
	PairingKey   string
	AppInstalled bool
	// MaxConnectAttempts bounds consecutive failed dials; zero retries forever.
	MaxConnectAttempts int
	Session            session.Config
}

func DefaultConfig() Config {
	return Config{
		PhoneAddr:    "127.0.0.1:7443",
		DeviceID:     "watch.local",
		AppInstalled: true,
		Session:      session.DefaultConfig(),
	}
}

func (c Config) validate() (Config, error) {
	c.PhoneAddr = strings.TrimSpace(c.PhoneAddr)
	c.DeviceID = strings.TrimSpace(c.DeviceID)
	if c.PhoneAddr == "" {
		return c, ErrPhoneAddressRequired
	}
	if c.DeviceID == "" {
		return c, ErrDeviceIDRequired
	}
	c.Session = c.Session.WithDefaults()
	if err := c.Session.ValidateClientTransport(); err != nil {
		return c, err
	}
	return c, nil
}
