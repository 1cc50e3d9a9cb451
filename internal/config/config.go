// Package config loads the watch connector profile, a TOML file that names
// the phone to dial and how to hold the session.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/watchbridge/internal/watch"
	"github.com/pelletier/go-toml/v2"
)

// WatchProfile is the on-disk shape of a watch profile. Durations are Go
// duration strings ("5s", "250ms").
type WatchProfile struct {
	PhoneAddr          string         `toml:"phone_addr"`
	DeviceID           string         `toml:"device_id"`
	PairingKey         string         `toml:"pairing_key"`
	AppInstalled       *bool          `toml:"app_installed,omitempty"`
	MaxConnectAttempts int            `toml:"max_connect_attempts"`
	Session            SessionProfile `toml:"session"`
}

type SessionProfile struct {
	ConnectTimeout    string         `toml:"connect_timeout"`
	HandshakeTimeout  string         `toml:"handshake_timeout"`
	WriteTimeout      string         `toml:"write_timeout"`
	HeartbeatInterval string         `toml:"heartbeat_interval"`
	SessionDeadAfter  string         `toml:"session_dead_after"`
	RequestTimeout    string         `toml:"request_timeout"`
	SecurityMode      string         `toml:"security_mode"`
	Backoff           BackoffProfile `toml:"backoff"`
	TLS               TLSProfile     `toml:"tls"`
}

type BackoffProfile struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       *bool   `toml:"jitter,omitempty"`
}

type TLSProfile struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

func LoadWatchProfile(path string) (WatchProfile, error) {
	var p WatchProfile
	if err := loadToml(path, &p); err != nil {
		return WatchProfile{}, err
	}
	if err := ValidateWatchProfile(p); err != nil {
		return WatchProfile{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return p, nil
}

// LoadWatchConfig reads path and overlays it onto watch.DefaultConfig.
func LoadWatchConfig(path string) (watch.Config, error) {
	p, err := LoadWatchProfile(path)
	if err != nil {
		return watch.Config{}, err
	}
	return p.WatchConfig()
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateWatchProfile(p WatchProfile) error {
	if p.MaxConnectAttempts < 0 {
		return fmt.Errorf("max_connect_attempts must not be negative")
	}
	if p.Session.Backoff.Multiplier != 0 && p.Session.Backoff.Multiplier < 1 {
		return fmt.Errorf("session.backoff.multiplier must be >= 1")
	}
	switch strings.TrimSpace(p.Session.SecurityMode) {
	case "", "development", "production":
	default:
		return fmt.Errorf("session.security_mode %q is not development or production", p.Session.SecurityMode)
	}
	return nil
}

// Encode renders p as TOML.
func (p WatchProfile) Encode() ([]byte, error) {
	return toml.Marshal(p)
}
