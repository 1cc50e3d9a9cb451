package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/watchbridge/internal/phone"
	"github.com/danmuck/watchbridge/internal/protocol/session"
)

// phonectl config.toml key mapping to the phone service and HTTP bridge.
type fileConfig struct {
	ListenAddr          string   `toml:"listen_addr"`
	DeviceID            string   `toml:"device_id"`
	PairingKey          string   `toml:"pairing_key"`
	RequireIdentityBind bool     `toml:"require_identity_binding"`
	Supported           bool     `toml:"supported"`
	ReplyTTL            string   `toml:"reply_ttl"`
	SweepInterval       string   `toml:"sweep_interval"`
	HTTPAddr            string   `toml:"http_addr"`
	HTTPToken           string   `toml:"http_token"`
	CORSOrigins         []string `toml:"cors_origins"`
	HeartbeatInterval   string   `toml:"heartbeat_interval"`
	SessionDeadAfter    string   `toml:"session_dead_after"`
	SessionSecurityMode string   `toml:"session_security_mode"`
	SessionTLSEnabled   bool     `toml:"session_tls_enabled"`
	SessionTLSMutual    bool     `toml:"session_tls_mutual"`
	SessionTLSCertFile  string   `toml:"session_tls_cert_file"`
	SessionTLSKeyFile   string   `toml:"session_tls_key_file"`
	SessionTLSCAFile    string   `toml:"session_tls_ca_file"`
}

type runtimeConfig struct {
	Service     phone.ServiceConfig
	HTTPAddr    string
	HTTPToken   string
	CORSOrigins []string
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		Service:  phone.DefaultServiceConfig(),
		HTTPAddr: "127.0.0.1:7480",
	}
}

// loadRuntimeConfig overlays the keys present in path onto the defaults.
func loadRuntimeConfig(path string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("load phone config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return runtimeConfig{}, fmt.Errorf("load phone config: unknown key %q", undecoded[0].String())
	}

	svc := &cfg.Service
	if meta.IsDefined("listen_addr") {
		svc.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("device_id") {
		svc.DeviceID = strings.TrimSpace(raw.DeviceID)
	}
	if meta.IsDefined("pairing_key") {
		svc.PairingKey = strings.TrimSpace(raw.PairingKey)
	}
	if meta.IsDefined("require_identity_binding") {
		svc.RequireIdentityBinding = raw.RequireIdentityBind
	}
	if meta.IsDefined("supported") {
		svc.Supported = raw.Supported
	}
	if meta.IsDefined("reply_ttl") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReplyTTL))
		if err != nil || d < 0 {
			return runtimeConfig{}, fmt.Errorf("parse reply_ttl: %q", raw.ReplyTTL)
		}
		svc.ReplyTTL = d
	}
	if meta.IsDefined("sweep_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.SweepInterval))
		if err != nil {
			return runtimeConfig{}, fmt.Errorf("parse sweep_interval: %w", err)
		}
		svc.SweepInterval = d
	}
	if meta.IsDefined("heartbeat_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HeartbeatInterval))
		if err != nil {
			return runtimeConfig{}, fmt.Errorf("parse heartbeat_interval: %w", err)
		}
		svc.Session.HeartbeatInterval = d
	}
	if meta.IsDefined("session_dead_after") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.SessionDeadAfter))
		if err != nil {
			return runtimeConfig{}, fmt.Errorf("parse session_dead_after: %w", err)
		}
		svc.Session.SessionDeadAfter = d
	}
	if meta.IsDefined("session_security_mode") {
		svc.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		svc.Session.TLS.Enabled = raw.SessionTLSEnabled
	}
	if meta.IsDefined("session_tls_mutual") {
		svc.Session.TLS.Mutual = raw.SessionTLSMutual
	}
	if meta.IsDefined("session_tls_cert_file") {
		svc.Session.TLS.CertFile = strings.TrimSpace(raw.SessionTLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		svc.Session.TLS.KeyFile = strings.TrimSpace(raw.SessionTLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		svc.Session.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
	}

	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("http_token") {
		cfg.HTTPToken = strings.TrimSpace(raw.HTTPToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeOrigins(raw.CORSOrigins)
	}

	if err := svc.Session.ValidateServerTransport(); err != nil {
		return runtimeConfig{}, fmt.Errorf("load phone config: %w", err)
	}
	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
