package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/watchbridge/internal/config"
	"github.com/danmuck/watchbridge/internal/phone"
	"github.com/danmuck/watchbridge/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "phone.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadRuntimeConfigWithoutFileUsesDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadRuntimeConfig("")
	require.NoError(t, err)
	assert.Equal(t, phone.DefaultServiceConfig(), cfg.Service)
	assert.Equal(t, "127.0.0.1:7480", cfg.HTTPAddr)
	assert.Empty(t, cfg.HTTPToken)
}

func TestLoadRuntimeConfigFromTemplate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "phone.toml")
	require.NoError(t, config.WriteTemplate(path, "phone", false))

	cfg, err := loadRuntimeConfig(path)
	require.NoError(t, err)
	def := phone.DefaultServiceConfig()
	assert.Equal(t, def.ListenAddr, cfg.Service.ListenAddr)
	assert.Equal(t, def.DeviceID, cfg.Service.DeviceID)
	assert.True(t, cfg.Service.Supported)
	assert.True(t, cfg.Service.RequireIdentityBinding)
	assert.Zero(t, cfg.Service.ReplyTTL)
	assert.Equal(t, def.Session.HeartbeatInterval, cfg.Service.Session.HeartbeatInterval)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
}

func TestLoadRuntimeConfigOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
listen_addr = "0.0.0.0:9443"
device_id = " phone.kitchen "
pairing_key = "pk"
supported = false
reply_ttl = "45s"
http_addr = ":8080"
http_token = "tok"
cors_origins = ["https://host.example", " "]
heartbeat_interval = "2s"
`)
	cfg, err := loadRuntimeConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9443", cfg.Service.ListenAddr)
	assert.Equal(t, "phone.kitchen", cfg.Service.DeviceID)
	assert.Equal(t, "pk", cfg.Service.PairingKey)
	assert.False(t, cfg.Service.Supported)
	assert.Equal(t, 45*time.Second, cfg.Service.ReplyTTL)
	assert.Equal(t, 2*time.Second, cfg.Service.Session.HeartbeatInterval)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "tok", cfg.HTTPToken)
	assert.Equal(t, []string{"https://host.example"}, cfg.CORSOrigins)
}

func TestLoadRuntimeConfigRejects(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"unknown key":          "listen_adr = \":1\"\n",
		"bad ttl":              "reply_ttl = \"later\"\n",
		"negative ttl":         "reply_ttl = \"-1s\"\n",
		"bad heartbeat":        "heartbeat_interval = \"x\"\n",
		"production plaintext": "session_security_mode = \"production\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadRuntimeConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
