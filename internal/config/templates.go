package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "watch":
		return watchTemplate, nil
	case "phone":
		return phoneTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const watchTemplate = `phone_addr = "127.0.0.1:7443"
device_id = "watch.local"
pairing_key = ""
app_installed = true
max_connect_attempts = 0

[session]
heartbeat_interval = "5s"
session_dead_after = "15s"
request_timeout = "30s"
security_mode = "development"

[session.backoff]
initial_delay = "250ms"
multiplier = 2.0
max_delay = "5s"
jitter = true

[session.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
`

const phoneTemplate = `listen_addr = ":7443"
device_id = "phone.local"
pairing_key = ""
require_identity_binding = true
supported = true
reply_ttl = "0s"

http_addr = "127.0.0.1:7480"
http_token = ""
cors_origins = ["http://localhost:3000"]

heartbeat_interval = "5s"
session_dead_after = "15s"
session_security_mode = "development"
session_tls_enabled = false
session_tls_mutual = false
session_tls_cert_file = ""
session_tls_key_file = ""
session_tls_ca_file = ""
`
