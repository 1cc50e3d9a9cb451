package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/watchbridge/internal/config"
	"github.com/danmuck/watchbridge/internal/watch"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "WATCHBRIDGE"

// Flag keys double as viper keys; WATCHBRIDGE_<KEY> with dashes as
// underscores overrides the profile file, and flags override both.
const (
	keyConfig     = "config"
	keyPhone      = "phone"
	keyDeviceID   = "device-id"
	keyPairingKey = "pairing-key"
	keyTimeout    = "timeout"
)

type settings struct {
	v *viper.Viper
}

func newSettings() *settings {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	v.SetDefault(keyTimeout, 10*time.Second)
	return &settings{v: v}
}

func (s *settings) bindFlags(cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	flags.String(keyConfig, "", "watch profile TOML")
	flags.String(keyPhone, "", "phone address host:port")
	flags.String(keyDeviceID, "", "watch device id announced in the hello")
	flags.String(keyPairingKey, "", "pairing key shared with the phone")
	flags.Duration(keyTimeout, 10*time.Second, "how long to wait for the phone")
	for _, key := range []string{keyConfig, keyPhone, keyDeviceID, keyPairingKey, keyTimeout} {
		if err := s.v.BindPFlag(key, flags.Lookup(key)); err != nil {
			return err
		}
	}
	return nil
}

// watchConfig resolves defaults, then the profile file, then env and flags.
func (s *settings) watchConfig() (watch.Config, error) {
	cfg := watch.DefaultConfig()
	if path := strings.TrimSpace(s.v.GetString(keyConfig)); path != "" {
		loaded, err := config.LoadWatchConfig(path)
		if err != nil {
			return watch.Config{}, err
		}
		cfg = loaded
	}
	if v := strings.TrimSpace(s.v.GetString(keyPhone)); v != "" {
		cfg.PhoneAddr = v
	}
	if v := strings.TrimSpace(s.v.GetString(keyDeviceID)); v != "" {
		cfg.DeviceID = v
	}
	if v := strings.TrimSpace(s.v.GetString(keyPairingKey)); v != "" {
		cfg.PairingKey = v
	}
	return cfg, nil
}

func (s *settings) timeout() (time.Duration, error) {
	d := s.v.GetDuration(keyTimeout)
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %q", s.v.GetString(keyTimeout))
	}
	return d, nil
}
