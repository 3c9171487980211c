package proxyhub

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the proxy's configuration. Defaults are pre-populated
// before the config file/env/flags are layered in, matching the
// teacher's yaml-struct-with-defaults idiom, generalized with viper so
// every option is also settable via TUNNELPROXY_* environment
// variables. The only command-line flag (cobra in cmd/proxyd) is
// --config, the path of the config file.
type Config struct {
	ListenAddr             string        `mapstructure:"listen_addr"`
	DeviceToken            string        `mapstructure:"device_token"`
	CORSOrigins            []string      `mapstructure:"cors_origins"`
	HeartbeatTimeoutS      int           `mapstructure:"heartbeat_timeout_s"`
	RequestDeadlineS       int           `mapstructure:"request_deadline_s"`
	ChunkSizeBytes         int           `mapstructure:"chunk_size_bytes"`
	MaxPageSize            int           `mapstructure:"max_page_size"`
	MaxConcurrentPerDevice int           `mapstructure:"max_concurrent_per_device"`
	TunnelPath             string        `mapstructure:"tunnel_path"`
}

// HeartbeatTimeout returns the configured heartbeat timeout as a duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutS) * time.Second
}

// RequestDeadline returns the configured per-request deadline as a duration.
func (c *Config) RequestDeadline() time.Duration {
	return time.Duration(c.RequestDeadlineS) * time.Second
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8443")
	v.SetDefault("tunnel_path", "/api/tunnel")
	v.SetDefault("heartbeat_timeout_s", 30)
	v.SetDefault("request_deadline_s", 30)
	v.SetDefault("chunk_size_bytes", 64*1024)
	v.SetDefault("max_page_size", 500)
	v.SetDefault("max_concurrent_per_device", 32)
}

// LoadConfig reads proxy configuration from an optional file plus
// TUNNELPROXY_* environment variable overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setConfigDefaults(v)
	v.SetEnvPrefix("tunnelproxy")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows, so keys
	// without a default are bound to their env variables explicitly.
	for _, key := range []string{"device_token", "cors_origins"} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.DeviceToken == "" {
		return nil, fmt.Errorf("device_token is required")
	}
	return &cfg, nil
}
