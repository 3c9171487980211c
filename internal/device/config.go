package device

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the device agent's configuration.
type Config struct {
	ProxyURL          string        `mapstructure:"proxy_url"`
	DeviceID          string        `mapstructure:"device_id"`
	DeviceToken       string        `mapstructure:"device_token"`
	CameraIDs         []string      `mapstructure:"camera_ids"`
	RecordingsRoot    string        `mapstructure:"recordings_root"`
	EgressProxyURL    string        `mapstructure:"egress_proxy_url"`
	ChunkSizeBytes    int           `mapstructure:"chunk_size_bytes"`
	ReconnectDelayS   int           `mapstructure:"reconnect_delay_s"`
	MaxReconnectDelayS int          `mapstructure:"max_reconnect_delay_s"`
	PingIntervalS     int           `mapstructure:"ping_interval_s"`
}

// ReconnectDelay returns the initial reconnect backoff delay.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayS) * time.Second
}

// MaxReconnectDelay returns the reconnect backoff cap.
func (c *Config) MaxReconnectDelay() time.Duration {
	return time.Duration(c.MaxReconnectDelayS) * time.Second
}

// PingInterval returns the websocket ping interval.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalS) * time.Second
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("chunk_size_bytes", 64*1024)
	v.SetDefault("reconnect_delay_s", 2)
	v.SetDefault("max_reconnect_delay_s", 60)
	v.SetDefault("ping_interval_s", 10)
}

// LoadConfig reads device agent configuration from an optional file
// plus TUNNELDEVICE_* environment variable overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setConfigDefaults(v)
	v.SetEnvPrefix("tunneldevice")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows, so keys
	// without a default are bound to their env variables explicitly.
	for _, key := range []string{"proxy_url", "device_id", "device_token", "camera_ids", "recordings_root", "egress_proxy_url"} {
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
	if cfg.ProxyURL == "" {
		return nil, fmt.Errorf("proxy_url is required")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}
	if cfg.DeviceToken == "" {
		return nil, fmt.Errorf("device_token is required")
	}
	if cfg.RecordingsRoot == "" {
		return nil, fmt.Errorf("recordings_root is required")
	}
	return &cfg, nil
}
