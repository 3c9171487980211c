package device

import (
	"context"
	"log/slog"
	"time"
)

// Agent manages the lifecycle of the tunnel connection to the proxy,
// including automatic reconnection with exponential backoff. Register
// and deregister (handled proxy-side on connect/disconnect) must be
// idempotent under the reconnect storms this loop can produce.
type Agent struct {
	cfg      *Config
	egress   *EgressDialer
	provider FilesystemProvider
}

// New creates a device agent from the given configuration.
func New(cfg *Config) (*Agent, error) {
	var egress *EgressDialer
	if cfg.EgressProxyURL != "" {
		var err error
		egress, err = NewEgressDialer(cfg.EgressProxyURL, 10*time.Second)
		if err != nil {
			return nil, err
		}
	}
	return &Agent{
		cfg:      cfg,
		egress:   egress,
		provider: NewLocalFilesystemProvider(cfg.RecordingsRoot),
	}, nil
}

// Run connects to the proxy and services requests until ctx is
// cancelled, reconnecting with exponential backoff on disconnect.
func (a *Agent) Run(ctx context.Context) error {
	delay := a.cfg.ReconnectDelay()
	for {
		err := a.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		slog.Warn("tunnel disconnected, reconnecting", "err", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if max := a.cfg.MaxReconnectDelay(); delay > max {
			delay = max
		}
	}
}

func (a *Agent) runOnce(ctx context.Context) error {
	session, err := Connect(ctx, a.cfg, a.egress, a.provider)
	if err != nil {
		return err
	}
	defer session.Close()

	sessionErr := make(chan error, 1)
	go func() {
		sessionErr <- session.Run()
	}()

	select {
	case err := <-sessionErr:
		return err
	case <-ctx.Done():
		session.Close()
		return ctx.Err()
	}
}
