package client

import (
	"fmt"
	"time"

	"github.com/mikekulinski/zkclient/pkg/logging"
	"github.com/mikekulinski/zkclient/pkg/transport"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

const (
	DefaultSessionTimeout = 10 * time.Second
	DefaultConnectTimeout = 2 * time.Second
	DefaultBackoffMin     = 50 * time.Millisecond
	DefaultBackoffMax     = 2 * time.Second
	DefaultPingDivisor    = 3
	// DefaultMaxDataSize matches the server side jute.maxbuffer default.
	DefaultMaxDataSize = 1 << 20
)

type Config struct {
	// Servers are host:port addresses of the ensemble members.
	Servers []string
	// Chroot confines the client under this path. Every caller path is relative to it.
	Chroot string

	// SessionTimeout is the timeout requested from the server. The server may negotiate a
	// different value.
	SessionTimeout time.Duration
	// ConnectTimeout bounds a single dial plus handshake.
	ConnectTimeout time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	// PingDivisor sets the keepalive interval to the negotiated timeout divided by this value.
	PingDivisor int

	// DisableAutoWatchReset drops every active watch on reconnect instead of re-registering it.
	// Dropped watchers receive EventNotWatching with ErrWatchesLost.
	DisableAutoWatchReset bool
	MaxDataSize           int

	// Watcher receives every session state change.
	Watcher Watcher
	Logger  *logrus.Entry

	// DialOptions are added to the default gRPC dialer.
	DialOptions []grpc.DialOption
	// Dialer replaces the gRPC dialer entirely.
	Dialer transport.Dialer
}

// DefaultConfig returns a Config with every tunable set to its default.
func DefaultConfig(servers ...string) *Config {
	return &Config{
		Servers:        servers,
		SessionTimeout: DefaultSessionTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		BackoffMin:     DefaultBackoffMin,
		BackoffMax:     DefaultBackoffMax,
		PingDivisor:    DefaultPingDivisor,
		MaxDataSize:    DefaultMaxDataSize,
	}
}

// withDefaults returns a copy of c with zero values replaced by defaults. The client id is
// attached to every stream opened by the default dialer.
func (c *Config) withDefaults(clientID string) (*Config, error) {
	cfg := *c
	defaults := DefaultConfig()
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("%w: no servers configured", ErrBadArguments)
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaults.SessionTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = defaults.BackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = max(defaults.BackoffMax, cfg.BackoffMin)
	}
	if cfg.PingDivisor <= 0 {
		cfg.PingDivisor = defaults.PingDivisor
	}
	if cfg.MaxDataSize <= 0 {
		cfg.MaxDataSize = defaults.MaxDataSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("client")
	}
	cfg.Logger = cfg.Logger.WithField("client_id", clientID)
	if cfg.Dialer == nil {
		opts := append([]grpc.DialOption{grpc.WithStreamInterceptor(clientIDStreamInterceptor(clientID))}, cfg.DialOptions...)
		cfg.Dialer = transport.NewGRPCDialer(opts...)
	}
	return &cfg, nil
}
