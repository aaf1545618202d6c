package config

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mikekulinski/zkclient/pkg/client"
	"github.com/mikekulinski/zkclient/pkg/server"
	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var _defaultConfig = ZKConfig{
	LogLevel: "info",
	Server: ServerConfig{
		Listen:     ":2181",
		TickTimeMs: int(server.DefaultTickTime / time.Millisecond),
		Epoch:      1,
		OutboxSize: server.DefaultOutboxSize,
		DataDir:    "data",
	},
	Client: ClientConfig{
		ConnectString:    "127.0.0.1:2181",
		SessionTimeoutMs: int(client.DefaultSessionTimeout / time.Millisecond),
		ConnectTimeoutMs: int(client.DefaultConnectTimeout / time.Millisecond),
		BackoffMinMs:     int(client.DefaultBackoffMin / time.Millisecond),
		BackoffMaxMs:     int(client.DefaultBackoffMax / time.Millisecond),
		PingDivisor:      client.DefaultPingDivisor,
		AutoWatchReset:   true,
		MaxDataSize:      client.DefaultMaxDataSize,
	},
}

type ZKConfig struct {
	LogLevel string       `toml:"log_level"`
	Server   ServerConfig `toml:"server"`
	Client   ClientConfig `toml:"client"`
}

type ServerConfig struct {
	Listen     string `toml:"listen"`
	TickTimeMs int    `toml:"tick_time_ms"`
	Epoch      int32  `toml:"epoch"`
	OutboxSize int    `toml:"outbox_size"`
	// DataDir holds the transaction log. Leave empty to keep the tree in memory only.
	DataDir string `toml:"data_dir"`
}

type ClientConfig struct {
	// ConnectString is "host:port[,host:port...][/chroot]".
	ConnectString    string `toml:"connect_string"`
	SessionTimeoutMs int    `toml:"session_timeout_ms"`
	ConnectTimeoutMs int    `toml:"connect_timeout_ms"`
	BackoffMinMs     int    `toml:"backoff_min_ms"`
	BackoffMaxMs     int    `toml:"backoff_max_ms"`
	PingDivisor      int    `toml:"ping_divisor"`
	AutoWatchReset   bool   `toml:"auto_watch_reset"`
	MaxDataSize      int    `toml:"max_data_size"`
}

// MergeDefault returns a copy of the default configuration. Values decoded on top of it
// replace the defaults one key at a time.
func (c *ZKConfig) MergeDefault() *ZKConfig {
	merged := _defaultConfig
	return &merged
}

func (c *ZKConfig) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Server.TickTimeMs <= 0 {
		return errors.New("server.tick_time_ms must be positive")
	}
	if c.Server.Epoch <= 0 {
		return errors.New("server.epoch must be positive")
	}
	if c.Server.OutboxSize <= 0 {
		return errors.New("server.outbox_size must be positive")
	}
	if _, _, err := client.ParseConnectString(c.Client.ConnectString); err != nil {
		return fmt.Errorf("client.connect_string: %w", err)
	}
	if c.Client.SessionTimeoutMs <= 0 || c.Client.ConnectTimeoutMs <= 0 {
		return errors.New("client timeouts must be positive")
	}
	if c.Client.BackoffMinMs <= 0 || c.Client.BackoffMaxMs < c.Client.BackoffMinMs {
		return errors.New("client.backoff_max_ms must not be below client.backoff_min_ms")
	}
	if c.Client.PingDivisor < 2 {
		return errors.New("client.ping_divisor must be at least 2")
	}
	if c.Client.MaxDataSize <= 0 {
		return errors.New("client.max_data_size must be positive")
	}
	return nil
}

// Load reads a TOML file from fs. Keys missing from the file keep their defaults.
func Load(fs afero.Fs, path string) (*ZKConfig, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	cfg := new(ZKConfig).MergeDefault()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func WriteDefault(w io.Writer) error {
	data, err := toml.Marshal(new(ZKConfig).MergeDefault())
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ServerOptions converts the [server] section. The transaction log lives on fs.
func (c *ZKConfig) ServerOptions(fs afero.Fs, logger *logrus.Entry) server.Config {
	return server.Config{
		TickTime:   ms(c.Server.TickTimeMs),
		Epoch:      c.Server.Epoch,
		OutboxSize: c.Server.OutboxSize,
		DataDir:    c.Server.DataDir,
		Fs:         fs,
		Logger:     logger,
	}
}

// ClientOptions converts the [client] section.
func (c *ZKConfig) ClientOptions() (*client.Config, error) {
	servers, chroot, err := client.ParseConnectString(c.Client.ConnectString)
	if err != nil {
		return nil, err
	}
	cfg := client.DefaultConfig(servers...)
	cfg.Chroot = chroot
	cfg.SessionTimeout = ms(c.Client.SessionTimeoutMs)
	cfg.ConnectTimeout = ms(c.Client.ConnectTimeoutMs)
	cfg.BackoffMin = ms(c.Client.BackoffMinMs)
	cfg.BackoffMax = ms(c.Client.BackoffMaxMs)
	cfg.PingDivisor = c.Client.PingDivisor
	cfg.DisableAutoWatchReset = !c.Client.AutoWatchReset
	cfg.MaxDataSize = c.Client.MaxDataSize
	return cfg, nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
