package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Config captures startup settings for the server and probe binaries.
type Config struct {
	// ListenAddr like "127.0.0.1:2222"; an empty port picks a free one.
	ListenAddr string `env:"SSHMSG_LISTEN_ADDR,default=:0"`
	// Service is the mDNS service type announced and browsed.
	Service  string `env:"SSHMSG_SERVICE,default=_sshmsg._tcp"`
	Announce bool   `env:"SSHMSG_ANNOUNCE,default=true"`

	// HostKeyPath empty means serve the ssh-agent identities.
	HostKeyPath        string `env:"SSHMSG_HOST_KEY_PATH"`
	AuthorizedKeysPath string `env:"SSHMSG_AUTHORIZED_KEYS"`
	AgentKeys          bool   `env:"SSHMSG_AGENT_KEYS,default=true"`
	PasswordAuth       bool   `env:"SSHMSG_PASSWORD_AUTH,default=false"`
	// TCPForwarding serves direct-tcpip channels.
	TCPForwarding bool `env:"SSHMSG_TCP_FORWARDING,default=false"`
	// DialTimeout bounds a forwarded dial; the session waits on it.
	DialTimeout time.Duration `env:"SSHMSG_DIAL_TIMEOUT,default=10s"`

	MaxHandshakes    int           `env:"SSHMSG_MAX_HANDSHAKES,default=0"`
	HandshakeTimeout time.Duration `env:"SSHMSG_HANDSHAKE_TIMEOUT,default=10s"`

	Banner   string `env:"SSHMSG_BANNER,default=no interactive access sorry"`
	LogLevel string `env:"SSHMSG_LOG_LEVEL,default=info"`
}

// LoadFromEnv decodes Config from the environment and validates it.
func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if cfg.AuthorizedKeysPath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.AuthorizedKeysPath = filepath.Join(home, ".ssh", "authorized_keys")
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("SSHMSG_LISTEN_ADDR %q: %w", c.ListenAddr, err)
	}
	if c.Service == "" {
		return fmt.Errorf("SSHMSG_SERVICE must not be empty")
	}
	if c.HostKeyPath != "" && filepath.Clean(c.HostKeyPath) == "." {
		return fmt.Errorf("SSHMSG_HOST_KEY_PATH must not resolve to current directory")
	}
	if c.MaxHandshakes < 0 {
		return fmt.Errorf("SSHMSG_MAX_HANDSHAKES must not be negative")
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("SSHMSG_HANDSHAKE_TIMEOUT must not be negative")
	}
	if c.DialTimeout < 0 {
		return fmt.Errorf("SSHMSG_DIAL_TIMEOUT must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel; empty means info.
func (c Config) Level() (zerolog.Level, error) {
	if c.LogLevel == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("SSHMSG_LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// Logger writes to out at the configured level: console formatting on a
// terminal, JSON lines otherwise.
func (c Config) Logger(out *os.File) zerolog.Logger {
	var w io.Writer = out
	if isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()) {
		w = zerolog.ConsoleWriter{Out: out}
	}
	lvl, err := c.Level()
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
