package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

const (
	TransportLibp2p = "libp2p"
	TransportMemory = "memory"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is read from the environment, after an optional .env file.
type Config struct {
	LogLevel        string        `env:"LOG_LEVEL,default=INFO"`
	Transport       string        `env:"CHAT_TRANSPORT,default=libp2p"`
	ListenAddrs     string        `env:"CHAT_LISTEN_ADDRS"`
	Bootstrap       string        `env:"CHAT_BOOTSTRAP"`
	Rendezvous      string        `env:"CHAT_RENDEZVOUS,default=clawdcity-chat"`
	EnableMDNS      bool          `env:"CHAT_MDNS,default=true"`
	IdentityKeyFile string        `env:"CHAT_IDENTITY_KEY"`
	PollInterval    time.Duration `env:"CHAT_POLL_INTERVAL,default=500ms"`
	OnlyAddressed   bool          `env:"CHAT_ONLY_ADDRESSED,default=false"`
	Color           bool          `env:"CHAT_COLOR,default=true"`
	ProfilePath     string        `env:"CHAT_PROFILE"`
	HTTPAddr        string        `env:"CHAT_HTTP_ADDR,default=:8090"`
	JoinWait        time.Duration `env:"CHAT_JOIN_WAIT,default=1s"`
	SendLimit       int           `env:"CHAT_SEND_LIMIT,default=0"`
	SendWindow      time.Duration `env:"CHAT_SEND_WINDOW,default=1s"`
}

// Load reads .env files when present, then the process environment.
func Load(dotenvFiles ...string) (Config, error) {
	_ = godotenv.Load(dotenvFiles...)
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Transport {
	case TransportLibp2p, TransportMemory:
	default:
		return fmt.Errorf("%w: CHAT_TRANSPORT must be %q or %q, got %q", ErrInvalidConfig, TransportLibp2p, TransportMemory, c.Transport)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: CHAT_POLL_INTERVAL must be positive", ErrInvalidConfig)
	}
	if c.SendLimit < 0 {
		return fmt.Errorf("%w: CHAT_SEND_LIMIT must not be negative", ErrInvalidConfig)
	}
	if c.JoinWait < 0 {
		return fmt.Errorf("%w: CHAT_JOIN_WAIT must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) ListenAddrList() []string { return splitList(c.ListenAddrs) }

func (c Config) BootstrapList() []string { return splitList(c.Bootstrap) }

func splitList(raw string) []string {
	return lo.Compact(lo.Map(strings.Split(raw, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
}
