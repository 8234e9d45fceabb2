package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every flag name to form its environment variable.
const EnvPrefix = "MESHDRAW"

var ErrInvalid = errors.New("invalid configuration")

var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

type Relay struct {
	Bind           string
	Port           int
	RateLimit      float64
	Burst          int
	AllowedOrigins []string
	Verbose        bool
}

func (c *Relay) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be between 1-65535 inclusive: %d", ErrInvalid, c.Port)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("%w: rate limit must be positive: %v", ErrInvalid, c.RateLimit)
	}
	if c.Burst < 1 {
		return fmt.Errorf("%w: burst must be at least 1: %d", ErrInvalid, c.Burst)
	}
	return nil
}

func (c *Relay) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

type Peer struct {
	RelayURL      string
	Name          string
	Room          string
	STUNServers   []string
	FlushInterval time.Duration
	PingInterval  time.Duration
	QR            bool
	JSON          bool
	Verbose       bool
}

func (c *Peer) Validate() error {
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return fmt.Errorf("%w: relay url: %w", ErrInvalid, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: relay url must use ws or wss: %q", ErrInvalid, c.RelayURL)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("%w: flush interval must be positive: %s", ErrInvalid, c.FlushInterval)
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("%w: ping interval must not be negative: %s", ErrInvalid, c.PingInterval)
	}
	for _, s := range c.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("%w: ice server %q", ErrInvalid, s)
		}
	}
	return nil
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped and existing variables are never overridden.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// BindEnv lets MESHDRAW_<FLAG_NAME> set any flag the command line left alone.
func BindEnv(flags *pflag.FlagSet) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flags.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = flags.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}
