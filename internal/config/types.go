package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Delivery DeliveryConfig `json:"delivery"`
	Storage  StorageConfig  `json:"storage"`
	Push     PushConfig     `json:"push"`
	Digest   DigestConfig   `json:"digest"`
	SMTP     SMTPConfig     `json:"smtp"`
}

type ServerConfig struct {
	Addr string `json:"addr,omitempty"` // default: ":8080"

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"` // trace|debug|info|warn|error
	Console *bool  `json:"console,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// DeliveryConfig selects the real-time transport and registry backing.
//
// Provider values:
//   - "local": in-process socket handles + in-memory registry
//   - "managed": cloud websocket gateway + store-backed registry
//
// The provider is chosen once at startup; it is not re-evaluated per call.
type DeliveryConfig struct {
	Provider string `json:"provider,omitempty"` // default: "local"

	// SendTimeout bounds a single send to one connection (Go duration string).
	// Default "10s" for the managed gateway, "5s" for local sockets.
	SendTimeout string `json:"send_timeout,omitempty"`

	Gateway GatewayConfig `json:"gateway,omitempty"`
}

type GatewayConfig struct {
	Endpoint string `json:"endpoint,omitempty"` // base URL of the post-to-connection API
	APIKey   string `json:"api_key,omitempty"`  // do not log
}

// StorageConfig controls the persistence layer.
//
// Driver values:
//   - "sqlite": SQLite database file (single-instance deployments)
//   - "postgres": PostgreSQL DSN (managed/multi-worker deployments)
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // default: "sqlite"
	Path        string `json:"path,omitempty"`   // sqlite only
	DSN         string `json:"dsn,omitempty"`    // postgres only
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type PushConfig struct {
	Enabled    bool   `json:"enabled"`
	Endpoint   string `json:"endpoint,omitempty"`   // push provider send URL
	AuthToken  string `json:"auth_token,omitempty"` // do not log
	BatchSize  int    `json:"batch_size,omitempty"` // default: 100
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type DigestConfig struct {
	Enabled bool `json:"enabled"`

	// IndividualInterval is the run cadence for the "individual" tier and
	// also its selection lookback window (Go duration string, default "30m").
	IndividualInterval string `json:"individual_interval,omitempty"`

	// DailyRunTimeUTC is the "HH:MM" wall-clock time (UTC) for the daily tier.
	DailyRunTimeUTC string `json:"daily_run_time_utc,omitempty"` // default: "07:00"

	FromAddress string `json:"from_address,omitempty"`
}

type SMTPConfig struct {
	Addr     string `json:"addr,omitempty"` // host:port
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
}

// ---- Defaults / validation ----

const (
	ProviderLocal   = "local"
	ProviderManaged = "managed"
)

func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = ":8080"
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Delivery.Provider) == "" {
		c.Delivery.Provider = ProviderLocal
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "sqlite"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = "./flockcast.db"
	}
	if c.Push.BatchSize <= 0 {
		c.Push.BatchSize = 100
	}
	if c.Push.RatePerSec <= 0 {
		c.Push.RatePerSec = 10
	}
	if strings.TrimSpace(c.Digest.IndividualInterval) == "" {
		c.Digest.IndividualInterval = "30m"
	}
	if strings.TrimSpace(c.Digest.DailyRunTimeUTC) == "" {
		c.Digest.DailyRunTimeUTC = "07:00"
	}
}

func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Delivery.Provider)) {
	case ProviderLocal:
	case ProviderManaged:
		if strings.TrimSpace(c.Delivery.Gateway.Endpoint) == "" {
			return errors.New("delivery.gateway.endpoint is required for the managed provider")
		}
	default:
		return fmt.Errorf("delivery.provider: unknown provider %q", c.Delivery.Provider)
	}

	if _, err := ParseDurationField("delivery.send_timeout", c.Delivery.SendTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("digest.individual_interval", c.Digest.IndividualInterval); err != nil {
		return err
	}
	if _, _, err := ParseHHMM(c.Digest.DailyRunTimeUTC); err != nil {
		return fmt.Errorf("digest.daily_run_time_utc: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Push.Enabled && strings.TrimSpace(c.Push.Endpoint) == "" {
		return errors.New("push.endpoint is required when push is enabled")
	}
	if c.Digest.Enabled && strings.TrimSpace(c.SMTP.Addr) == "" {
		return errors.New("smtp.addr is required when the digest scheduler is enabled")
	}
	return nil
}

// SendTimeoutOrDefault returns the per-send timeout honoring the provider default.
func (c *Config) SendTimeoutOrDefault() time.Duration {
	def := 5 * time.Second
	if strings.EqualFold(strings.TrimSpace(c.Delivery.Provider), ProviderManaged) {
		def = 10 * time.Second
	}
	d, err := ParseDurationOrDefault("delivery.send_timeout", c.Delivery.SendTimeout, def)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (c *Config) IndividualIntervalOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("digest.individual_interval", c.Digest.IndividualInterval, 30*time.Minute)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// ParseHHMM parses a "HH:MM" wall-clock string.
func ParseHHMM(raw string) (hour, minute int, err error) {
	s := strings.TrimSpace(raw)
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", raw)
	}
	if h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", raw)
	}
	if m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", raw)
	}
	return h, m, nil
}
