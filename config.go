package ledgerxgo

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Config struct {
	Server struct {
		Addr            string        `yaml:"addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Database struct {
		Driver           string `yaml:"driver"`
		ConnectionString string `yaml:"conn_str"`
		MaxConns         int32  `yaml:"max_conns"`
	} `yaml:"database"`
	Ledger struct {
		NodeID         int64         `yaml:"node_id"`
		LockTimeout    time.Duration `yaml:"lock_timeout"`
		MaxAmount      string        `yaml:"max_amount"`
		MaxDescription int           `yaml:"max_description"`
	} `yaml:"ledger"`
	Limits struct {
		Mutations int64         `yaml:"mutations"`
		Queries   int64         `yaml:"queries"`
		Wait      time.Duration `yaml:"wait"`
	} `yaml:"limits"`
	Breaker struct {
		MaxRequests         uint32        `yaml:"max_requests"`
		Interval            time.Duration `yaml:"interval"`
		Timeout             time.Duration `yaml:"timeout"`
		ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	} `yaml:"breaker"`
	Seed []SeedAccount `yaml:"seed"`
}

// SeedAccount is a demo account created by the seeder.
type SeedAccount struct {
	CustomerID string `yaml:"customer_id"`
	Type       string `yaml:"type"`
	Currency   string `yaml:"currency"`
	Balance    string `yaml:"balance"`
}

// LoadConfig decodes YAML from r, fills in defaults and validates the result.
func LoadConfig(r io.Reader) (*Config, error) {
	var cfg Config
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":3000"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverMemory
	}
	if c.Ledger.LockTimeout == 0 {
		c.Ledger.LockTimeout = 2 * time.Second
	}
	if c.Ledger.MaxDescription == 0 {
		c.Ledger.MaxDescription = DefaultMaxDescription
	}
	if c.Limits.Wait == 0 {
		c.Limits.Wait = 500 * time.Millisecond
	}
	if c.Breaker.MaxRequests == 0 {
		c.Breaker.MaxRequests = 1
	}
	if c.Breaker.Timeout == 0 {
		c.Breaker.Timeout = 30 * time.Second
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = 5
	}
}

func (c *Config) validate() error {
	fields := map[string]string{}
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.ConnectionString == "" {
			fields["database.conn_str"] = "required for postgres driver"
		}
	default:
		fields["database.driver"] = "must be one of memory, postgres"
	}
	if c.Ledger.NodeID < 0 || c.Ledger.NodeID > 1023 {
		fields["ledger.node_id"] = "must be within 0..1023"
	}
	if c.Ledger.LockTimeout < 0 {
		fields["ledger.lock_timeout"] = "must not be negative"
	} else if c.Ledger.LockTimeout > 0 && c.Ledger.LockTimeout < time.Millisecond {
		fields["ledger.lock_timeout"] = "must be at least 1ms"
	}
	if c.Ledger.MaxAmount != "" {
		if amt, err := decimal.NewFromString(c.Ledger.MaxAmount); err != nil || amt.IsNegative() {
			fields["ledger.max_amount"] = "must be a non-negative decimal"
		}
	}
	if len(fields) > 0 {
		return fmt.Errorf("invalid config: %w", ErrBadRequest{Fields: fields})
	}
	return nil
}

// MaxAmount is the parsed ledger.max_amount; zero when unbounded.
func (c *Config) MaxAmount() decimal.Decimal {
	if c.Ledger.MaxAmount == "" {
		return decimal.Zero
	}
	amt, _ := decimal.NewFromString(c.Ledger.MaxAmount)
	return amt
}

func (c *Config) EngineConfig() EngineConfig {
	return EngineConfig{
		NodeID:         c.Ledger.NodeID,
		MaxAmount:      c.MaxAmount(),
		MaxDescription: c.Ledger.MaxDescription,
	}
}

func (c *Config) BreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:         c.Breaker.MaxRequests,
		Interval:            c.Breaker.Interval,
		Timeout:             c.Breaker.Timeout,
		ConsecutiveFailures: c.Breaker.ConsecutiveFailures,
	}
}
