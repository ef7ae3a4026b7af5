package quotagate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Cache        CacheConfig        `yaml:"cache"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Token        TokenConfig        `yaml:"token"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Sweep        SweepConfig        `yaml:"sweep"`
	HTTP         HTTPConfig         `yaml:"http"`
	Log          LogConfig          `yaml:"log"`
	Pricing      []Pricing          `yaml:"pricing"`
}

// CacheConfig selects the quota cache. An empty URL selects the in-memory cache.
type CacheConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LedgerConfig selects the ledger backend.
type LedgerConfig struct {
	Driver string `yaml:"driver"` // postgres, sqlite or memory
	DSN    string `yaml:"dsn"`
}

// TokenConfig configures capability token signing.
type TokenConfig struct {
	Algorithm  string        `yaml:"algorithm"` // HS256 or ES256K
	Secret     string        `yaml:"secret"`
	PrivateKey string        `yaml:"private_key"` // hex encoded secp256k1 key
	Issuer     string        `yaml:"issuer"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

type SubscriptionConfig struct {
	DefaultValidity time.Duration `yaml:"default_validity"`
}

type SweepConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	Metrics bool   `yaml:"metrics"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("quotagate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("quotagate: parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Token.Algorithm == "" {
		c.Token.Algorithm = "HS256"
	}
	if c.Token.Issuer == "" {
		c.Token.Issuer = "quotagate"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	switch c.Ledger.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("quotagate: config: ledger: dsn is required for driver %q", c.Ledger.Driver)
		}
	default:
		return fmt.Errorf("quotagate: config: ledger: unknown driver %q", c.Ledger.Driver)
	}

	switch c.Token.Algorithm {
	case "HS256":
		if c.Token.Secret == "" {
			return fmt.Errorf("quotagate: config: token: secret is required for HS256")
		}
	case "ES256K":
		if c.Token.PrivateKey == "" {
			return fmt.Errorf("quotagate: config: token: private_key is required for ES256K")
		}
	default:
		return fmt.Errorf("quotagate: config: token: unsupported algorithm %q", c.Token.Algorithm)
	}
	if c.Token.DefaultTTL < 0 {
		return fmt.Errorf("quotagate: config: token: default_ttl must not be negative")
	}
	if c.Subscription.DefaultValidity < 0 {
		return fmt.Errorf("quotagate: config: subscription: default_validity must not be negative")
	}
	if c.Sweep.Interval < 0 || c.Sweep.Concurrency < 0 {
		return fmt.Errorf("quotagate: config: sweep: interval and concurrency must not be negative")
	}

	seen := make(map[Key]bool, len(c.Pricing))
	for i, p := range c.Pricing {
		if p.Application == "" {
			return fmt.Errorf("quotagate: config: pricing[%d]: application is required", i)
		}
		if !p.Tier.Valid() {
			return fmt.Errorf("quotagate: config: pricing[%d] (%s): invalid tier %q", i, p.Application, p.Tier)
		}
		if p.Credit <= 0 {
			return fmt.Errorf("quotagate: config: pricing[%d] (%s): credit must be positive", i, p.Application)
		}
		k := Key{Application: p.Application, Tier: p.Tier}
		if seen[k] {
			return fmt.Errorf("quotagate: config: duplicate pricing for %s/%s", p.Application, p.Tier)
		}
		seen[k] = true
	}

	return nil
}
