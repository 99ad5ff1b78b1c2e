// Package config loads the service configuration from YAML with environment
// overrides. Defaults live in applyDefaults and nowhere else.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/technosupport/licensegate/internal/discovery"
	"github.com/technosupport/licensegate/internal/ledger"
	"github.com/technosupport/licensegate/internal/logging"
	"github.com/technosupport/licensegate/internal/middleware"
	"github.com/technosupport/licensegate/internal/protocols/cloudflare"
	"github.com/technosupport/licensegate/internal/protocols/rsl"
	"github.com/technosupport/licensegate/internal/protocols/tollbit"
	"github.com/technosupport/licensegate/internal/purchase"
	"github.com/technosupport/licensegate/internal/wallet"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Server            ServerConfig         `yaml:"server"`
	Log               logging.Config       `yaml:"log"`
	Storage           StorageConfig        `yaml:"storage"`
	Redis             RedisConfig          `yaml:"redis"`
	NATS              NATSConfig           `yaml:"nats"`
	Auth              AuthConfig           `yaml:"auth"`
	Wallet            wallet.HTTPConfig    `yaml:"wallet"`
	Discovery         discovery.Config     `yaml:"discovery"`
	Protocols         ProtocolsConfig      `yaml:"protocols"`
	Janitor           ledger.JanitorConfig `yaml:"janitor"`
	Purchase          purchase.Config      `yaml:"purchase"`
	RateLimit         middleware.Config    `yaml:"rate_limit"`
	PricingPolicyPath string               `yaml:"pricing_policy_path"`
	PricingPoll       time.Duration        `yaml:"pricing_poll_interval"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

type StorageConfig struct {
	Backend   string        `yaml:"backend"`
	DSN       string        `yaml:"dsn"`
	SQLiteDir string        `yaml:"sqlite_dir"`
	Ledger    ledger.Config `yaml:"ledger"`
	LockTTL   time.Duration `yaml:"lock_ttl"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// IPSalt keys the hashed client addresses in rate limit counters.
	IPSalt string `yaml:"ip_salt"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	MaxRetries    int    `yaml:"max_retries"`
}

func (n NATSConfig) Enabled() bool { return n.URL != "" }

type AuthConfig struct {
	JWTSigningKey string        `yaml:"jwt_signing_key"`
	Issuer        string        `yaml:"issuer"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
}

type ProtocolsConfig struct {
	Cloudflare cloudflare.Config `yaml:"cloudflare"`
	Tollbit    tollbit.Config    `yaml:"tollbit"`
	RSL        rsl.Config        `yaml:"rsl"`
}

// Load reads path (which may be empty), applies environment overrides and
// defaults, then validates.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Log.Level, "LICENSEGATE_LOG_LEVEL")
	setString(&cfg.Log.Format, "LICENSEGATE_LOG_FORMAT")

	setString(&cfg.Storage.Backend, "LICENSEGATE_STORAGE_BACKEND")
	setString(&cfg.Storage.DSN, "LICENSEGATE_DSN")
	setString(&cfg.Storage.SQLiteDir, "LICENSEGATE_SQLITE_DIR")
	if dsn := postgresDSNFromEnv(); dsn != "" && cfg.Storage.DSN == "" {
		cfg.Storage.DSN = dsn
	}

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Redis.IPSalt, "LICENSEGATE_IP_SALT")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Auth.JWTSigningKey, "JWT_SIGNING_KEY")

	setString(&cfg.Wallet.BaseURL, "LICENSEGATE_WALLET_BASE_URL")
	setString(&cfg.Wallet.APIKey, "LICENSEGATE_WALLET_API_KEY")
	setString(&cfg.Protocols.Tollbit.APIKey, "LICENSEGATE_TOLLBIT_API_KEY")
	setString(&cfg.Protocols.RSL.ClientID, "LICENSEGATE_RSL_CLIENT_ID")
	setString(&cfg.Protocols.RSL.ClientSecret, "LICENSEGATE_RSL_CLIENT_SECRET")
	setString(&cfg.PricingPolicyPath, "LICENSEGATE_PRICING_POLICY")

	if v := os.Getenv("LICENSEGATE_DISCOVERY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Discovery.Workers = n
		}
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// postgresDSNFromEnv builds a DSN from DB_HOST, DB_USER, DB_PASSWORD and
// DB_NAME when all of host, user and name are set.
func postgresDSNFromEnv() string {
	host, user, name := os.Getenv("DB_HOST"), os.Getenv("DB_USER"), os.Getenv("DB_NAME")
	if host == "" || user == "" || name == "" {
		return ""
	}
	port := os.Getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}
	sslmode := os.Getenv("DB_SSLMODE")
	if sslmode == "" {
		sslmode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, os.Getenv("DB_PASSWORD")),
		Host:     host + ":" + port,
		Path:     "/" + name,
		RawQuery: "sslmode=" + sslmode,
	}
	return u.String()
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = 90 * time.Second
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	if cfg.Storage.SQLiteDir == "" {
		cfg.Storage.SQLiteDir = "data"
	}
	if cfg.Storage.Ledger.CacheSize <= 0 {
		cfg.Storage.Ledger.CacheSize = 10000
	}
	if cfg.Storage.Ledger.ClaimLease <= 0 {
		cfg.Storage.Ledger.ClaimLease = ledger.DefaultClaimLease
	}
	if cfg.Storage.LockTTL <= 0 {
		cfg.Storage.LockTTL = 30 * time.Second
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "licensegate"
	}
	if cfg.NATS.MaxRetries <= 0 {
		cfg.NATS.MaxRetries = 3
	}

	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "licensegate"
	}
	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = 15 * time.Minute
	}

	if cfg.Wallet.Timeout <= 0 {
		cfg.Wallet.Timeout = 10 * time.Second
	}
	if cfg.Wallet.MaxAttempts <= 0 {
		cfg.Wallet.MaxAttempts = 3
	}

	if cfg.Discovery.Workers <= 0 {
		cfg.Discovery.Workers = discovery.DefaultWorkers
	}

	if cfg.Janitor.Interval <= 0 {
		cfg.Janitor.Interval = time.Hour
	}
	if cfg.Janitor.MaxAge <= 0 {
		cfg.Janitor.MaxAge = ledger.DefaultJanitorMaxAge
	}

	if cfg.Purchase.InProgressWait <= 0 {
		cfg.Purchase.InProgressWait = 10 * time.Second
	}
	if cfg.Purchase.PollInterval <= 0 {
		cfg.Purchase.PollInterval = 100 * time.Millisecond
	}
	if cfg.Purchase.PurchaseTimeout <= 0 {
		cfg.Purchase.PurchaseTimeout = time.Minute
	}

	if cfg.PricingPoll <= 0 {
		cfg.PricingPoll = time.Minute
	}
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, postgres, sqlite", c.Storage.Backend))
	}
	if c.Wallet.BaseURL != "" {
		if u, err := url.Parse(c.Wallet.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("wallet.base_url %q is not an absolute URL", c.Wallet.BaseURL))
		}
	}
	if c.Protocols.Tollbit.BaseURL != "" {
		if u, err := url.Parse(c.Protocols.Tollbit.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("protocols.tollbit.base_url %q is not an absolute URL", c.Protocols.Tollbit.BaseURL))
		}
	}
	if c.RateLimit.IP.Rate < 0 || c.RateLimit.User.Rate < 0 {
		errs = append(errs, errors.New("rate_limit rates must not be negative"))
	}
	return errors.Join(errs...)
}
