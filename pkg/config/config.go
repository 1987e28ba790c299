package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"hedge-core/pkg/exchanges/common"
)

// Config holds environment-driven settings for the controller. A YAML file
// named by CONFIG_FILE is applied on top of the environment.
type Config struct {
	Port string `yaml:"port"`

	// Storage
	StateDir       string `yaml:"state_dir"`
	CredentialsDir string `yaml:"credentials_dir"`
	DBPath         string `yaml:"db_path"`
	JournalPath    string `yaml:"journal_path"`
	// JournalRetention bounds the age of journaled events; 0 keeps all.
	JournalRetention time.Duration `yaml:"journal_retention"`
	StrategiesFile   string        `yaml:"strategies_file"`

	// Scheduling
	TickInterval      time.Duration `yaml:"tick_interval"`
	TickWorkers       int           `yaml:"tick_workers"`
	PendingTimeout    time.Duration `yaml:"pending_timeout"`
	FaultCooldown     time.Duration `yaml:"fault_cooldown"`
	AutoResume        bool          `yaml:"auto_resume"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// Exchanges
	ExchangeTimeout    time.Duration            `yaml:"exchange_timeout"`
	ExchangeMaxRetries uint                     `yaml:"exchange_max_retries"`
	OrderRatePerSec    float64                  `yaml:"order_rate_per_sec"`
	OrderBurst         int                      `yaml:"order_burst"`
	HealthInterval     time.Duration            `yaml:"health_interval"`
	Policies           map[string]common.Policy `yaml:"policies"`
	BinanceTestnet     bool                     `yaml:"binance_testnet"`
	PaperPrices        map[string]string        `yaml:"paper_prices"`

	// API
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	CORSOrigins    []string      `yaml:"cors_origins"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" or "console"

	// Localization
	Language string `yaml:"language"` // "en" or "zh"

	// EncryptionKeys are base64 AES keys by version, from
	// MASTER_ENCRYPTION_KEY (version 1) and MASTER_ENCRYPTION_KEY_V<n>.
	EncryptionKeys map[int]string `yaml:"-"`
}

// Load reads environment variables (optionally via .env) into Config, then
// applies CONFIG_FILE when set.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		StateDir:           getEnv("STATE_DIR", "./data/state"),
		CredentialsDir:     getEnv("CREDENTIALS_DIR", "./data/credentials"),
		DBPath:             getEnv("DB_PATH", "./data/hedge.db"),
		JournalPath:        getEnv("JOURNAL_PATH", "./data/journal.db"),
		JournalRetention:   getEnvDuration("JOURNAL_RETENTION", 30*24*time.Hour),
		StrategiesFile:     getEnv("STRATEGIES_FILE", ""),
		TickInterval:       getEnvDuration("TICK_INTERVAL", time.Second),
		TickWorkers:        getEnvInt("TICK_WORKERS", 8),
		PendingTimeout:     getEnvDuration("PENDING_TIMEOUT", 2*time.Minute),
		FaultCooldown:      getEnvDuration("FAULT_COOLDOWN", time.Minute),
		AutoResume:         getEnv("AUTO_RESUME", "false") == "true",
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		ExchangeTimeout:    getEnvDuration("EXCHANGE_TIMEOUT", 10*time.Second),
		ExchangeMaxRetries: uint(getEnvInt("EXCHANGE_MAX_RETRIES", 3)),
		OrderRatePerSec:    getEnvFloat("ORDER_RATE_PER_SEC", 5),
		OrderBurst:         getEnvInt("ORDER_BURST", 5),
		HealthInterval:     getEnvDuration("HEALTH_INTERVAL", 5*time.Minute),
		BinanceTestnet:     getEnv("BINANCE_TESTNET", "false") == "true",
		PaperPrices:        splitPairs(getEnv("PAPER_PRICES", "BTCUSDT=60000,ETHUSDT=3000")),
		RequestTimeout:     getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 20),
		CORSOrigins:        splitAndTrim(getEnv("CORS_ORIGINS", "*")),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "console")),
		Language:           getEnv("LANGUAGE", "en"),
		EncryptionKeys:     encryptionKeys(os.Environ()),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFile overlays the YAML file at path. Keys absent from the file keep
// their environment value.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the controller cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.TickInterval <= 0:
		return fmt.Errorf("TICK_INTERVAL must be positive")
	case c.TickWorkers <= 0:
		return fmt.Errorf("TICK_WORKERS must be positive")
	case c.PendingTimeout <= 0:
		return fmt.Errorf("PENDING_TIMEOUT must be positive")
	case c.ExchangeTimeout <= 0:
		return fmt.Errorf("EXCHANGE_TIMEOUT must be positive")
	case c.ExchangeMaxRetries == 0:
		return fmt.Errorf("EXCHANGE_MAX_RETRIES must be at least 1")
	case c.LogFormat != "json" && c.LogFormat != "console":
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	if _, err := c.Prices(); err != nil {
		return err
	}
	return nil
}

// DefaultPolicy is the exchange call policy for platforms without an entry
// in Policies.
func (c *Config) DefaultPolicy() common.Policy {
	p := common.DefaultPolicy()
	p.Timeout = c.ExchangeTimeout
	p.MaxTries = c.ExchangeMaxRetries
	return p
}

// Prices parses the seed prices of the paper venue.
func (c *Config) Prices() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.PaperPrices))
	for symbol, v := range c.PaperPrices {
		p, err := decimal.NewFromString(v)
		if err != nil || !p.IsPositive() {
			return nil, fmt.Errorf("paper price of %s must be a positive number, got %q", symbol, v)
		}
		out[strings.ToUpper(symbol)] = p
	}
	return out, nil
}

var keyVersion = regexp.MustCompile(`^MASTER_ENCRYPTION_KEY(?:_V(\d+))?$`)

// encryptionKeys collects MASTER_ENCRYPTION_KEY[_Vn] from environ.
func encryptionKeys(environ []string) map[int]string {
	keys := make(map[int]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		m := keyVersion.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		version := 1
		if m[1] != "" {
			v, err := strconv.Atoi(m[1])
			if err != nil || v < 1 {
				continue
			}
			version = v
		}
		keys[version] = value
	}
	return keys
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// splitPairs parses "A=1,B=2".
func splitPairs(val string) map[string]string {
	out := make(map[string]string)
	for _, part := range splitAndTrim(val) {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("500ms") and plain seconds ("2").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
