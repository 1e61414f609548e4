package knk

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the tunables of the synchronization bridge.
// Every field can be set from the environment; see DefaultConfig for the defaults.
type Config struct {
	// API is the backend connection.
	API APIConfig

	// Workers is the size of the scheduler's worker pool.
	Workers int `env:"KNK_WORKERS"`

	// BridgeCapacity bounds the number of completions waiting for the main thread.
	BridgeCapacity int `env:"KNK_BRIDGE_CAPACITY" envDefault:"1024"`

	// MaxDrainPerTick bounds the completions run on the main thread per tick.
	MaxDrainPerTick int `env:"KNK_MAX_DRAIN_PER_TICK" envDefault:"64"`

	// FlushTimeout bounds how long an unload waits for its final write.
	FlushTimeout time.Duration `env:"KNK_FLUSH_TIMEOUT" envDefault:"5s"`

	// MaxConflictReloads bounds consecutive conflict reloads of one key.
	MaxConflictReloads int `env:"KNK_MAX_CONFLICT_RELOADS" envDefault:"3"`

	// ShutdownTimeout bounds the whole shutdown flush.
	ShutdownTimeout time.Duration `env:"KNK_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// TickRate is the main tick interval (50ms is 20 TPS).
	TickRate time.Duration `env:"KNK_TICK_RATE" envDefault:"50ms"`

	// JournalDir is where records that failed to flush are spilled. Empty disables the journal.
	JournalDir string `env:"KNK_JOURNAL_DIR"`

	// AdminAddr is the listen address of the status endpoint. Empty disables it.
	AdminAddr string `env:"KNK_ADMIN_ADDR"`

	// CacheTTL is the lifetime of cached reference data (towns, etc).
	CacheTTL time.Duration `env:"KNK_CACHE_TTL" envDefault:"1m"`
}

// APIConfig configures the backend transport.
type APIConfig struct {
	BaseURL string `env:"KNK_API_BASE_URL" envDefault:"http://localhost:5000/api"`

	// AuthType is one of "none", "bearer" or "apikey".
	AuthType     string `env:"KNK_API_AUTH_TYPE" envDefault:"none"`
	Token        string `env:"KNK_API_TOKEN"`
	APIKeyHeader string `env:"KNK_API_KEY_HEADER" envDefault:"X-API-Key"`

	// RequestTimeout is the per-attempt deadline.
	RequestTimeout time.Duration `env:"KNK_REQUEST_TIMEOUT" envDefault:"5s"`

	// MaxAttempts bounds attempts for idempotent requests.
	MaxAttempts uint `env:"KNK_MAX_ATTEMPTS" envDefault:"3"`

	BackoffInitial    time.Duration `env:"KNK_BACKOFF_INITIAL" envDefault:"200ms"`
	BackoffMultiplier float64       `env:"KNK_BACKOFF_MULTIPLIER" envDefault:"2"`
	BackoffMax        time.Duration `env:"KNK_BACKOFF_MAX" envDefault:"5s"`
	BackoffJitter     float64       `env:"KNK_BACKOFF_JITTER" envDefault:"0.2"`

	// RateLimit caps requests per second. Zero means unlimited.
	RateLimit float64 `env:"KNK_RATE_LIMIT"`

	DebugLogging bool `env:"KNK_DEBUG_LOGGING"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			BaseURL:           "http://localhost:5000/api",
			AuthType:          "none",
			APIKeyHeader:      "X-API-Key",
			RequestTimeout:    5 * time.Second,
			MaxAttempts:       3,
			BackoffInitial:    200 * time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        5 * time.Second,
			BackoffJitter:     0.2,
		},
		Workers:            runtime.GOMAXPROCS(0),
		BridgeCapacity:     1024,
		MaxDrainPerTick:    64,
		FlushTimeout:       5 * time.Second,
		MaxConflictReloads: 3,
		ShutdownTimeout:    15 * time.Second,
		TickRate:           50 * time.Millisecond,
		CacheTTL:           time.Minute,
	}
}

// LoadConfig reads the configuration from the environment on top of the defaults.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every tunable is usable.
func (c Config) Validate() error {
	var errs []error
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api base url is required"))
	}
	switch c.API.AuthType {
	case "none", "":
	case "bearer", "apikey":
		if c.API.Token == "" {
			errs = append(errs, fmt.Errorf("auth type %q requires a token", c.API.AuthType))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth type %q", c.API.AuthType))
	}
	if c.API.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	if c.API.MaxAttempts == 0 {
		errs = append(errs, errors.New("max attempts must be at least 1"))
	}
	if c.API.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("backoff multiplier must be >= 1"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.BridgeCapacity <= 0 {
		errs = append(errs, errors.New("bridge capacity must be positive"))
	}
	if c.MaxDrainPerTick <= 0 {
		errs = append(errs, errors.New("max drain per tick must be positive"))
	}
	if c.FlushTimeout <= 0 {
		errs = append(errs, errors.New("flush timeout must be positive"))
	}
	if c.MaxConflictReloads < 0 {
		errs = append(errs, errors.New("max conflict reloads must not be negative"))
	}
	if c.TickRate <= 0 {
		errs = append(errs, errors.New("tick rate must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("knk: invalid config: %w", errors.Join(errs...))
	}
	return nil
}
