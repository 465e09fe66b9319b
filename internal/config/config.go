package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process and ledgerctl.
// All values must come from env (or a .env file loaded by the process).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	Store   StoreConfig
	DB      DBConfig
	Dynamo  DynamoConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Ledger  LedgerConfig
	Replies RepliesConfig
}

type AppConfig struct {
	Env  string
	Port int
}

const (
	BackendPostgres = "postgres"
	BackendDynamo   = "dynamodb"
	BackendMemory   = "memory"
)

type StoreConfig struct {
	// Backend is one of postgres, dynamodb, memory. Defaults to postgres.
	Backend string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type DynamoConfig struct {
	Table  string
	Region string
	// Endpoint overrides the service endpoint (dynamodb-local).
	Endpoint string
}

// RedisConfig is optional. When Host is empty the per-user send cap is off.
type RedisConfig struct {
	Host string
	Port int

	SendConcurrencyLimit int
	SendSlotTTL          time.Duration
}

type AuthConfig struct {
	JWTSecret string
	// JWTSecretParam names an SSM parameter holding the secret. Used only
	// when JWTSecret is empty.
	JWTSecretParam  string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type LedgerConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type RepliesConfig struct {
	Workers   int
	QueueSize int
}

// Load reads and fully validates the API configuration.
func Load() (Config, error) {
	c, err := load()
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadStore reads the configuration but only validates what is needed to
// open the store. Used by ledgerctl.
func LoadStore() (Config, error) {
	c, err := load()
	if err != nil {
		return Config{}, err
	}
	if err := c.ValidateStore(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port, parseErrs = collect(parseErrs)(optionalInt("APP_PORT"))

	c.Store.Backend = strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND")))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = collect(parseErrs)(optionalInt("DB_PORT"))
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Dynamo.Table = strings.TrimSpace(os.Getenv("DYNAMO_TABLE"))
	c.Dynamo.Region = strings.TrimSpace(os.Getenv("AWS_REGION"))
	c.Dynamo.Endpoint = strings.TrimSpace(os.Getenv("DYNAMO_ENDPOINT"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = collect(parseErrs)(optionalInt("REDIS_PORT"))
	c.Redis.SendConcurrencyLimit, parseErrs = collect(parseErrs)(optionalInt("SEND_CONCURRENCY_LIMIT"))
	c.Redis.SendSlotTTL, parseErrs = collectDuration(parseErrs)(optionalDuration("SEND_SLOT_TTL"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTSecretParam = strings.TrimSpace(os.Getenv("JWT_SECRET_PARAM"))
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL, parseErrs = collectDuration(parseErrs)(optionalDuration("JWT_ACCESS_TTL"))
	c.Auth.RefreshTokenTTL, parseErrs = collectDuration(parseErrs)(optionalDuration("JWT_REFRESH_TTL"))

	c.Ledger.MaxAttempts, parseErrs = collect(parseErrs)(optionalInt("LEDGER_MAX_ATTEMPTS"))
	c.Ledger.BackoffBase, parseErrs = collectDuration(parseErrs)(optionalDuration("LEDGER_BACKOFF_BASE"))
	c.Ledger.BackoffMax, parseErrs = collectDuration(parseErrs)(optionalDuration("LEDGER_BACKOFF_MAX"))

	c.Replies.Workers, parseErrs = collect(parseErrs)(optionalInt("REPLY_WORKERS"))
	c.Replies.QueueSize, parseErrs = collect(parseErrs)(optionalInt("REPLY_QUEUE_SIZE"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the full API configuration and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error
	if err := c.ValidateStore(); err != nil {
		errs = append(errs, err)
	}

	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Redis.Host != "" {
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
		if c.Redis.SendConcurrencyLimit == 0 {
			c.Redis.SendConcurrencyLimit = 2
		}
		if c.Redis.SendConcurrencyLimit < 0 {
			errs = append(errs, fmt.Errorf("SEND_CONCURRENCY_LIMIT must be > 0, got %d", c.Redis.SendConcurrencyLimit))
		}
		if c.Redis.SendSlotTTL <= 0 {
			c.Redis.SendSlotTTL = 30 * time.Second
		}
	}

	if c.Auth.JWTSecret == "" && c.Auth.JWTSecretParam == "" {
		errs = append(errs, errors.New("JWT_SECRET or JWT_SECRET_PARAM is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Replies.Workers <= 0 {
		c.Replies.Workers = 4
	}
	if c.Replies.QueueSize <= 0 {
		c.Replies.QueueSize = 256
	}

	return joinErrors(errs)
}

// ValidateStore checks APP_ENV, the ledger retry policy and the selected
// store backend.
func (c *Config) ValidateStore() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}

	if c.Ledger.MaxAttempts == 0 {
		c.Ledger.MaxAttempts = 3
	}
	if c.Ledger.MaxAttempts < 1 || c.Ledger.MaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("LEDGER_MAX_ATTEMPTS must be between 1 and 10, got %d", c.Ledger.MaxAttempts))
	}
	if c.Ledger.BackoffBase <= 0 {
		c.Ledger.BackoffBase = 20 * time.Millisecond
	}
	if c.Ledger.BackoffMax <= 0 {
		c.Ledger.BackoffMax = 250 * time.Millisecond
	}
	if c.Ledger.BackoffMax < c.Ledger.BackoffBase {
		errs = append(errs, errors.New("LEDGER_BACKOFF_MAX must be >= LEDGER_BACKOFF_BASE"))
	}

	if c.Store.Backend == "" {
		c.Store.Backend = BackendPostgres
	}
	switch c.Store.Backend {
	case BackendPostgres:
		errs = append(errs, c.validateDB()...)
	case BackendDynamo:
		if c.Dynamo.Table == "" {
			errs = append(errs, errors.New("DYNAMO_TABLE is required for the dynamodb backend"))
		}
		if c.Dynamo.Region == "" {
			errs = append(errs, errors.New("AWS_REGION is required for the dynamodb backend"))
		}
	case BackendMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_BACKEND=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be one of postgres, dynamodb, memory, got %q", c.Store.Backend))
	}

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func optionalInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func collect(errs []error) func(int, error) (int, []error) {
	return func(n int, err error) (int, []error) {
		if err != nil {
			errs = append(errs, err)
		}
		return n, errs
	}
}

func collectDuration(errs []error) func(time.Duration, error) (time.Duration, []error) {
	return func(d time.Duration, err error) (time.Duration, []error) {
		if err != nil {
			errs = append(errs, err)
		}
		return d, errs
	}
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
