package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Providers  ProvidersConfig
	Sync       SyncConfig
	Audio      AudioConfig
	Normalizer NormalizerConfig
	HTTP       HTTPConfig
}

type AppConfig struct {
	Env  string
	Port int

	// LogLevel overrides the env-derived level: debug, info, warn, error.
	LogLevel string
	// LogFormat is json (default) or text.
	LogFormat string
}

type DBConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string

	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// SQLitePath is used when Driver == "sqlite".
	SQLitePath string
}

// RedisConfig is optional outside production. Without it, sync runs are
// serialized with an in-process lock only.
type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type ProviderConfig struct {
	APIKey  string
	BaseURL string

	// WebhookSecret is optional; when set, inbound webhooks must carry it.
	WebhookSecret string
}

type ProvidersConfig struct {
	Vapi   ProviderConfig
	Retell ProviderConfig

	HTTPTimeout time.Duration
}

type SyncConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	LockTTL     time.Duration
}

type AudioConfig struct {
	Dir             string
	PublicBaseURL   string
	DownloadTimeout time.Duration
	MaxBytes        int64
}

type NormalizerConfig struct {
	// PathsFile optionally points to a YAML file overriding candidate path tables.
	PathsFile string
}

type HTTPConfig struct {
	CORSAllowedOrigins []string
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.App.LogLevel = strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	c.App.LogFormat = strings.ToLower(strings.TrimSpace(os.Getenv("LOG_FORMAT")))

	c.DB.Driver = strings.ToLower(strings.TrimSpace(os.Getenv("DB_DRIVER")))
	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := optionalInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.SQLitePath = strings.TrimSpace(os.Getenv("SQLITE_PATH"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := optionalInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Providers.Vapi = ProviderConfig{
		APIKey:        os.Getenv("VAPI_API_KEY"),
		BaseURL:       strings.TrimSpace(os.Getenv("VAPI_BASE_URL")),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET_VAPI"),
	}
	c.Providers.Retell = ProviderConfig{
		APIKey:        os.Getenv("RETELL_API_KEY"),
		BaseURL:       strings.TrimSpace(os.Getenv("RETELL_BASE_URL")),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET_RETELL"),
	}
	c.Providers.HTTPTimeout = mustDuration("PROVIDER_HTTP_TIMEOUT")

	{
		n, err := optionalInt("SYNC_MAX_RETRIES")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Sync.MaxRetries = n
	}
	c.Sync.BackoffBase = mustDuration("SYNC_BACKOFF_BASE")
	c.Sync.LockTTL = mustDuration("SYNC_LOCK_TTL")

	c.Audio.Dir = strings.TrimSpace(os.Getenv("AUDIO_DIR"))
	c.Audio.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("AUDIO_PUBLIC_BASE_URL")), "/")
	c.Audio.DownloadTimeout = mustDuration("AUDIO_DOWNLOAD_TIMEOUT")
	{
		n, err := optionalInt("AUDIO_MAX_BYTES")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Audio.MaxBytes = int64(n)
	}

	c.Normalizer.PathsFile = strings.TrimSpace(os.Getenv("NORMALIZER_PATHS_FILE"))
	c.HTTP.CORSAllowedOrigins = splitList(os.Getenv("CORS_ALLOWED_ORIGINS"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	switch c.App.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.App.LogLevel))
	}
	switch c.App.LogFormat {
	case "":
		c.App.LogFormat = "json"
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.App.LogFormat))
	}

	if c.DB.Driver == "" {
		c.DB.Driver = DriverPostgres
	}
	switch c.DB.Driver {
	case DriverPostgres:
		errs = append(errs, c.validatePostgres()...)
	case DriverSQLite:
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_DRIVER=sqlite is not allowed in production"))
		}
		if c.DB.SQLitePath == "" {
			c.DB.SQLitePath = "voicebridge.db"
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be one of postgres, sqlite, got %q", c.DB.Driver))
	}

	if c.Redis.Host == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("REDIS_HOST is required in production"))
		}
	} else {
		if c.Redis.Port == 0 {
			c.Redis.Port = 6379
		}
		if c.Redis.Port < 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
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

	if c.Providers.Vapi.APIKey == "" && c.Providers.Retell.APIKey == "" {
		errs = append(errs, errors.New("at least one of VAPI_API_KEY, RETELL_API_KEY is required"))
	}
	if c.Providers.Vapi.BaseURL == "" {
		c.Providers.Vapi.BaseURL = "https://api.vapi.ai"
	}
	if c.Providers.Retell.BaseURL == "" {
		c.Providers.Retell.BaseURL = "https://api.retellai.com"
	}
	if c.Providers.HTTPTimeout <= 0 {
		c.Providers.HTTPTimeout = 30 * time.Second
	}

	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 3
	}
	if c.Sync.MaxRetries < 0 || c.Sync.MaxRetries > 10 {
		errs = append(errs, fmt.Errorf("SYNC_MAX_RETRIES must be between 1 and 10, got %d", c.Sync.MaxRetries))
	}
	if c.Sync.BackoffBase <= 0 {
		c.Sync.BackoffBase = 2 * time.Second
	}
	if c.Sync.LockTTL <= 0 {
		c.Sync.LockTTL = 15 * time.Minute
	}

	if c.Audio.Dir == "" {
		c.Audio.Dir = "data/audio"
	}
	if c.Audio.DownloadTimeout <= 0 {
		c.Audio.DownloadTimeout = 30 * time.Second
	}
	if c.Audio.MaxBytes <= 0 {
		c.Audio.MaxBytes = 200 << 20
	}

	return joinErrors(errs)
}

func (c *Config) validatePostgres() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port == 0 {
		c.DB.Port = 5432
	}
	if c.DB.Port < 0 || c.DB.Port > 65535 {
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
			// Local-friendly default; production must be explicit.
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

// SQLDriver returns the database/sql driver name and DSN for the configured backend.
// Avoid logging the DSN; it contains secrets.
func (c Config) SQLDriver() (driverName, dsn string) {
	if c.DB.Driver == DriverSQLite {
		return "sqlite3", "file:" + c.DB.SQLitePath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}
	return "pgx", fmt.Sprintf(
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

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
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
