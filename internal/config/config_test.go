package config

import (
	"strings"
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:       AppConfig{Env: "local", Port: 8080},
		DB:        DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "voicebridge"},
		Auth:      AuthConfig{JWTSecret: "secret"},
		Providers: ProvidersConfig{Vapi: ProviderConfig{APIKey: "k"}},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLModeAndRedis(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "iss"
	c.Auth.JWTAudience = "aud"
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE and REDIS_HOST")
	}
	if !strings.Contains(err.Error(), "DB_SSLMODE") || !strings.Contains(err.Error(), "REDIS_HOST") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Sync.MaxRetries != 3 || c.Sync.BackoffBase != 2*time.Second {
		t.Fatalf("unexpected sync defaults: %+v", c.Sync)
	}
	if c.Providers.HTTPTimeout != 30*time.Second || c.Audio.DownloadTimeout != 30*time.Second {
		t.Fatalf("unexpected timeout defaults")
	}
	if c.Providers.Vapi.BaseURL == "" || c.Providers.Retell.BaseURL == "" {
		t.Fatalf("expected provider base url defaults")
	}
	if c.RedisEnabled() {
		t.Fatalf("redis should be disabled without REDIS_HOST")
	}
}

func TestValidate_SQLiteDriver(t *testing.T) {
	c := validLocal()
	c.DB = DBConfig{Driver: DriverSQLite}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	driver, dsn := c.SQLDriver()
	if driver != "sqlite3" || !strings.HasPrefix(dsn, "file:voicebridge.db") {
		t.Fatalf("unexpected driver/dsn: %s %s", driver, dsn)
	}

	c.App.Env = "production"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected sqlite rejected in production")
	}
}

func TestValidate_RequiresAProvider(t *testing.T) {
	c := validLocal()
	c.Providers = ProvidersConfig{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected provider key error")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/x.db")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("RETELL_API_KEY", "rk")
	t.Setenv("SYNC_MAX_RETRIES", "5")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.App.Port != 9090 || c.Sync.MaxRetries != 5 {
		t.Fatalf("unexpected values: %+v", c)
	}
	if len(c.HTTP.CORSAllowedOrigins) != 2 {
		t.Fatalf("expected 2 origins, got %v", c.HTTP.CORSAllowedOrigins)
	}
}

func TestLoad_RejectsBadInt(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "nope")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("VAPI_API_KEY", "k")
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidate_LogSettings(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.App.LogFormat != "json" {
		t.Fatalf("expected json log format by default, got %q", c.App.LogFormat)
	}

	c = validLocal()
	c.App.LogLevel = "verbose"
	c.App.LogFormat = "xml"
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error for bad log settings")
	}
	if !strings.Contains(err.Error(), "LOG_LEVEL") || !strings.Contains(err.Error(), "LOG_FORMAT") {
		t.Fatalf("unexpected error: %v", err)
	}
}
