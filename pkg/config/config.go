package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Session store drivers.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	Env       string `validate:"oneof=development production test"`
	Port      int    `validate:"gte=1,lte=65535"`
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	Session  SessionConfig
	Token    TokenConfig
	Cookie   CookieConfig
	Password PasswordConfig
	CORS     CORSConfig
	Log      LogConfig
	Purge    PurgeConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// DSN renders the lib/pq keyword connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// URL renders the connection string in URL form, as expected by golang-migrate.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr is the host:port pair go-redis dials.
func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SessionConfig selects where refresh sessions live.
type SessionConfig struct {
	Store string `validate:"oneof=postgres redis"`
}

// TokenConfig holds signing material and lifetimes for access and refresh tokens.
// The grace and idempotency windows are kept tight so reuse detection stays meaningful.
type TokenConfig struct {
	Issuer            string
	AccessSecret      string        `validate:"required"`
	AccessExpiration  time.Duration `validate:"gte=1s"`
	RefreshSecret     string        `validate:"required,nefield=AccessSecret"`
	RefreshExpiration time.Duration `validate:"gte=24h,gtfield=AccessExpiration"`
	GraceWindow       time.Duration `validate:"gte=1s,lte=10s"`
	IdempotencyWindow time.Duration `validate:"gte=100ms,lte=5s"`
}

// CookieConfig describes the refresh credential cookie.
type CookieConfig struct {
	Name   string `validate:"required"`
	Path   string `validate:"required"`
	Secure bool
}

type PasswordConfig struct {
	BcryptCost int `validate:"gte=10,lte=15"`
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// PurgeConfig drives the housekeeping job that deletes dead sessions.
type PurgeConfig struct {
	Enabled   bool
	Interval  time.Duration
	Retention time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}
	durations := &durationReader{v: v}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.Session = SessionConfig{Store: strings.ToLower(v.GetString("SESSION_STORE"))}

	cfg.Token = TokenConfig{
		Issuer:            v.GetString("TOKEN_ISSUER"),
		AccessSecret:      v.GetString("ACCESS_TOKEN_SECRET"),
		AccessExpiration:  durations.get("ACCESS_TOKEN_EXPIRATION"),
		RefreshSecret:     v.GetString("REFRESH_TOKEN_SECRET"),
		RefreshExpiration: durations.get("REFRESH_TOKEN_EXPIRATION"),
		GraceWindow:       durations.get("REFRESH_GRACE_WINDOW"),
		IdempotencyWindow: durations.get("REFRESH_IDEMPOTENCY_WINDOW"),
	}

	cfg.Cookie = CookieConfig{
		Name:   v.GetString("COOKIE_NAME"),
		Path:   v.GetString("COOKIE_PATH"),
		Secure: v.GetBool("COOKIE_SECURE") || cfg.Env == EnvProduction,
	}

	cfg.Password = PasswordConfig{BcryptCost: v.GetInt("BCRYPT_COST")}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Purge = PurgeConfig{
		Enabled:   v.GetBool("ENABLE_SESSION_PURGE"),
		Interval:  durations.get("SESSION_PURGE_INTERVAL"),
		Retention: durations.get("SESSION_PURGE_RETENTION"),
	}

	if err := durations.err(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate enforces the bounds the session subsystem relies on.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	// updated_at only moves on rotation, so a shorter retention would purge idle sessions
	// whose refresh tokens are still valid.
	if c.Purge.Enabled && c.Purge.Retention < c.Token.RefreshExpiration {
		return fmt.Errorf("invalid configuration: SESSION_PURGE_RETENTION %s is shorter than REFRESH_TOKEN_EXPIRATION %s",
			c.Purge.Retention, c.Token.RefreshExpiration)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "auth_sessions")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("SESSION_STORE", StorePostgres)

	v.SetDefault("TOKEN_ISSUER", "auth-session-api")
	v.SetDefault("ACCESS_TOKEN_SECRET", "dev_access_secret")
	v.SetDefault("ACCESS_TOKEN_EXPIRATION", "15m")
	v.SetDefault("REFRESH_TOKEN_SECRET", "dev_refresh_secret")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")
	v.SetDefault("REFRESH_GRACE_WINDOW", "5s")
	v.SetDefault("REFRESH_IDEMPOTENCY_WINDOW", "1s")

	v.SetDefault("COOKIE_NAME", "refresh-token")
	v.SetDefault("COOKIE_PATH", "/")
	v.SetDefault("COOKIE_SECURE", false)

	v.SetDefault("BCRYPT_COST", 10)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENABLE_SESSION_PURGE", true)
	v.SetDefault("SESSION_PURGE_INTERVAL", "1h")
	v.SetDefault("SESSION_PURGE_RETENTION", "720h")
}

// durationReader parses duration keys and keeps every malformed value instead of
// silently substituting a default.
type durationReader struct {
	v    *viper.Viper
	errs []error
}

func (r *durationReader) get(key string) time.Duration {
	raw := strings.TrimSpace(r.v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return 0
	}
	return d
}

func (r *durationReader) err() error {
	return errors.Join(r.errs...)
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
