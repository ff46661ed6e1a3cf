package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by a cluster process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App   AppConfig
	DB    DBConfig
	Redis RedisConfig
	Auth  AuthConfig
	Queue QueueConfig
	Call  CallConfig
}

type AppConfig struct {
	Env  string
	Port int

	// ClusterID identifies this worker process in the sharded deployment.
	// It is written as the leader-lock value and stamped into queued requests.
	ClusterID string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for managed-Postgres posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

// QueueConfig sizes the queue coordinator.
// Defaults match the reference deployment; tune per shard count.
type QueueConfig struct {
	// Timeout is how long a pending request may sit in the queue before
	// the cleanup sweep purges it.
	Timeout time.Duration

	// ElectionInterval is how often each cluster attempts to acquire or
	// renew the leader lock.
	ElectionInterval time.Duration

	// LeaderTTL is the expiry on the leader lock. Must exceed the
	// election interval or leadership will flap.
	LeaderTTL time.Duration

	// CleanupInterval is how often expired queue entries are swept.
	CleanupInterval time.Duration

	// MatchInterval is how often the leader drains the queue looking for
	// pairable requests.
	MatchInterval time.Duration
}

// CallConfig sizes the call-state synchronizer.
type CallConfig struct {
	// CacheTTL is the expiry on every cached call key, refreshed on write.
	CacheTTL time.Duration

	// MaxDuration is the age at which the reconciliation sweep force-ends
	// a call whose normal end event was lost.
	MaxDuration time.Duration

	// SweepInterval is how often the reconciliation sweep runs.
	SweepInterval time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.ClusterID = strings.TrimSpace(os.Getenv("CLUSTER_ID"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")

	c.Queue.Timeout = mustDuration("QUEUE_TIMEOUT")
	c.Queue.ElectionInterval = mustDuration("QUEUE_ELECTION_INTERVAL")
	c.Queue.LeaderTTL = mustDuration("QUEUE_LEADER_TTL")
	c.Queue.CleanupInterval = mustDuration("QUEUE_CLEANUP_INTERVAL")
	c.Queue.MatchInterval = mustDuration("QUEUE_MATCH_INTERVAL")

	c.Call.CacheTTL = mustDuration("CALL_CACHE_TTL")
	c.Call.MaxDuration = mustDuration("CALL_MAX_DURATION")
	c.Call.SweepInterval = mustDuration("CALL_SWEEP_INTERVAL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

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
	if c.App.ClusterID == "" {
		errs = append(errs, errors.New("CLUSTER_ID is required"))
	}

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
	if strings.TrimSpace(c.DB.SSLMode) == "" {
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

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
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

	if c.Queue.Timeout <= 0 {
		c.Queue.Timeout = 30 * time.Minute
	}
	if c.Queue.ElectionInterval <= 0 {
		c.Queue.ElectionInterval = 15 * time.Second
	}
	if c.Queue.LeaderTTL <= 0 {
		c.Queue.LeaderTTL = 30 * time.Second
	}
	if c.Queue.CleanupInterval <= 0 {
		c.Queue.CleanupInterval = 5 * time.Minute
	}
	if c.Queue.MatchInterval <= 0 {
		c.Queue.MatchInterval = 3 * time.Second
	}
	if c.Queue.LeaderTTL <= c.Queue.ElectionInterval {
		errs = append(errs, errors.New("QUEUE_LEADER_TTL must be greater than QUEUE_ELECTION_INTERVAL"))
	}

	if c.Call.CacheTTL <= 0 {
		c.Call.CacheTTL = time.Hour
	}
	if c.Call.MaxDuration <= 0 {
		c.Call.MaxDuration = 4 * time.Hour
	}
	if c.Call.SweepInterval <= 0 {
		c.Call.SweepInterval = 5 * time.Minute
	}

	return joinErrors(errs)
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
