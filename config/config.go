/*
config.go - Server configuration

PURPOSE:
  Collects everything cmd/server needs to start: listen port, database
  driver and DSN, optional Redis lock, logging, CORS and demo seeding.

PRECEDENCE (later wins):
  1. Defaults()
  2. .env file in the working directory (godotenv, missing file is fine)
  3. STOCKROOM_* environment variables
  4. Command-line flags

ENVIRONMENT:
  STOCKROOM_PORT            HTTP port (8080)
  STOCKROOM_DB_DRIVER       sqlite | postgres | mysql (sqlite)
  STOCKROOM_DB_DSN          driver DSN; for sqlite a file path or ":memory:"
  STOCKROOM_REDIS_ADDR      host:port; empty keeps locks in-process
  STOCKROOM_LOCK_TTL        Redis lock TTL (10s)
  STOCKROOM_LOCK_FALLBACK   fall back to in-process locks if Redis is down (false)
  STOCKROOM_LOG_LEVEL       logrus level (info)
  STOCKROOM_LOG_FORMAT      json | text (json)
  STOCKROOM_CORS_ORIGINS    comma-separated allowed origins (*)
  STOCKROOM_SEED            load the demo catalog on startup (false)

SEE ALSO:
  - logging.go: NewLogger / LogError
  - cmd/server/main.go
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/warp/stockroom/store/sqlstore"
)

const envPrefix = "STOCKROOM_"

// Config is the resolved server configuration.
type Config struct {
	Port         int
	DBDriver     string
	DBDSN        string
	RedisAddr    string
	LockTTL      time.Duration
	LockFallback bool
	LogLevel     string
	LogFormat    string
	CORSOrigins  []string
	Seed         bool
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Port:        8080,
		DBDriver:    "sqlite",
		DBDSN:       "stockroom.db",
		LockTTL:     10 * time.Second,
		LogLevel:    "info",
		LogFormat:   "json",
		CORSOrigins: []string{"*"},
	}
}

// Load resolves the configuration from .env, the environment and args
// (typically os.Args[1:]).
func Load(args []string) (Config, error) {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Defaults()
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.applyFlags(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) {
		var s string
		str(name, &s)
		if s == "" {
			return
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
			return
		}
		*dst = n
	}
	boolean := func(name string, dst *bool) {
		var s string
		str(name, &s)
		if s == "" {
			return
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
			return
		}
		*dst = b
	}
	duration := func(name string, dst *time.Duration) {
		var s string
		str(name, &s)
		if s == "" {
			return
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
			return
		}
		*dst = d
	}

	num("PORT", &c.Port)
	str("DB_DRIVER", &c.DBDriver)
	str("DB_DSN", &c.DBDSN)
	str("REDIS_ADDR", &c.RedisAddr)
	duration("LOCK_TTL", &c.LockTTL)
	boolean("LOCK_FALLBACK", &c.LockFallback)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	boolean("SEED", &c.Seed)

	var origins string
	str("CORS_ORIGINS", &origins)
	if origins != "" {
		c.CORSOrigins = splitList(origins)
	}
	return errors.Join(errs...)
}

func (c *Config) applyFlags(args []string) error {
	fs := flag.NewFlagSet("stockroom", flag.ContinueOnError)
	fs.IntVar(&c.Port, "port", c.Port, "HTTP server port")
	fs.StringVar(&c.DBDriver, "db-driver", c.DBDriver, "database driver: sqlite, postgres or mysql")
	fs.StringVar(&c.DBDSN, "db", c.DBDSN, `database DSN (sqlite: file path or ":memory:")`)
	fs.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "Redis address for cross-process key locks")
	fs.DurationVar(&c.LockTTL, "lock-ttl", c.LockTTL, "Redis lock TTL")
	fs.BoolVar(&c.LockFallback, "lock-fallback", c.LockFallback, "use in-process locks when Redis is unreachable")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: json or text")
	fs.BoolVar(&c.Seed, "seed", c.Seed, "load the demo catalog on startup")
	origins := fs.String("cors-origins", "", "comma-separated allowed CORS origins")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *origins != "" {
		c.CORSOrigins = splitList(*origins)
	}
	return nil
}

// Validate checks that the configuration can start a server.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if _, err := sqlstore.DialectFor(c.DBDriver); err != nil {
		errs = append(errs, err)
	}
	if c.DBDSN == "" {
		errs = append(errs, errors.New("database DSN is required"))
	}
	if c.RedisAddr != "" && c.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("lock TTL must be positive, got %s", c.LockTTL))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("log format %q must be json or text", c.LogFormat))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
