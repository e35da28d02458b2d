// Package config loads server settings from defaults, an optional .env
// file, SCHOOL_LEDGER_* environment variables and bound command flags.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const EnvPrefix = "SCHOOL_LEDGER"

type Config struct {
	HTTP      HTTP
	DB        DB
	Auth      Auth
	CORS      CORS
	Log       Log
	Scheduler Scheduler
}

type HTTP struct {
	Port            int
	ShutdownTimeout time.Duration
}

type DB struct {
	// Driver is "sqlite3", "pgx" or "memory".
	Driver      string
	DSN         string
	MaxAttempts int
}

type Auth struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type CORS struct {
	Origins []string
}

type Log struct {
	Level  string
	Format string
}

type Scheduler struct {
	Enabled     bool
	OverdueSpec string
	DayBookSpec string
	// Branches are "schoolId/branchId" pairs the jobs run for.
	Branches []string
}

// New returns a viper instance with defaults and env binding applied.
// Callers bind flags into it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("db.driver", "sqlite3")
	v.SetDefault("db.dsn", "school-ledger.db")
	v.SetDefault("db.max_attempts", 5)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("cors.origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.overdue_spec", "15 0 * * *")
	v.SetDefault("scheduler.daybook_spec", "45 23 * * *")
	v.SetDefault("scheduler.branches", []string{})

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadDotEnv loads path into the process environment if it exists.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "stat %s", path)
	}
	return errors.Wrapf(godotenv.Load(path), "load %s", path)
}

// Load reads v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		HTTP: HTTP{
			Port:            v.GetInt("http.port"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		DB: DB{
			Driver:      v.GetString("db.driver"),
			DSN:         v.GetString("db.dsn"),
			MaxAttempts: v.GetInt("db.max_attempts"),
		},
		Auth: Auth{
			JWTSecret: v.GetString("auth.jwt_secret"),
			TokenTTL:  v.GetDuration("auth.token_ttl"),
		},
		CORS: CORS{Origins: splitList(v.GetStringSlice("cors.origins"))},
		Log: Log{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Scheduler: Scheduler{
			Enabled:     v.GetBool("scheduler.enabled"),
			OverdueSpec: v.GetString("scheduler.overdue_spec"),
			DayBookSpec: v.GetString("scheduler.daybook_spec"),
			Branches:    splitList(v.GetStringSlice("scheduler.branches")),
		},
	}
	return cfg, cfg.Validate()
}

// splitList accepts both repeated values and one comma separated env value.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite3", "pgx", "memory":
	default:
		return errors.Errorf("db.driver: unsupported driver %q", c.DB.Driver)
	}
	if c.DB.Driver != "memory" && c.DB.DSN == "" {
		return errors.New("db.dsn: required")
	}
	if c.DB.MaxAttempts < 1 {
		return errors.New("db.max_attempts: must be at least 1")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.Errorf("http.port: %d out of range", c.HTTP.Port)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errors.Errorf("log.format: %q is not text or json", c.Log.Format)
	}
	for _, b := range c.Scheduler.Branches {
		if parts := strings.Split(b, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return errors.Errorf("scheduler.branches: %q is not schoolId/branchId", b)
		}
	}
	return nil
}

// NewLogger builds the process logger from the log settings.
func (c *Config) NewLogger() *logrus.Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(c.Log.Level); err == nil {
		l.SetLevel(lvl)
	}
	if c.Log.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}
