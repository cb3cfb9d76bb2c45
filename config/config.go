/*
Package config loads runtime configuration from the environment.

PURPOSE:
  One Configuration struct, parsed from environment variables (with .env
  file support for development), owning the process-wide logger. Every
  binary entry point calls config.Use() once and threads the result down.

ENVIRONMENT:
  PORT                  HTTP listen port (default 8080)
  DB_PATH               SQLite database path (default ./data/comp.db)
  LOG_LEVEL             silent|error|warn|info|debug (default info)
  GO_APP_ENV            development|production (default development)
  AUTHZ_MODE            disabled|shadow|enforce (default shadow)
  AUTHZ_POLICY_PATH     optional casbin CSV policy file
  SCHEDULER_ENABLED     auto-create monthly draft runs (default true)
  SCHEDULER_HOUR_UTC    hour of day the scheduler fires (default 2)
  FNF_GRACE_DAYS        default departure grace window (default 90)
*/
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const Production = "production"

var singleton = sync.OnceValues(func() (*Configuration, error) {
	c := &Configuration{}
	if err := c.load([]string{".env", ".env.local"}); err != nil {
		return nil, err
	}
	return c, nil
})

// LoadEnv loads whichever of the given .env files exist. Missing files are
// not an error; a clean environment is a valid one.
func LoadEnv(envFiles []string) (int, error) {
	existing := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

type Configuration struct {
	ServerPort       int    `env:"PORT" envDefault:"8080"`
	DatabasePath     string `env:"DB_PATH" envDefault:"./data/comp.db"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`

	AuthzMode       string `env:"AUTHZ_MODE" envDefault:"shadow"`
	AuthzPolicyPath string `env:"AUTHZ_POLICY_PATH" envDefault:""`

	SchedulerEnabled bool `env:"SCHEDULER_ENABLED" envDefault:"true"`
	SchedulerHourUTC int  `env:"SCHEDULER_HOUR_UTC" envDefault:"2"`

	FnfGraceDays int `env:"FNF_GRACE_DAYS" envDefault:"90"`

	SocketAddress string `env:"-"`

	logger *logrus.Logger
}

// Use returns the process-wide configuration, loading it on first call.
func Use() (*Configuration, error) {
	return singleton()
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	switch c.LogLevel {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

func (c *Configuration) load(envFiles []string) error {
	if _, err := LoadEnv(envFiles); err != nil {
		return err
	}
	if err := env.Parse(c); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(c.AuthzMode)) {
	case "disabled", "shadow", "enforce":
		c.AuthzMode = strings.ToLower(strings.TrimSpace(c.AuthzMode))
	default:
		return fmt.Errorf("invalid AUTHZ_MODE=%q (expected disabled|shadow|enforce)", c.AuthzMode)
	}
	if c.SchedulerHourUTC < 0 || c.SchedulerHourUTC > 23 {
		return fmt.Errorf("invalid SCHEDULER_HOUR_UTC=%d (expected 0-23)", c.SchedulerHourUTC)
	}
	if c.FnfGraceDays <= 0 {
		return fmt.Errorf("invalid FNF_GRACE_DAYS=%d (must be positive)", c.FnfGraceDays)
	}

	logger := logrus.New()
	logger.SetLevel(c.LogrusLogLevel())
	if c.GoAppEnvironment == Production {
		logger.SetFormatter(&logrus.JSONFormatter{})
		c.SocketAddress = fmt.Sprintf(":%d", c.ServerPort)
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		c.SocketAddress = fmt.Sprintf("localhost:%d", c.ServerPort)
	}
	c.logger = logger

	return nil
}
