// Package config loads runtime settings from the environment and builds
// the shared logger.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

// Config holds runtime configuration for the ledger service.
type Config struct {
	Addr         string        `envconfig:"ADDR" default:":8080"`
	DBPath       string        `envconfig:"DB_PATH" default:"ledger.db"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
	Metrics     bool     `envconfig:"METRICS" default:"true"`
}

// Prefix namespaces every variable, e.g. LEDGER_DB_PATH.
const Prefix = "LEDGER"

// Load reads an optional .env file, then the LEDGER_* variables.
// Variables already set in the environment win over the file.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, err
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("LEDGER_LOG_LEVEL: %w", err)
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "text", "json":
	default:
		return nil, fmt.Errorf("LEDGER_LOG_FORMAT: want text or json, got %q", cfg.LogFormat)
	}
	return &cfg, nil
}

// NewLogger builds the logger every component shares.
func NewLogger(cfg *Config, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	if strings.ToLower(cfg.LogFormat) == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}
