// Package config loads the server's configuration file (spec.md §6): four
// scalars in key=value form, '#' comments, whitespace trimmed. A handful
// of ambient knobs not named by the spec — logging, the loopback metrics
// address — come from the environment instead, parsed with caarlos0/env
// the way the teacher server does it; the config file is reserved
// entirely for the scalars the spec lists, so it never collides with
// them.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the fully resolved, validated server configuration.
type Config struct {
	WorkerPoolSize       int
	StorageMaxFileNumber int
	StorageMaxSize       int64
	Backlog              int

	// SocketPath is fixed by the server build, never by the config file
	// (spec.md §6: "configuring it from file is explicitly rejected for
	// safety"). It is still overridable via environment for tests.
	SocketPath string

	Ambient Ambient
}

// Ambient holds knobs the spec never mentions: logging and the loopback
// HTTP server that exposes /metrics and /healthz (SPEC_FULL.md's
// supplemented observability surface). These come from the environment,
// not the config file.
type Ambient struct {
	LogLevel             string  `env:"FILESTORAGED_LOG_LEVEL" envDefault:"info"`
	LogPretty            bool    `env:"FILESTORAGED_LOG_PRETTY" envDefault:"false"`
	MetricsAddr          string  `env:"FILESTORAGED_METRICS_ADDR" envDefault:"127.0.0.1:9090"`
	ShutdownGraceSeconds int     `env:"FILESTORAGED_SHUTDOWN_GRACE_SECONDS" envDefault:"10"`
	AcceptRatePerSec     float64 `env:"FILESTORAGED_ACCEPT_RATE_PER_SEC" envDefault:"500"`
	AcceptBurst          int     `env:"FILESTORAGED_ACCEPT_BURST" envDefault:"500"`
}

const defaultSocketPath = "tmp/filestorageserver.sk"

var defaults = map[string]string{
	"WORKER_POOL_SIZE":        "5",
	"STORAGE_MAX_FILE_NUMBER": "1000",
	"STORAGE_MAX_SIZE":        "134217728",
	"BACKLOG":                 "32",
}

// Load reads path (the server's config file) and the process environment,
// applying defaults for any key the file omits, then validates the
// result.
func Load(path string) (Config, error) {
	values := make(map[string]string, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}

	if path != "" {
		parsed, err := parseFile(path)
		if err != nil {
			return Config{}, err
		}
		for k, v := range parsed {
			if k == "SOCKET_PATH" {
				return Config{}, fmt.Errorf("config: SOCKET_PATH may not be set from the config file")
			}
			values[k] = v
		}
	}

	cfg := Config{SocketPath: defaultSocketPath}

	var err error
	if cfg.WorkerPoolSize, err = atoi(values, "WORKER_POOL_SIZE"); err != nil {
		return Config{}, err
	}
	if cfg.StorageMaxFileNumber, err = atoi(values, "STORAGE_MAX_FILE_NUMBER"); err != nil {
		return Config{}, err
	}
	var maxSize int
	if maxSize, err = atoi(values, "STORAGE_MAX_SIZE"); err != nil {
		return Config{}, err
	}
	cfg.StorageMaxSize = int64(maxSize)
	if cfg.Backlog, err = atoi(values, "BACKLOG"); err != nil {
		return Config{}, err
	}

	if err := env.Parse(&cfg.Ambient); err != nil {
		return Config{}, fmt.Errorf("config: parsing ambient environment: %w", err)
	}

	if sp := os.Getenv("FILESTORAGED_SOCKET_PATH"); sp != "" {
		cfg.SocketPath = sp
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func atoi(values map[string]string, key string) (int, error) {
	n, err := strconv.Atoi(values[key])
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

// parseFile reads key=value pairs, '#' comments, blank lines, trimmed
// whitespace on both sides of '='. godotenv.Parse implements exactly this
// grammar for .env files, so the config file is parsed the same way and
// just reinterpreted as the server's own scalar set instead of process
// environment variables.
func parseFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	values, err := godotenv.Parse(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return values, nil
}

func (c *Config) validate() error {
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("config: WORKER_POOL_SIZE must be >= 1, got %d", c.WorkerPoolSize)
	}
	if c.StorageMaxFileNumber < 1 {
		return fmt.Errorf("config: STORAGE_MAX_FILE_NUMBER must be >= 1, got %d", c.StorageMaxFileNumber)
	}
	if c.StorageMaxSize < 1 {
		return fmt.Errorf("config: STORAGE_MAX_SIZE must be >= 1, got %d", c.StorageMaxSize)
	}
	if c.Backlog < 1 {
		return fmt.Errorf("config: BACKLOG must be >= 1, got %d", c.Backlog)
	}
	if strings.TrimSpace(c.SocketPath) == "" {
		return fmt.Errorf("config: socket path must not be empty")
	}
	return nil
}
