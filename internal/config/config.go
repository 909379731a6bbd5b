package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gangwayhq/gangway/internal/paths"
)

// Config is the resolved configuration for the bridge daemon.
type Config struct {
	// StorePath is the SQLite record store location.
	StorePath string

	// SocketPath serves the protocol over a unix socket when set.
	SocketPath string

	// WSListen serves the protocol over WebSocket when set, e.g. ":8087".
	WSListen string

	// RequestTimeout bounds each correlated request.
	RequestTimeout time.Duration

	// QueueSize bounds the decoded-envelope work queue.
	QueueSize int

	// ResolveQPS rate-limits backing-store queries; zero disables.
	ResolveQPS float64

	// ResolveBurst is the store-query burst allowance.
	ResolveBurst int

	// DefaultLimit caps message-list replies without an explicit limit.
	DefaultLimit int
}

// Flags are CLI overrides; zero values mean "not set".
type Flags struct {
	StorePath  string
	SocketPath string
	WSListen   string
}

// Load resolves configuration: CLI flags over GANGWAY_* environment
// variables over defaults.
func Load(flags Flags) (*Config, error) {
	cfg := &Config{
		RequestTimeout: 30 * time.Second,
		QueueSize:      64,
		ResolveQPS:     0,
		ResolveBurst:   4,
		DefaultLimit:   100,
	}

	cfg.StorePath = os.Getenv("GANGWAY_STORE")
	cfg.SocketPath = os.Getenv("GANGWAY_SOCKET")
	cfg.WSListen = os.Getenv("GANGWAY_WS_LISTEN")

	if v := os.Getenv("GANGWAY_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("GANGWAY_REQUEST_TIMEOUT: %w", err)
		}
		cfg.RequestTimeout = d
	}
	if v := os.Getenv("GANGWAY_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("GANGWAY_QUEUE_SIZE: must be a positive integer, got %q", v)
		}
		cfg.QueueSize = n
	}
	if v := os.Getenv("GANGWAY_RESOLVE_QPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return nil, fmt.Errorf("GANGWAY_RESOLVE_QPS: must be a non-negative number, got %q", v)
		}
		cfg.ResolveQPS = f
	}
	if v := os.Getenv("GANGWAY_DEFAULT_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("GANGWAY_DEFAULT_LIMIT: must be a positive integer, got %q", v)
		}
		cfg.DefaultLimit = n
	}

	// CLI flags override everything.
	if flags.StorePath != "" {
		cfg.StorePath = flags.StorePath
	}
	if flags.SocketPath != "" {
		cfg.SocketPath = flags.SocketPath
	}
	if flags.WSListen != "" {
		cfg.WSListen = flags.WSListen
	}

	if cfg.StorePath == "" {
		if _, err := paths.EnsureDataDir(); err != nil {
			return nil, err
		}
		store, err := paths.StorePath()
		if err != nil {
			return nil, err
		}
		cfg.StorePath = store
	}

	return cfg, nil
}
