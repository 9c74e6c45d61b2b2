package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDBPath        = "~/.selfstart/state.db"
	defaultAPIListenAddr = "0.0.0.0:8787"

	defaultStartupTimeout   = 120 * time.Second
	defaultReconcileWindow  = time.Second
	defaultReconcileTimeout = 500 * time.Millisecond
	defaultSweepInterval    = 5 * time.Second
	defaultMinUptime        = 5 * time.Minute

	defaultHealthPath     = "/health"
	defaultHealthInterval = 30 * time.Second
	defaultHealthTimeout  = 5 * time.Second

	defaultDiscoveryInterval = 30 * time.Second
)

// HealthCheck holds probe settings for one backend.
type HealthCheck struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ServerConfig captures the runtime configuration required by the daemon.
type ServerConfig struct {
	DatabasePath  string
	APIListenAddr string
	ServicesFile  string

	StartupTimeout   time.Duration
	ReconcileWindow  time.Duration
	ReconcileTimeout time.Duration
	SweepInterval    time.Duration

	// IdleTimeout of zero disables the inactivity reaper.
	IdleTimeout time.Duration
	MinUptime   time.Duration

	HealthDefaults HealthCheck

	DiscoveryEnabled  bool
	DiscoveryInterval time.Duration
}

// FromEnv loads server configuration from environment variables, applying
// opinionated defaults when unset.
func FromEnv() (ServerConfig, error) {
	cfg := ServerConfig{
		DatabasePath:      expandPath(getenv("SELFSTART_DB_PATH", defaultDBPath)),
		APIListenAddr:     getenv("SELFSTART_API_LISTEN", defaultAPIListenAddr),
		ServicesFile:      expandPath(os.Getenv("SELFSTART_SERVICES_FILE")),
		DiscoveryEnabled:  getenvBool("SELFSTART_DISCOVERY", false),
		DiscoveryInterval: defaultDiscoveryInterval,
		HealthDefaults: HealthCheck{
			Path:     getenv("SELFSTART_HEALTH_PATH", defaultHealthPath),
			Interval: defaultHealthInterval,
			Timeout:  defaultHealthTimeout,
		},
	}

	var err error
	if cfg.StartupTimeout, err = getenvDuration("SELFSTART_STARTUP_TIMEOUT", defaultStartupTimeout); err != nil {
		return ServerConfig{}, err
	}
	if cfg.ReconcileWindow, err = getenvDuration("SELFSTART_RECONCILE_WINDOW", defaultReconcileWindow); err != nil {
		return ServerConfig{}, err
	}
	if cfg.ReconcileTimeout, err = getenvDuration("SELFSTART_RECONCILE_TIMEOUT", defaultReconcileTimeout); err != nil {
		return ServerConfig{}, err
	}
	if cfg.SweepInterval, err = getenvDuration("SELFSTART_SWEEP_INTERVAL", defaultSweepInterval); err != nil {
		return ServerConfig{}, err
	}
	if cfg.IdleTimeout, err = getenvDuration("SELFSTART_IDLE_TIMEOUT", 0); err != nil {
		return ServerConfig{}, err
	}
	if cfg.MinUptime, err = getenvDuration("SELFSTART_MIN_UPTIME", defaultMinUptime); err != nil {
		return ServerConfig{}, err
	}
	if cfg.HealthDefaults.Interval, err = getenvDuration("SELFSTART_HEALTH_INTERVAL", defaultHealthInterval); err != nil {
		return ServerConfig{}, err
	}
	if cfg.HealthDefaults.Timeout, err = getenvDuration("SELFSTART_HEALTH_TIMEOUT", defaultHealthTimeout); err != nil {
		return ServerConfig{}, err
	}
	if cfg.DiscoveryInterval, err = getenvDuration("SELFSTART_DISCOVERY_INTERVAL", defaultDiscoveryInterval); err != nil {
		return ServerConfig{}, err
	}

	if cfg.StartupTimeout <= 0 {
		return ServerConfig{}, fmt.Errorf("startup timeout must be positive")
	}
	listenAddr := strings.TrimSpace(cfg.APIListenAddr)
	if listenAddr == "" {
		return ServerConfig{}, fmt.Errorf("api listen address required")
	}
	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid api listen address %q: %w", listenAddr, err)
	}
	cfg.APIListenAddr = listenAddr

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	// Bare integers are treated as seconds, matching the legacy knob format.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %q", key, v)
	}
	return d, nil
}

func expandPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return filepath.Clean(path)
}
