package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type shimConfig struct {
	ListenAddress   string
	CoreUrl         string
	StatusAddress   string
	FeatureTimeout  time.Duration
	Workers         int
	MaxSwitches     int
	AllowedSwitches []string
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadConfig parses flags whose defaults come from NETIDE_SHIM_* environment
// variables, so an explicit flag always wins over the environment.
func loadConfig(args []string, getenv func(string) string) (*shimConfig, error) {
	fs := flag.NewFlagSet("netide-shim", flag.ContinueOnError)

	featureTimeoutDefault, err := time.ParseDuration(envOr(getenv, "NETIDE_SHIM_FEATURE_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid NETIDE_SHIM_FEATURE_TIMEOUT: %w", err)
	}
	workersDefault, err := strconv.Atoi(envOr(getenv, "NETIDE_SHIM_WORKERS", "4"))
	if err != nil {
		return nil, fmt.Errorf("invalid NETIDE_SHIM_WORKERS: %w", err)
	}
	maxSwitchesDefault, err := strconv.Atoi(envOr(getenv, "NETIDE_SHIM_MAX_SWITCHES", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid NETIDE_SHIM_MAX_SWITCHES: %w", err)
	}

	listen := fs.String("listen", envOr(getenv, "NETIDE_SHIM_LISTEN", ":6653"), "TCP address switches connect to")
	coreUrl := fs.String("core-url", envOr(getenv, "NETIDE_SHIM_CORE_URL", "ws://127.0.0.1:5555/netip"), "WebSocket URL of the core message bus")
	statusAddr := fs.String("status-addr", getenv("NETIDE_SHIM_STATUS_ADDR"), "Address of the HTTP status API, empty to disable")
	featureTimeout := fs.Duration("feature-timeout", featureTimeoutDefault, "How long to wait for a switch features reply")
	workers := fs.Int("workers", workersDefault, "Number of switch event dispatch workers")
	maxSwitches := fs.Int("max-switches", maxSwitchesDefault, "Maximum number of connected switches, 0 for no limit")
	allowed := fs.String("allow-switch", getenv("NETIDE_SHIM_ALLOWED_SWITCHES"), "Comma separated switch IPs to accept, empty accepts all")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", *workers)
	}
	if *maxSwitches < 0 {
		return nil, fmt.Errorf("max switches must not be negative, got %d", *maxSwitches)
	}
	if *featureTimeout <= 0 {
		return nil, fmt.Errorf("feature timeout must be positive, got %s", *featureTimeout)
	}

	allowedSwitches := []string{}
	for _, host := range strings.Split(*allowed, ",") {
		if host = strings.TrimSpace(host); host != "" {
			allowedSwitches = append(allowedSwitches, host)
		}
	}

	return &shimConfig{
		ListenAddress:   *listen,
		CoreUrl:         *coreUrl,
		StatusAddress:   *statusAddr,
		FeatureTimeout:  *featureTimeout,
		Workers:         *workers,
		MaxSwitches:     *maxSwitches,
		AllowedSwitches: allowedSwitches,
	}, nil
}
