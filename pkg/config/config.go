// Package config holds the environment-derived server configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AuthMode selects how RPC and stream callers are authenticated.
type AuthMode string

const (
	// AuthTrustedLocal trusts every caller because the server only binds a
	// loopback interface. This is the default for local-first use.
	AuthTrustedLocal AuthMode = "trusted_local"
	// AuthToken requires a shared bearer token on every request.
	AuthToken AuthMode = "token"
)

// Default values applied when the corresponding environment variable is unset.
const (
	DefaultHost                  = "127.0.0.1"
	DefaultPort                  = 3000
	DefaultServedBy              = "ralph-api"
	DefaultIdempotencyTTLSecs    = 3600
	DefaultLoopProcessIntervalMS = 30000
	DefaultRalphCommand          = "ralph"
)

// ApiConfig is the full server configuration.
type ApiConfig struct {
	Host                string
	Port                int
	ServedBy            string
	AuthMode            AuthMode
	Token               string
	IdempotencyTTL      time.Duration
	WorkspaceRoot       string
	LoopProcessInterval time.Duration
	RalphCommand        string
}

// FromEnv builds an ApiConfig from RALPH_API_* environment variables,
// falling back to defaults, and validates the result.
func FromEnv() (ApiConfig, error) {
	cfg := Default()

	cfg.Host = getEnv("RALPH_API_HOST", cfg.Host)
	cfg.ServedBy = getEnv("RALPH_API_SERVED_BY", cfg.ServedBy)
	cfg.Token = getEnv("RALPH_API_TOKEN", cfg.Token)
	cfg.RalphCommand = getEnv("RALPH_API_RALPH_COMMAND", cfg.RalphCommand)

	if raw := os.Getenv("RALPH_API_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 0 || port > 65535 {
			return cfg, fmt.Errorf("invalid RALPH_API_PORT %q", raw)
		}
		cfg.Port = port
	}

	if raw := os.Getenv("RALPH_API_AUTH_MODE"); raw != "" {
		mode, err := ParseAuthMode(raw)
		if err != nil {
			return cfg, err
		}
		cfg.AuthMode = mode
	}

	if raw := os.Getenv("RALPH_API_IDEMPOTENCY_TTL_SECS"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || secs < 0 {
			return cfg, fmt.Errorf("invalid RALPH_API_IDEMPOTENCY_TTL_SECS %q", raw)
		}
		cfg.IdempotencyTTL = time.Duration(secs) * time.Second
	}

	if raw := os.Getenv("RALPH_API_LOOP_PROCESS_INTERVAL_MS"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			return cfg, fmt.Errorf("invalid RALPH_API_LOOP_PROCESS_INTERVAL_MS %q", raw)
		}
		cfg.LoopProcessInterval = time.Duration(ms) * time.Millisecond
	}

	if raw := os.Getenv("RALPH_API_WORKSPACE_ROOT"); raw != "" {
		cfg.WorkspaceRoot = raw
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return cfg, fmt.Errorf("failed resolving workspace root: %w", err)
		}
		cfg.WorkspaceRoot = wd
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Default returns the built-in configuration. WorkspaceRoot is left empty;
// FromEnv resolves it to the working directory.
func Default() ApiConfig {
	return ApiConfig{
		Host:                DefaultHost,
		Port:                DefaultPort,
		ServedBy:            DefaultServedBy,
		AuthMode:            AuthTrustedLocal,
		IdempotencyTTL:      DefaultIdempotencyTTLSecs * time.Second,
		LoopProcessInterval: DefaultLoopProcessIntervalMS * time.Millisecond,
		RalphCommand:        DefaultRalphCommand,
	}
}

// ParseAuthMode converts a raw mode string into an AuthMode.
func ParseAuthMode(raw string) (AuthMode, error) {
	switch AuthMode(strings.TrimSpace(raw)) {
	case AuthTrustedLocal:
		return AuthTrustedLocal, nil
	case AuthToken:
		return AuthToken, nil
	default:
		return "", fmt.Errorf("unsupported auth mode %q (expected trusted_local or token)", raw)
	}
}

// Validate enforces the cross-field constraints:
// token mode needs a token, trusted_local mode needs a loopback bind host.
func (c ApiConfig) Validate() error {
	switch c.AuthMode {
	case AuthToken:
		if strings.TrimSpace(c.Token) == "" {
			return fmt.Errorf("auth mode 'token' requires RALPH_API_TOKEN to be set")
		}
	case AuthTrustedLocal:
		if !IsLoopbackHost(c.Host) {
			return fmt.Errorf("auth mode 'trusted_local' requires a loopback host, got %q", c.Host)
		}
	default:
		return fmt.Errorf("unsupported auth mode %q", c.AuthMode)
	}
	return nil
}

// BindAddr returns the host:port string to bind, bracketing IPv6 literals.
func (c ApiConfig) BindAddr() string {
	return BindAddrString(c.Host, c.Port)
}

// BindAddrString formats a host+port into a bind address string.
//
// IPv6 addresses must be wrapped in brackets so the port is unambiguous:
// "::1" becomes "[::1]:3000". Already-bracketed hosts (e.g. "[::1]") are
// left as-is to prevent double-wrapping. IPv4 and hostnames are unchanged.
func BindAddrString(host string, port int) string {
	trimmed := strings.TrimSpace(host)
	switch {
	case strings.HasPrefix(trimmed, "["):
		return fmt.Sprintf("%s:%d", trimmed, port)
	case strings.Contains(trimmed, ":"):
		return fmt.Sprintf("[%s]:%d", trimmed, port)
	default:
		return fmt.Sprintf("%s:%d", trimmed, port)
	}
}

// IsLoopbackHost reports whether host names a loopback interface.
// Brackets around IPv6 literals are tolerated.
func IsLoopbackHost(host string) bool {
	trimmed := strings.Trim(strings.TrimSpace(host), "[]")
	switch trimmed {
	case "127.0.0.1", "localhost", "::1":
		return true
	default:
		return false
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
