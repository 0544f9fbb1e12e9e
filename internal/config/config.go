// Package config loads gorfbd's startup configuration from environment
// variables with flag overrides, failing fast with an aggregate error when
// anything is invalid.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds gorfbd's startup configuration.
type Config struct {
	// Listen addresses
	TCPAddr string
	UnixAddr string
	WSAddr  string

	// Security
	EnableNone     bool
	EnableVNCAuth  bool
	EnableVeNCrypt bool
	EnableAppleDH  bool
	EnableRSAAES   bool
	VNCPassword    string
	TLSCertFile    string
	TLSKeyFile     string
	RSAPrivateKeyPath string

	// Encoder tuning
	DefaultQuality  int
	ZRLEWorkers     int
	TightWorkers    int

	// Admin control plane (internal/control)
	ControlAddr      string
	ControlSecret    string
	OperatorUser     string
	OperatorPassword string

	// Audit trail (internal/audit)
	AuditDBPath string

	// Logging
	LogLevel string
	LogJSON  bool
}

// ValidationError represents a single configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates multiple validation errors into one error.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Default values.
const (
	DefaultTCPAddr       = ":5900"
	DefaultControlAddr   = ":8080"
	DefaultAuditDBPath   = "gorfbd-audit.db"
	DefaultQuality       = 6
	DefaultZRLEWorkers   = 4
	DefaultTightWorkers  = 4
	DefaultLogLevel      = "info"
)

// Load reads configuration from environment variables, applies defaults,
// and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		TCPAddr:      DefaultTCPAddr,
		EnableNone:   true,
		ControlAddr:  DefaultControlAddr,
		AuditDBPath:  DefaultAuditDBPath,
		DefaultQuality: DefaultQuality,
		ZRLEWorkers:  DefaultZRLEWorkers,
		TightWorkers: DefaultTightWorkers,
		LogLevel:     DefaultLogLevel,
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	var parseErrors ValidationErrors

	if v := os.Getenv("GORFBD_TCP_ADDR"); v != "" {
		c.TCPAddr = v
	}
	if v := os.Getenv("GORFBD_UNIX_ADDR"); v != "" {
		c.UnixAddr = v
	}
	if v := os.Getenv("GORFBD_WS_ADDR"); v != "" {
		c.WSAddr = v
	}

	if v := os.Getenv("GORFBD_ENABLE_NONE"); v != "" {
		c.EnableNone = isTruthy(v)
	}
	if v := os.Getenv("GORFBD_ENABLE_VNCAUTH"); v != "" {
		c.EnableVNCAuth = isTruthy(v)
	}
	if v := os.Getenv("GORFBD_ENABLE_VENCRYPT"); v != "" {
		c.EnableVeNCrypt = isTruthy(v)
	}
	if v := os.Getenv("GORFBD_ENABLE_APPLE_DH"); v != "" {
		c.EnableAppleDH = isTruthy(v)
	}
	if v := os.Getenv("GORFBD_ENABLE_RSA_AES"); v != "" {
		c.EnableRSAAES = isTruthy(v)
	}
	if v := os.Getenv("GORFBD_VNC_PASSWORD"); v != "" {
		c.VNCPassword = v
	}
	if v := os.Getenv("GORFBD_TLS_CERT"); v != "" {
		c.TLSCertFile = v
	}
	if v := os.Getenv("GORFBD_TLS_KEY"); v != "" {
		c.TLSKeyFile = v
	}
	if v := os.Getenv("GORFBD_RSA_PRIVATE_KEY"); v != "" {
		c.RSAPrivateKeyPath = v
	}

	if v := os.Getenv("GORFBD_QUALITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{"GORFBD_QUALITY", fmt.Sprintf("invalid quality: %q (must be an integer)", v)})
		} else {
			c.DefaultQuality = n
		}
	}
	if v := os.Getenv("GORFBD_ZRLE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{"GORFBD_ZRLE_WORKERS", fmt.Sprintf("invalid worker count: %q", v)})
		} else {
			c.ZRLEWorkers = n
		}
	}
	if v := os.Getenv("GORFBD_TIGHT_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{"GORFBD_TIGHT_WORKERS", fmt.Sprintf("invalid worker count: %q", v)})
		} else {
			c.TightWorkers = n
		}
	}

	if v := os.Getenv("GORFBD_CONTROL_ADDR"); v != "" {
		c.ControlAddr = v
	}
	if v := os.Getenv("GORFBD_CONTROL_SECRET"); v != "" {
		c.ControlSecret = v
	}
	if v := os.Getenv("GORFBD_OPERATOR_USER"); v != "" {
		c.OperatorUser = v
	}
	if v := os.Getenv("GORFBD_OPERATOR_PASSWORD"); v != "" {
		c.OperatorPassword = v
	}
	if v := os.Getenv("GORFBD_AUDIT_DB"); v != "" {
		c.AuditDBPath = v
	}

	if v := os.Getenv("GORFBD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GORFBD_LOG_JSON"); v != "" {
		c.LogJSON = isTruthy(v)
	}

	if len(parseErrors) > 0 {
		return parseErrors
	}
	return nil
}

func isTruthy(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.TCPAddr == "" && c.UnixAddr == "" && c.WSAddr == "" {
		errs = append(errs, ValidationError{"GORFBD_TCP_ADDR", "at least one of TCP, Unix, or WebSocket listen address must be set"})
	}
	if c.EnableVNCAuth && c.VNCPassword == "" {
		errs = append(errs, ValidationError{"GORFBD_VNC_PASSWORD", "required when VNC auth is enabled"})
	}
	if c.EnableVeNCrypt && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		errs = append(errs, ValidationError{"GORFBD_TLS_CERT", "TLS cert and key are required when VeNCrypt is enabled"})
	}
	if c.EnableRSAAES && c.RSAPrivateKeyPath == "" {
		errs = append(errs, ValidationError{"GORFBD_RSA_PRIVATE_KEY", "required when RSA-AES is enabled"})
	}
	if c.DefaultQuality < 0 || c.DefaultQuality > 10 {
		errs = append(errs, ValidationError{"GORFBD_QUALITY", fmt.Sprintf("quality must be 0-10, got %d", c.DefaultQuality)})
	}
	if c.ZRLEWorkers < 1 {
		errs = append(errs, ValidationError{"GORFBD_ZRLE_WORKERS", "must be at least 1"})
	}
	if c.TightWorkers < 1 {
		errs = append(errs, ValidationError{"GORFBD_TIGHT_WORKERS", "must be at least 1"})
	}
	if c.AuditDBPath == "" {
		errs = append(errs, ValidationError{"GORFBD_AUDIT_DB", "audit database path cannot be empty"})
	}

	return errs
}

// MustLoad loads configuration and exits the process on failure, for use
// at process startup where configuration errors are fatal.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load configuration\n\n%s\n", err)
		os.Exit(1)
	}
	return cfg
}

// LoadWithFlags loads configuration from environment variables, then
// applies command-line flag overrides for the settings exposed as flags
// by cmd/gorfbd.
func LoadWithFlags(tcpAddr, controlAddr string, quality int) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if tcpAddr != "" && tcpAddr != DefaultTCPAddr {
		cfg.TCPAddr = tcpAddr
	}
	if controlAddr != "" && controlAddr != DefaultControlAddr {
		cfg.ControlAddr = controlAddr
	}
	if quality != 0 && quality != DefaultQuality {
		cfg.DefaultQuality = quality
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}

// ConnectTimeout bounds how long a client session may linger in the
// handshake before the server gives up. The protocol itself defines no
// timeouts; this is an operational guard for the example binary.
const ConnectTimeout = 30 * time.Second
