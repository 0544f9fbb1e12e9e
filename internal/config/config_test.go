package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"GORFBD_TCP_ADDR", "GORFBD_UNIX_ADDR", "GORFBD_WS_ADDR",
		"GORFBD_ENABLE_NONE", "GORFBD_ENABLE_VNCAUTH", "GORFBD_ENABLE_VENCRYPT",
		"GORFBD_ENABLE_APPLE_DH", "GORFBD_ENABLE_RSA_AES", "GORFBD_VNC_PASSWORD",
		"GORFBD_TLS_CERT", "GORFBD_TLS_KEY", "GORFBD_RSA_PRIVATE_KEY",
		"GORFBD_QUALITY", "GORFBD_ZRLE_WORKERS", "GORFBD_TIGHT_WORKERS",
		"GORFBD_CONTROL_ADDR", "GORFBD_CONTROL_SECRET", "GORFBD_AUDIT_DB",
		"GORFBD_LOG_LEVEL", "GORFBD_LOG_JSON",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TCPAddr != DefaultTCPAddr {
		t.Errorf("TCPAddr = %q, want %q", cfg.TCPAddr, DefaultTCPAddr)
	}
	if !cfg.EnableNone {
		t.Error("EnableNone should default to true")
	}
	if cfg.DefaultQuality != DefaultQuality {
		t.Errorf("DefaultQuality = %d, want %d", cfg.DefaultQuality, DefaultQuality)
	}
}

func TestLoadRejectsNoListenAddresses(t *testing.T) {
	clearEnv(t)
	os.Setenv("GORFBD_TCP_ADDR", "")
	// Load starts from a default TCP addr, so simulate "none configured"
	// by constructing directly and validating.
	cfg := &Config{AuditDBPath: "x.db", ZRLEWorkers: 1, TightWorkers: 1}
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("expected validation error for missing listen addresses")
	}
}

func TestLoadRequiresVNCPasswordWhenEnabled(t *testing.T) {
	clearEnv(t)
	os.Setenv("GORFBD_ENABLE_VNCAUTH", "true")
	defer clearEnv(t)

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when VNC auth enabled without a password")
	}
}

func TestLoadWithFlagsOverridesTCPAddr(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadWithFlags(":5901", "", 0)
	if err != nil {
		t.Fatalf("LoadWithFlags() error = %v", err)
	}
	if cfg.TCPAddr != ":5901" {
		t.Errorf("TCPAddr = %q, want :5901", cfg.TCPAddr)
	}
}

func TestValidationErrorsFormatting(t *testing.T) {
	errs := ValidationErrors{{Field: "X", Message: "bad"}}
	if errs.Error() == "" {
		t.Fatal("expected non-empty error string")
	}
}
