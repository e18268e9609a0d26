package rpch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Addr != ":8080" {
		t.Errorf("Expected default addr :8080, got %s", config.Addr)
	}

	if !config.Multicore {
		t.Error("Expected multicore to be true by default")
	}

	if !config.ReusePort {
		t.Error("Expected ReusePort to be true by default")
	}

	if config.MaxConnections != 4096 {
		t.Errorf("Expected MaxConnections 4096, got %d", config.MaxConnections)
	}

	if config.Timeout != 3*time.Minute {
		t.Errorf("Expected Timeout 3m, got %v", config.Timeout)
	}

	if config.MaxAuthTimes != 10 {
		t.Errorf("Expected MaxAuthTimes 10, got %d", config.MaxAuthTimes)
	}

	if config.BlockAuthFail != time.Minute {
		t.Errorf("Expected BlockAuthFail 1m, got %v", config.BlockAuthFail)
	}

	if config.SupportTLS {
		t.Error("Expected SupportTLS to be false by default")
	}

	if config.Logger == nil {
		t.Error("Expected a default logger")
	}
}

func TestValidateNormalizesZeroValues(t *testing.T) {
	config := Config{}

	if err := config.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if config.Addr != ":8080" {
		t.Errorf("Expected addr :8080, got %s", config.Addr)
	}

	if config.MaxConnections != 4096 {
		t.Errorf("Expected MaxConnections 4096, got %d", config.MaxConnections)
	}

	if config.Timeout != 3*time.Minute {
		t.Errorf("Expected Timeout 3m, got %v", config.Timeout)
	}

	if config.Logger == nil {
		t.Error("Expected Validate to install a logger")
	}
}

func TestValidateRejectsTLSWithoutCertificate(t *testing.T) {
	config := Config{SupportTLS: true}

	if err := config.Validate(); err == nil {
		t.Error("Expected an error for TLS without certificate paths")
	}

	config.CertPath = "/etc/rpch/cert.pem"
	config.KeyPath = "/etc/rpch/key.pem"
	if err := config.Validate(); err != nil {
		t.Errorf("Expected TLS config with paths to validate, got %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpch.yaml")
	data := []byte("addr: \":10593\"\nmax_connections: 128\ntimeout: 90s\nmax_auth_times: 3\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.Addr != ":10593" {
		t.Errorf("Expected addr :10593, got %s", config.Addr)
	}

	if config.MaxConnections != 128 {
		t.Errorf("Expected MaxConnections 128, got %d", config.MaxConnections)
	}

	if config.Timeout != 90*time.Second {
		t.Errorf("Expected Timeout 90s, got %v", config.Timeout)
	}

	if config.MaxAuthTimes != 3 {
		t.Errorf("Expected MaxAuthTimes 3, got %d", config.MaxAuthTimes)
	}

	// untouched keys keep their defaults
	if !config.Multicore {
		t.Error("Expected Multicore default to survive loading")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected an error for a missing config file")
	}
}
