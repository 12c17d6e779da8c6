package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAMLWithDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  addr: ":9090"
delivery:
  provider: local
push:
  enabled: true
  endpoint: https://push.example.org/send
`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default log level, got %q", cfg.Logging.Level)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path == "" {
		t.Fatalf("expected sqlite defaults, got %+v", cfg.Storage)
	}
	if cfg.Push.BatchSize != 100 || cfg.Push.RatePerSec != 10 {
		t.Fatalf("expected push defaults, got %+v", cfg.Push)
	}
	if cfg.Digest.IndividualInterval != "30m" || cfg.Digest.DailyRunTimeUTC != "07:00" {
		t.Fatalf("expected digest defaults, got %+v", cfg.Digest)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  adress: ":9090"
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestValidateManagedRequiresGateway(t *testing.T) {
	cfg := &Config{}
	cfg.Delivery.Provider = ProviderManaged
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing gateway endpoint error")
	}
	cfg.Delivery.Gateway.Endpoint = "https://gw.example.org"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidatePushRequiresEndpoint(t *testing.T) {
	cfg := &Config{}
	cfg.Push.Enabled = true
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing push endpoint error")
	}
	cfg.Push.Endpoint = "https://push.example.org/send"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateDigestRequiresSMTP(t *testing.T) {
	cfg := &Config{}
	cfg.Digest.Enabled = true
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing smtp addr error")
	}
	cfg.SMTP.Addr = "mail.example.org:587"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestSendTimeoutDefaultsPerProvider(t *testing.T) {
	local := &Config{}
	local.ApplyDefaults()
	if got := local.SendTimeoutOrDefault(); got != 5*time.Second {
		t.Fatalf("local default = %v", got)
	}

	managed := &Config{}
	managed.Delivery.Provider = ProviderManaged
	managed.ApplyDefaults()
	if got := managed.SendTimeoutOrDefault(); got != 10*time.Second {
		t.Fatalf("managed default = %v", got)
	}

	explicit := &Config{}
	explicit.Delivery.SendTimeout = "2s"
	explicit.ApplyDefaults()
	if got := explicit.SendTimeoutOrDefault(); got != 2*time.Second {
		t.Fatalf("explicit = %v", got)
	}
}

func TestParseHHMM(t *testing.T) {
	cases := []struct {
		in      string
		h, m    int
		wantErr bool
	}{
		{in: "07:00", h: 7},
		{in: "23:59", h: 23, m: 59},
		{in: "0:5", h: 0, m: 5},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "noon", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		h, m, err := ParseHHMM(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseHHMM(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseHHMM(%q): %v", tc.in, err)
		}
		if h != tc.h || m != tc.m {
			t.Fatalf("ParseHHMM(%q) = %d:%d, want %d:%d", tc.in, h, m, tc.h, tc.m)
		}
	}
}
