package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default settings should validate: %v", err)
	}
	if cfg.Exchange.RESTBaseURL != "https://www.bitstamp.net/api/v2" {
		t.Fatalf("unexpected default rest url %q", cfg.Exchange.RESTBaseURL)
	}
	if len(cfg.OrderBooks.Instruments) != 1 || cfg.OrderBooks.Instruments[0] != "btcusd" {
		t.Fatalf("unexpected default instruments %v", cfg.OrderBooks.Instruments)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adapter.yaml")
	raw := `
environment: dev
exchange:
  restBaseUrl: https://sandbox.example.net/api/v2
  httpTimeout: 5s
orderBooks:
  instruments: [btcusd, etheur]
  maxEventsPerSecond: 2
credentials:
  - customerId: "991234"
    key: apikey
    secret: topsecret
    internalKey: internal-1
database:
  dsn: postgres://localhost/adapter
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !loaded {
		t.Fatal("expected file to be reported as loaded")
	}
	if cfg.Environment != EnvDev {
		t.Fatalf("expected dev environment, got %q", cfg.Environment)
	}
	if cfg.Exchange.RESTBaseURL != "https://sandbox.example.net/api/v2" {
		t.Fatalf("rest url not overridden: %q", cfg.Exchange.RESTBaseURL)
	}
	if cfg.Exchange.HTTPTimeout.Std() != 5*time.Second {
		t.Fatalf("http timeout not overridden: %v", cfg.Exchange.HTTPTimeout)
	}
	if cfg.Exchange.WebsocketURL != Default().Exchange.WebsocketURL {
		t.Fatalf("websocket url should keep default, got %q", cfg.Exchange.WebsocketURL)
	}
	if len(cfg.OrderBooks.Instruments) != 2 || cfg.OrderBooks.Instruments[1] != "etheur" {
		t.Fatalf("instruments not overridden: %v", cfg.OrderBooks.Instruments)
	}
	if len(cfg.Credentials) != 1 || cfg.Credentials[0].CustomerID != "991234" {
		t.Fatalf("credentials not loaded: %+v", cfg.Credentials)
	}
	if cfg.Database.DSN != "postgres://localhost/adapter" {
		t.Fatalf("dsn not loaded: %q", cfg.Database.DSN)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, loaded, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing config file should not fail: %v", err)
	}
	if loaded {
		t.Fatal("missing file must not be reported as loaded")
	}
	if cfg.Exchange.RESTBaseURL != Default().Exchange.RESTBaseURL {
		t.Fatalf("expected defaults, got %q", cfg.Exchange.RESTBaseURL)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BITSTAMP_REST_BASE_URL", "https://env.example.net/api/v2")
	t.Setenv("BITSTAMP_INSTRUMENTS", "BTCUSD, ethusd ,")
	t.Setenv("BITSTAMP_API_KEY", "env-key")
	t.Setenv("BITSTAMP_API_SECRET", "env-secret")
	t.Setenv("BITSTAMP_CUSTOMER_ID", "42")

	cfg := FromEnv()
	if cfg.Exchange.RESTBaseURL != "https://env.example.net/api/v2" {
		t.Fatalf("env rest url not applied: %q", cfg.Exchange.RESTBaseURL)
	}
	if len(cfg.OrderBooks.Instruments) != 2 || cfg.OrderBooks.Instruments[0] != "btcusd" {
		t.Fatalf("env instruments not normalised: %v", cfg.OrderBooks.Instruments)
	}
	if len(cfg.Credentials) != 1 || cfg.Credentials[0].Key != "env-key" || cfg.Credentials[0].CustomerID != "42" {
		t.Fatalf("env credentials not applied: %+v", cfg.Credentials)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"empty rest url", func(s *Settings) { s.Exchange.RESTBaseURL = " " }},
		{"no instruments", func(s *Settings) { s.OrderBooks.Instruments = nil }},
		{"negative rate", func(s *Settings) { s.OrderBooks.MaxEventsPerSecond = -1 }},
		{"cap below floor", func(s *Settings) { s.OrderBooks.RetryCap = s.OrderBooks.RetryFloor / 2 }},
		{"credential missing secret", func(s *Settings) {
			s.Credentials = []Credentials{{Key: "k", Secret: ""}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestApplyOptionsDoesNotMutateBase(t *testing.T) {
	base := Default()
	derived := Apply(base,
		WithEnvironment(EnvStaging),
		WithInstruments("xrpusd"),
		WithCredentials(Credentials{Key: "k", Secret: "s"}),
	)
	if derived.Environment != EnvStaging {
		t.Fatalf("option not applied: %q", derived.Environment)
	}
	if len(derived.OrderBooks.Instruments) != 1 || derived.OrderBooks.Instruments[0] != "xrpusd" {
		t.Fatalf("instruments option not applied: %v", derived.OrderBooks.Instruments)
	}
	if len(base.Credentials) != 0 {
		t.Fatalf("base settings mutated: %+v", base.Credentials)
	}
	if base.OrderBooks.Instruments[0] != "btcusd" {
		t.Fatalf("base instruments mutated: %v", base.OrderBooks.Instruments)
	}
}
