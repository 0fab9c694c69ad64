// Package config centralises runtime configuration for the adapter.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values may be written either as Go
// duration strings ("10s") or as integer seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, perr := time.ParseDuration(strings.TrimSpace(raw))
		if perr != nil {
			return fmt.Errorf("parse duration %q: %w", raw, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds int64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std converts to the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Environment identifies the runtime environment where the adapter operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Credentials captures one Bitstamp API credential set. CustomerID is the
// numeric Bitstamp account id that participates in request signing.
type Credentials struct {
	CustomerID  string `yaml:"customerId"`
	Key         string `yaml:"key"`
	Secret      string `yaml:"secret"`
	InternalKey string `yaml:"internalKey"`
}

// ExchangeSettings aggregates transport configuration for Bitstamp.
type ExchangeSettings struct {
	RESTBaseURL      string   `yaml:"restBaseUrl"`
	WebsocketURL     string   `yaml:"websocketUrl"`
	HTTPTimeout      Duration `yaml:"httpTimeout"`
	HandshakeTimeout Duration `yaml:"handshakeTimeout"`
}

// SinkSettings configures one downstream publishing target.
type SinkSettings struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
}

// OrderBookSettings configures the order book streaming pipeline.
type OrderBookSettings struct {
	Instruments          []string     `yaml:"instruments"`
	MaxEventsPerSecond   float64      `yaml:"maxEventsPerSecond"`
	RetryFloor           Duration     `yaml:"retryFloor"`
	RetryCap             Duration     `yaml:"retryCap"`
	StatsWindow          Duration     `yaml:"statsWindow"`
	OrderBooks           SinkSettings `yaml:"orderBooks"`
	TickPrices           SinkSettings `yaml:"tickPrices"`
	PublishRetryMaxTries int          `yaml:"publishRetryMaxTries"`
}

// DatabaseSettings configures the limit order persistence layer. An empty
// DSN selects the in-memory table.
type DatabaseSettings struct {
	DSN            string `yaml:"dsn"`
	MigrationsPath string `yaml:"migrationsPath"`
}

// TelemetrySettings configures the OTLP metric exporter.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings contains the adapter configuration tree loaded from defaults,
// an optional YAML file, and environment overrides.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	Exchange    ExchangeSettings  `yaml:"exchange"`
	Credentials []Credentials     `yaml:"credentials"`
	OrderBooks  OrderBookSettings `yaml:"orderBooks"`
	Database    DatabaseSettings  `yaml:"database"`
	Telemetry   TelemetrySettings `yaml:"telemetry"`
}

// Default returns the default adapter configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Exchange: ExchangeSettings{
			RESTBaseURL:      "https://www.bitstamp.net/api/v2",
			WebsocketURL:     "wss://ws.bitstamp.net",
			HTTPTimeout:      Duration(10 * time.Second),
			HandshakeTimeout: Duration(10 * time.Second),
		},
		Credentials: nil,
		OrderBooks: OrderBookSettings{
			Instruments:          []string{"btcusd"},
			MaxEventsPerSecond:   1,
			RetryFloor:           Duration(time.Second),
			RetryCap:             Duration(10 * time.Second),
			StatsWindow:          Duration(30 * time.Second),
			OrderBooks:           SinkSettings{Enabled: true, Name: "bitstamp.orderbooks"},
			TickPrices:           SinkSettings{Enabled: true, Name: "bitstamp.tickprices"},
			PublishRetryMaxTries: 5,
		},
		Database:  DatabaseSettings{DSN: "", MigrationsPath: "db/migrations"},
		Telemetry: TelemetrySettings{OTLPEndpoint: "", ServiceName: "bitstamp-adapter"},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error: defaults plus environment overrides apply.
func Load(path string) (Settings, bool, error) {
	cfg := Default()
	loaded := false
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		raw, err := os.ReadFile(trimmed)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Settings{}, false, fmt.Errorf("parse config %s: %w", trimmed, err)
			}
			loaded = true
		case os.IsNotExist(err):
		default:
			return Settings{}, false, fmt.Errorf("read config %s: %w", trimmed, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Settings{}, loaded, err
	}
	return cfg, loaded, nil
}

// FromEnv loads configuration from environment variables over the defaults.
func FromEnv() Settings {
	cfg := Default()
	applyEnv(&cfg)
	return cfg
}

func applyEnv(cfg *Settings) {
	if v := strings.TrimSpace(os.Getenv("BITSTAMP_ADAPTER_ENV")); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("BITSTAMP_REST_BASE_URL")); v != "" {
		cfg.Exchange.RESTBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("BITSTAMP_WS_URL")); v != "" {
		cfg.Exchange.WebsocketURL = v
	}
	if v := strings.TrimSpace(os.Getenv("BITSTAMP_HTTP_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Exchange.HTTPTimeout = Duration(dur)
		}
	}
	if v := strings.TrimSpace(os.Getenv("BITSTAMP_INSTRUMENTS")); v != "" {
		parts := strings.Split(v, ",")
		instruments := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.ToLower(strings.TrimSpace(p)); trimmed != "" {
				instruments = append(instruments, trimmed)
			}
		}
		if len(instruments) > 0 {
			cfg.OrderBooks.Instruments = instruments
		}
	}
	if v := strings.TrimSpace(os.Getenv("BITSTAMP_MAX_EVENTS_PER_SECOND")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.OrderBooks.MaxEventsPerSecond = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("BITSTAMP_DB_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("BITSTAMP_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if key := strings.TrimSpace(os.Getenv("BITSTAMP_API_KEY")); key != "" {
		cfg.Credentials = append(cfg.Credentials, Credentials{
			CustomerID:  strings.TrimSpace(os.Getenv("BITSTAMP_CUSTOMER_ID")),
			Key:         key,
			Secret:      os.Getenv("BITSTAMP_API_SECRET"),
			InternalKey: strings.TrimSpace(os.Getenv("BITSTAMP_INTERNAL_KEY")),
		})
	}
}

// Validate checks settings consistency before the adapter starts.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Exchange.RESTBaseURL) == "" {
		return fmt.Errorf("config: rest base url required")
	}
	if strings.TrimSpace(s.Exchange.WebsocketURL) == "" {
		return fmt.Errorf("config: websocket url required")
	}
	if len(s.OrderBooks.Instruments) == 0 {
		return fmt.Errorf("config: at least one instrument required")
	}
	if s.OrderBooks.MaxEventsPerSecond < 0 {
		return fmt.Errorf("config: maxEventsPerSecond must not be negative")
	}
	if s.OrderBooks.RetryFloor <= 0 || s.OrderBooks.RetryCap < s.OrderBooks.RetryFloor {
		return fmt.Errorf("config: retry floor/cap misconfigured")
	}
	for i, cred := range s.Credentials {
		if strings.TrimSpace(cred.Key) == "" || strings.TrimSpace(cred.Secret) == "" {
			return fmt.Errorf("config: credentials[%d] missing key or secret", i)
		}
	}
	return nil
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	cfg.Credentials = append([]Credentials(nil), base.Credentials...)
	cfg.OrderBooks.Instruments = append([]string(nil), base.OrderBooks.Instruments...)
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithRESTBaseURL overrides the Bitstamp REST base URL.
func WithRESTBaseURL(baseURL string) Option {
	baseURL = strings.TrimSpace(baseURL)
	return func(s *Settings) {
		if baseURL != "" {
			s.Exchange.RESTBaseURL = baseURL
		}
	}
}

// WithWebsocketURL overrides the Bitstamp push socket URL.
func WithWebsocketURL(wsURL string) Option {
	wsURL = strings.TrimSpace(wsURL)
	return func(s *Settings) {
		if wsURL != "" {
			s.Exchange.WebsocketURL = wsURL
		}
	}
}

// WithCredentials appends an API credential set.
func WithCredentials(creds Credentials) Option {
	return func(s *Settings) {
		if strings.TrimSpace(creds.Key) != "" {
			s.Credentials = append(s.Credentials, creds)
		}
	}
}

// WithInstruments replaces the subscribed instrument list.
func WithInstruments(instruments ...string) Option {
	return func(s *Settings) {
		cleaned := make([]string, 0, len(instruments))
		for _, in := range instruments {
			if trimmed := strings.ToLower(strings.TrimSpace(in)); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			s.OrderBooks.Instruments = cleaned
		}
	}
}
