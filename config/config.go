package config

import (
	"fmt"
	"net"
	"os"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/nombers/test-sorter/errors"
	"github.com/nombers/test-sorter/pkg/tlsutil"
)

const (
	// DefaultPollInterval is how often the coordinator samples robot registers.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultPositionTimeout bounds a single scan-positioning move.
	DefaultPositionTimeout = 15 * time.Second

	// DefaultSortTimeout bounds a single pick-and-place iteration.
	DefaultSortTimeout = 45 * time.Second

	// DefaultPauseTimeout bounds the robot's travel to the home position.
	DefaultPauseTimeout = 30 * time.Second

	// DefaultRackCapacity is the physical slot count of a destination rack.
	DefaultRackCapacity = 50

	// DefaultPalletSize is the physical slot count of a source pallet.
	DefaultPalletSize = 50
)

// Duration wraps time.Duration so YAML values can be written as "45s" or
// "1m30s". Bare integers are taken as nanoseconds, matching time.Duration.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		d.Duration = parsed
	case int:
		d.Duration = time.Duration(v)
	case int64:
		d.Duration = time.Duration(v)
	case float64:
		d.Duration = time.Duration(v)
	default:
		return fmt.Errorf("invalid duration type %T", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler, emitting the "45s" form.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Config is the full work-cell configuration. Values are fixed at startup;
// there is no runtime reload.
type Config struct {
	Robot   RobotConfig   `yaml:"robot"`
	Scanner ScannerConfig `yaml:"scanner"`
	LIS     LISConfig     `yaml:"lis"`
	Racks   RacksConfig   `yaml:"racks"`
	NATS    NATSConfig    `yaml:"nats"`
	Gateway GatewayConfig `yaml:"gateway"`
	Audit   AuditConfig   `yaml:"audit"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// RobotConfig describes the sorting manipulator and the pacing of the
// register handshake.
type RobotConfig struct {
	// Address is the controller's TCP endpoint (host:port).
	Address string `yaml:"address"`

	// Name identifies the robot in logs and events.
	Name string `yaml:"name"`

	// Program is the controller-side program started for each cycle.
	Program string `yaml:"program"`

	PollInterval    Duration `yaml:"poll_interval"`
	PositionTimeout Duration `yaml:"position_timeout"`
	SortTimeout     Duration `yaml:"sort_timeout"`
	PauseTimeout    Duration `yaml:"pause_timeout"`
}

// Validate checks the robot section.
func (c *RobotConfig) Validate() error {
	if c.Address == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RobotConfig", "Validate", "address is required")
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return errors.WrapInvalid(err, "RobotConfig", "Validate", "address must be host:port")
	}
	if c.Program == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RobotConfig", "Validate", "program is required")
	}
	if c.PollInterval.Duration <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RobotConfig", "Validate", "poll_interval must be positive")
	}
	if c.PositionTimeout.Duration <= 0 || c.SortTimeout.Duration <= 0 || c.PauseTimeout.Duration <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RobotConfig", "Validate", "timeouts must be positive")
	}
	if c.PollInterval.Duration >= c.PositionTimeout.Duration {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RobotConfig", "Validate", "poll_interval must be shorter than position_timeout")
	}
	return nil
}

// ScannerConfig describes the TCP barcode scanner.
type ScannerConfig struct {
	// Address is the scanner's TCP endpoint (host:port).
	Address string `yaml:"address"`

	// ReadTimeout bounds a single trigger-to-barcode exchange.
	ReadTimeout Duration `yaml:"read_timeout"`

	// ConnectRetries is how many times to retry the initial connection.
	ConnectRetries int `yaml:"connect_retries"`
}

// Validate checks the scanner section.
func (c *ScannerConfig) Validate() error {
	if c.Address == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ScannerConfig", "Validate", "address is required")
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return errors.WrapInvalid(err, "ScannerConfig", "Validate", "address must be host:port")
	}
	if c.ReadTimeout.Duration <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ScannerConfig", "Validate", "read_timeout must be positive")
	}
	if c.ConnectRetries < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ScannerConfig", "Validate", "connect_retries must not be negative")
	}
	return nil
}

// LISConfig describes the laboratory information system endpoint used to
// resolve barcodes to test types.
type LISConfig struct {
	// BaseURL is the LIS API root, e.g. "http://lis.lab.local:8000".
	BaseURL string `yaml:"base_url"`

	// RequestTimeout bounds a single lookup request.
	RequestTimeout Duration `yaml:"request_timeout"`

	// Workers caps concurrent lookups within one scan batch.
	Workers int `yaml:"workers"`

	// RateLimit is the sustained request rate in requests per second.
	// Zero disables rate limiting.
	RateLimit float64 `yaml:"rate_limit"`

	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key,omitempty"`

	// CacheTTL keeps resolved test types this long, so a rescanned
	// tube does not hit the LIS again. Zero disables the cache.
	CacheTTL Duration `yaml:"cache_ttl"`

	// TLS configures the HTTPS client side for LIS endpoints behind
	// a lab-internal CA or mutual TLS.
	TLS tlsutil.ClientConfig `yaml:"tls,omitempty"`
}

// Validate checks the LIS section.
func (c *LISConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "LISConfig", "Validate", "base_url is required")
	}
	if c.RequestTimeout.Duration <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "LISConfig", "Validate", "request_timeout must be positive")
	}
	if c.Workers <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "LISConfig", "Validate", "workers must be positive")
	}
	if c.RateLimit < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "LISConfig", "Validate", "rate_limit must not be negative")
	}
	if c.CacheTTL.Duration < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "LISConfig", "Validate", "cache_ttl must not be negative")
	}
	return nil
}

// RackLayout assigns one destination rack position to a test type class.
type RackLayout struct {
	// ID is the physical rack position, counted from zero.
	ID int `yaml:"id"`

	// Class is the test type sorted into this rack ("pcr", "pcr-1",
	// "pcr-2" or "pcr-1+pcr-2").
	Class string `yaml:"class"`

	// Target is the fill level at which the rack is considered ready
	// for replacement. Must not exceed the rack capacity.
	Target int `yaml:"target"`
}

// RacksConfig describes the source pallets and the destination rack layout.
type RacksConfig struct {
	SourcePallets int `yaml:"source_pallets"`
	PalletSize    int `yaml:"pallet_size"`
	RackCapacity  int `yaml:"rack_capacity"`

	Layout []RackLayout `yaml:"layout"`
}

// Validate checks counts, capacities and layout structure. Class names are
// checked later when the inventory model is built from this section.
func (c *RacksConfig) Validate() error {
	if c.SourcePallets <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RacksConfig", "Validate", "source_pallets must be positive")
	}
	if c.PalletSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RacksConfig", "Validate", "pallet_size must be positive")
	}
	// The robot scans pallets row by row, five slots per row.
	if c.PalletSize%5 != 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RacksConfig", "Validate", "pallet_size must be a multiple of 5")
	}
	if c.RackCapacity <= 0 || c.RackCapacity > DefaultRackCapacity {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RacksConfig", "Validate",
			fmt.Sprintf("rack_capacity must be between 1 and %d", DefaultRackCapacity))
	}
	if len(c.Layout) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RacksConfig", "Validate", "layout must list at least one rack")
	}

	seen := make(map[int]bool, len(c.Layout))
	for _, rack := range c.Layout {
		if rack.ID < 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "RacksConfig", "Validate",
				fmt.Sprintf("rack id %d must not be negative", rack.ID))
		}
		if seen[rack.ID] {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "RacksConfig", "Validate",
				fmt.Sprintf("duplicate rack id %d", rack.ID))
		}
		seen[rack.ID] = true

		if rack.Class == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "RacksConfig", "Validate",
				fmt.Sprintf("rack %d has no class", rack.ID))
		}
		if rack.Target <= 0 || rack.Target > c.RackCapacity {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "RacksConfig", "Validate",
				fmt.Sprintf("rack %d target must be between 1 and %d", rack.ID, c.RackCapacity))
		}
	}
	return nil
}

// NATSConfig describes the event bus connection.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`

	// SubjectPrefix is the first token of every published subject.
	SubjectPrefix string `yaml:"subject_prefix"`

	// MaxReconnects of -1 retries forever.
	MaxReconnects int      `yaml:"max_reconnects"`
	ReconnectWait Duration `yaml:"reconnect_wait"`
	Timeout       Duration `yaml:"timeout"`
}

// Validate checks the NATS section. A disabled section is always valid.
func (c *NATSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "NATSConfig", "Validate", "url is required when enabled")
	}
	if !isValidSubjectToken(c.SubjectPrefix) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "NATSConfig", "Validate",
			fmt.Sprintf("subject_prefix %q is not a valid subject token", c.SubjectPrefix))
	}
	if c.Timeout.Duration <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "NATSConfig", "Validate", "timeout must be positive")
	}
	return nil
}

// isValidSubjectToken reports whether s can serve as a single NATS subject
// token. Wildcards and separators are rejected.
func isValidSubjectToken(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// GatewayConfig describes the HTTP status and WebSocket endpoint.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// EventBacklog is how many recent bus events the gateway keeps
	// for replay to late WebSocket subscribers. Zero uses the
	// gateway default.
	EventBacklog int `yaml:"event_backlog"`
}

// Validate checks the gateway section. A disabled section is always valid.
func (c *GatewayConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Address == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "GatewayConfig", "Validate", "address is required when enabled")
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return errors.WrapInvalid(err, "GatewayConfig", "Validate", "address must be host:port")
	}
	if c.EventBacklog < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "GatewayConfig", "Validate", "event_backlog must not be negative")
	}
	return nil
}

// AuditConfig describes the SQLite audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Validate checks the audit section. A disabled section is always valid.
func (c *AuditConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "AuditConfig", "Validate", "path is required when enabled")
	}
	return nil
}

// MetricsConfig describes the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Validate checks the metrics section. A disabled section is always valid.
func (c *MetricsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Address == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "MetricsConfig", "Validate", "address is required when enabled")
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return errors.WrapInvalid(err, "MetricsConfig", "Validate", "address must be host:port")
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Robot.Validate(); err != nil {
		return err
	}
	if err := c.Scanner.Validate(); err != nil {
		return err
	}
	if err := c.LIS.Validate(); err != nil {
		return err
	}
	if err := c.Racks.Validate(); err != nil {
		return err
	}
	if err := c.NATS.Validate(); err != nil {
		return err
	}
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	if err := c.Audit.Validate(); err != nil {
		return err
	}
	return c.Metrics.Validate()
}

// Default returns the configuration for the standard cell layout: two
// source pallets and seven destination racks behind the sorting robot.
func Default() *Config {
	return &Config{
		Robot: RobotConfig{
			Name:            "sorter",
			Program:         "Sorting_Robot",
			PollInterval:    Duration{DefaultPollInterval},
			PositionTimeout: Duration{DefaultPositionTimeout},
			SortTimeout:     Duration{DefaultSortTimeout},
			PauseTimeout:    Duration{DefaultPauseTimeout},
		},
		Scanner: ScannerConfig{
			ReadTimeout:    Duration{10 * time.Second},
			ConnectRetries: 3,
		},
		LIS: LISConfig{
			RequestTimeout: Duration{5 * time.Second},
			Workers:        5,
			RateLimit:      20,
			CacheTTL:       Duration{10 * time.Minute},
		},
		Racks: RacksConfig{
			SourcePallets: 2,
			PalletSize:    DefaultPalletSize,
			RackCapacity:  DefaultRackCapacity,
			Layout: []RackLayout{
				{ID: 0, Class: "pcr", Target: DefaultRackCapacity},
				{ID: 1, Class: "pcr-1", Target: DefaultRackCapacity},
				{ID: 2, Class: "pcr-1", Target: DefaultRackCapacity},
				{ID: 3, Class: "pcr-2", Target: DefaultRackCapacity},
				{ID: 4, Class: "pcr-2", Target: DefaultRackCapacity},
				{ID: 5, Class: "pcr-1+pcr-2", Target: DefaultRackCapacity},
				{ID: 6, Class: "pcr-1+pcr-2", Target: DefaultRackCapacity},
			},
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "tubesort",
			MaxReconnects: -1,
			ReconnectWait: Duration{2 * time.Second},
			Timeout:       Duration{5 * time.Second},
		},
		Gateway: GatewayConfig{
			Enabled:      true,
			Address:      ":8080",
			EventBacklog: 128,
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    "tubesort.db",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies TUBESORT_*
// environment overrides and validates the result. An empty path loads the
// defaults with overrides, which still fail validation until the robot,
// scanner and LIS endpoints are set.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := safeReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Config", "Load", "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse YAML")
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override the endpoints
// without editing the config file.
func applyEnvOverrides(cfg *Config) error {
	overrides := []struct {
		key    string
		target *string
	}{
		{"TUBESORT_ROBOT_ADDRESS", &cfg.Robot.Address},
		{"TUBESORT_SCANNER_ADDRESS", &cfg.Scanner.Address},
		{"TUBESORT_LIS_URL", &cfg.LIS.BaseURL},
		{"TUBESORT_LIS_API_KEY", &cfg.LIS.APIKey},
		{"TUBESORT_NATS_URL", &cfg.NATS.URL},
		{"TUBESORT_GATEWAY_ADDRESS", &cfg.Gateway.Address},
		{"TUBESORT_METRICS_ADDRESS", &cfg.Metrics.Address},
		{"TUBESORT_AUDIT_PATH", &cfg.Audit.Path},
	}

	for _, o := range overrides {
		value := os.Getenv(o.key)
		if value == "" {
			continue
		}
		if err := validateEnvVar(o.key, value); err != nil {
			return errors.WrapInvalid(err, "Config", "Load", "environment override")
		}
		*o.target = value
	}
	return nil
}
