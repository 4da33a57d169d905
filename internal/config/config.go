// Package config provides configuration loading, validation, and hot-reload
// for the OHT-50 master module firmware.
//
// Configuration file: /etc/oht50/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - The daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only: the safety zone thresholds
//     (zone profile 0). Other fields, log level included, take effect
//     only on restart.
//   - Destructive changes (DB path, bus device path, HTTP bind address)
//     require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (periods, deadlines, zone ordering).
//   - File paths must be non-empty (they are not checked for being absolute).
//   - Invalid config on startup: daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the OHT-50 firmware.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this master module instance. Used in log fields
	// and the storage ledger. Default: hostname.
	NodeID string `yaml:"node_id"`

	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Control       ControlConfig       `yaml:"control"`
	Safety        SafetyConfig        `yaml:"safety"`
	Bus           BusConfig           `yaml:"bus"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	API           APIConfig           `yaml:"api"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// SchedulerConfig configures the fixed-priority task dispatcher.
type SchedulerConfig struct {
	// Capacity is the maximum number of tasks the table can hold.
	// Default: 32.
	Capacity int `yaml:"capacity"`

	// Tick is the dispatcher's base polling interval. Default: 1ms.
	Tick time.Duration `yaml:"tick"`
}

// ControlConfig configures the 1kHz control loop.
type ControlConfig struct {
	// Period and Deadline are validated (Period > 0, Deadline >= Period)
	// but not applied: the control loop always runs at the fixed
	// control.Period and control.Deadline (1ms). Default: 1ms each.
	Period time.Duration `yaml:"period"`

	Deadline time.Duration `yaml:"deadline"`

	// LatencyBufferSize is the ring buffer depth for jitter statistics.
	// Default: 1000.
	LatencyBufferSize int `yaml:"latency_buffer_size"`

	// Strategy selects the registered contrib.Strategy used to compute
	// actuation commands. Default: "hold-position".
	Strategy string `yaml:"strategy"`
}

// SafetyConfig configures the safety monitor's zone thresholds and check
// cadences.
type SafetyConfig struct {
	// EmergencyMM, WarningMM, SafeMM are the default zone profile
	// thresholds in millimetres, required to satisfy
	// 0 < EmergencyMM < WarningMM < SafeMM. Defaults: 500/1000/2000.
	EmergencyMM float64 `yaml:"emergency_mm"`
	WarningMM   float64 `yaml:"warning_mm"`
	SafeMM      float64 `yaml:"safe_mm"`

	// ZonePeriod sets the cadence of the daemon's zone-check task; zero
	// means the safety package default (safety.ZonePeriod).
	// InterlockPeriod, SensorPeriod and WatchdogPeriod are not read: the
	// safety monitor always uses its own package constants for those checks.
	ZonePeriod      time.Duration `yaml:"zone_period"`
	InterlockPeriod time.Duration `yaml:"interlock_period"`
	SensorPeriod    time.Duration `yaml:"sensor_period"`
	WatchdogPeriod  time.Duration `yaml:"watchdog_period"`
}

// BusConfig configures the field-bus transport and its register cache.
type BusConfig struct {
	// DevicePath is the serial device for the RS485 transport.
	// Default: /dev/ttyOHT485.
	DevicePath string `yaml:"device_path"`

	// BaudRate is the RS485 line rate. Default: 115200.
	BaudRate int `yaml:"baud_rate"`

	// CacheMaxAge bounds how long a cached register read may be served
	// before the next read falls through to the transport. Default: 20ms.
	CacheMaxAge time.Duration `yaml:"cache_max_age"`
}

// StorageConfig holds BoltDB parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB file.
	// Default: /var/lib/oht50/oht50.db.
	DBPath string `yaml:"db_path"`

	// LedgerRetentionDays is the safety-transition ledger retention
	// period. Default: 30.
	LedgerRetentionDays int `yaml:"ledger_retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// APIConfig configures the HTTP read/write surface and WebSocket telemetry.
type APIConfig struct {
	// ListenAddr is the HTTP bind address. Default: 0.0.0.0:8080.
	ListenAddr string `yaml:"listen_addr"`

	// BearerToken authenticates write requests. Read requests on the
	// public status endpoints do not require it. Empty disables auth,
	// which Validate refuses outside of an explicit opt-in.
	BearerToken string `yaml:"bearer_token"`

	// AllowInsecureNoAuth permits BearerToken to be empty. Only intended
	// for local simulation. Default: false.
	AllowInsecureNoAuth bool `yaml:"allow_insecure_no_auth"`

	// WebSocketPath is not read: the API server always serves telemetry
	// push on /ws. Default: /ws.
	WebSocketPath string `yaml:"websocket_path"`
}

// OperatorConfig holds operator override parameters.
// Overrides allow privileged operators to issue emergency-stop,
// safety-reset, and zone-replace commands without restarting the daemon.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for the operator CLI.
	// Permissions: 0600, owned by root. Default: /run/oht50/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active.
	// Default: true.
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Scheduler: SchedulerConfig{
			Capacity: 32,
			Tick:     time.Millisecond,
		},
		Control: ControlConfig{
			Period:            time.Millisecond,
			Deadline:          time.Millisecond,
			LatencyBufferSize: 1000,
			Strategy:          "hold-position",
		},
		Safety: SafetyConfig{
			EmergencyMM:     500,
			WarningMM:       1000,
			SafeMM:          2000,
			ZonePeriod:      50 * time.Millisecond,
			InterlockPeriod: 20 * time.Millisecond,
			SensorPeriod:    100 * time.Millisecond,
			WatchdogPeriod:  time.Second,
		},
		Bus: BusConfig{
			DevicePath:  "/dev/ttyOHT485",
			BaudRate:    115200,
			CacheMaxAge: 20 * time.Millisecond,
		},
		Storage: StorageConfig{
			DBPath:              DefaultDBPath,
			LedgerRetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		API: APIConfig{
			ListenAddr:    "0.0.0.0:8080",
			WebSocketPath: "/ws",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/oht50/operator.sock",
		},
	}
}

// DefaultDBPath mirrors the storage package constant for use in config
// defaults.
const DefaultDBPath = "/var/lib/oht50/oht50.db"

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Scheduler.Capacity < 1 || cfg.Scheduler.Capacity > 256 {
		errs = append(errs, fmt.Sprintf("scheduler.capacity must be in [1, 256], got %d", cfg.Scheduler.Capacity))
	}
	if cfg.Scheduler.Tick <= 0 {
		errs = append(errs, "scheduler.tick must be > 0")
	}
	if cfg.Control.Period <= 0 {
		errs = append(errs, "control.period must be > 0")
	}
	if cfg.Control.Deadline < cfg.Control.Period {
		errs = append(errs, fmt.Sprintf("control.deadline (%s) must be >= control.period (%s)", cfg.Control.Deadline, cfg.Control.Period))
	}
	if cfg.Control.LatencyBufferSize < 1 {
		errs = append(errs, "control.latency_buffer_size must be >= 1")
	}
	if cfg.Control.Strategy == "" {
		errs = append(errs, "control.strategy must not be empty")
	}
	if !(cfg.Safety.EmergencyMM > 0 && cfg.Safety.EmergencyMM < cfg.Safety.WarningMM && cfg.Safety.WarningMM < cfg.Safety.SafeMM) {
		errs = append(errs, fmt.Sprintf(
			"safety zone thresholds invalid: require 0 < emergency_mm (%.1f) < warning_mm (%.1f) < safe_mm (%.1f)",
			cfg.Safety.EmergencyMM, cfg.Safety.WarningMM, cfg.Safety.SafeMM))
	}
	if cfg.Bus.DevicePath == "" {
		errs = append(errs, "bus.device_path must not be empty")
	}
	if cfg.Bus.BaudRate < 1 {
		errs = append(errs, "bus.baud_rate must be >= 1")
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.Storage.LedgerRetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.ledger_retention_days must be >= 1, got %d", cfg.Storage.LedgerRetentionDays))
	}
	if cfg.API.ListenAddr == "" {
		errs = append(errs, "api.listen_addr must not be empty")
	}
	if cfg.API.BearerToken == "" && !cfg.API.AllowInsecureNoAuth {
		errs = append(errs, "api.bearer_token must not be empty unless api.allow_insecure_no_auth is set")
	}
	if cfg.Operator.Enabled && cfg.Operator.SocketPath == "" {
		errs = append(errs, "operator.socket_path must not be empty when operator.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
