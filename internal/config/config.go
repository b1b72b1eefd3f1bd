// Package config manages supervisor configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides. Invalid or
// missing configuration refuses startup and directs the operator to the
// configurator.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// MaxUnits is the largest supported reactor unit count.
const MaxUnits = 4

// Config holds the complete supervisor configuration.
type Config struct {
	Facility Facility      `koanf:"facility"`
	Comms    Comms         `koanf:"comms"`
	Metrics  MetricsConfig `koanf:"metrics"`
	Log      LogConfig     `koanf:"log"`
	UI       UIConfig      `koanf:"ui"`
}

// UIConfig holds display settings passed through to the front panel.
// The supervisor stores and serves them; rendering happens elsewhere.
type UIConfig struct {
	// FrontPanelTheme selects the front panel theme ("sandstone", "basalt").
	FrontPanelTheme string `koanf:"front_panel_theme"`
	// ColorMode selects the accessibility color mode.
	ColorMode string `koanf:"color_mode"`
}

// Facility describes the physical plant layout.
type Facility struct {
	// UnitCount is the number of reactor units (1-4).
	UnitCount int `koanf:"unit_count"`

	// Cooling holds one entry per unit, in unit order.
	Cooling []CoolingConfig `koanf:"cooling"`

	// TankMode selects the facility tank topology (0-7).
	TankMode int `koanf:"tank_mode"`

	// TankDefs holds one slot per possible unit (4 entries):
	// 0 = no tank, 1 = unit tank, 2 = facility tank.
	TankDefs []int `koanf:"tank_defs"`

	// TankFluidTypes names the fluid per tank slot ("water" or "sodium").
	TankFluidTypes []string `koanf:"tank_fluid_types"`

	// AuxiliaryCoolant flags auxiliary coolant connections per unit.
	AuxiliaryCoolant []bool `koanf:"auxiliary_coolant"`

	// ExtChargeIdling keeps charge control idling on external power
	// instead of treating a full matrix as imminent.
	ExtChargeIdling bool `koanf:"ext_charge_idling"`
}

// CoolingConfig describes one unit's boiler/turbine complement.
type CoolingConfig struct {
	// BoilerCount is the number of boilers attached to the unit (0-2).
	BoilerCount int `koanf:"boiler_count"`

	// TurbineCount is the number of turbines attached to the unit (1-3).
	TurbineCount int `koanf:"turbine_count"`

	// TankConnection flags a dynamic tank connection for the unit.
	TankConnection bool `koanf:"tank_connection"`
}

// Comms holds the datagram channel plan and session liveness parameters.
type Comms struct {
	// BindAddr is the local address the UDP transport binds to.
	BindAddr string `koanf:"bind_addr"`

	// PeerAddr is the address datagrams are sent to.
	PeerAddr string `koanf:"peer_addr"`

	// Channel numbers, one per role.
	SVRChannel int `koanf:"svr_channel"`
	PLCChannel int `koanf:"plc_channel"`
	RTUChannel int `koanf:"rtu_channel"`
	CRDChannel int `koanf:"crd_channel"`
	PKTChannel int `koanf:"pkt_channel"`

	// Per-role session watchdog timeouts.
	PLCTimeout time.Duration `koanf:"plc_timeout"`
	RTUTimeout time.Duration `koanf:"rtu_timeout"`
	CRDTimeout time.Duration `koanf:"crd_timeout"`
	PKTTimeout time.Duration `koanf:"pkt_timeout"`

	// TrustedRange bounds the hop distance of accepted datagrams.
	// Zero disables the check.
	TrustedRange int `koanf:"trusted_range"`

	// AuthKey enables frame HMAC when non-empty (min 8 characters).
	AuthKey string `koanf:"auth_key"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint.
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the standard channel plan
// and conservative liveness timeouts. The facility section has no usable
// default; UnitCount 0 fails validation so a fresh install is forced
// through the configurator.
func DefaultConfig() *Config {
	return &Config{
		Comms: Comms{
			BindAddr:     "0.0.0.0",
			PeerAddr:     "127.0.0.1",
			SVRChannel:   16240,
			PLCChannel:   16241,
			RTUChannel:   16242,
			CRDChannel:   16243,
			PKTChannel:   16244,
			PLCTimeout:   5 * time.Second,
			RTUTimeout:   5 * time.Second,
			CRDTimeout:   5 * time.Second,
			PKTTimeout:   5 * time.Second,
			TrustedRange: 0,
		},
		Metrics: MetricsConfig{
			Addr: ":9101",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		UI: UIConfig{
			FrontPanelTheme: "sandstone",
			ColorMode:       "standard",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for supervisor configuration.
// Variables are named GOSCADA_<section>_<key>, e.g., GOSCADA_COMMS_AUTH_KEY.
const envPrefix = "GOSCADA_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOSCADA_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOSCADA_COMMS_AUTH_KEY -> comms.auth_key.
// The first underscore separates the section; the rest stay underscores.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"comms.bind_addr":      defaults.Comms.BindAddr,
		"comms.peer_addr":      defaults.Comms.PeerAddr,
		"comms.svr_channel":    defaults.Comms.SVRChannel,
		"comms.plc_channel":    defaults.Comms.PLCChannel,
		"comms.rtu_channel":    defaults.Comms.RTUChannel,
		"comms.crd_channel":    defaults.Comms.CRDChannel,
		"comms.pkt_channel":    defaults.Comms.PKTChannel,
		"comms.plc_timeout":    defaults.Comms.PLCTimeout.String(),
		"comms.rtu_timeout":    defaults.Comms.RTUTimeout.String(),
		"comms.crd_timeout":    defaults.Comms.CRDTimeout.String(),
		"comms.pkt_timeout":    defaults.Comms.PKTTimeout.String(),
		"comms.trusted_range":  defaults.Comms.TrustedRange,
		"metrics.addr":         defaults.Metrics.Addr,
		"metrics.path":         defaults.Metrics.Path,
		"log.level":            defaults.Log.Level,
		"log.format":           defaults.Log.Format,
		"ui.front_panel_theme": defaults.UI.FrontPanelTheme,
		"ui.color_mode":        defaults.UI.ColorMode,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrUnitCount indicates unit_count is outside [1, 4].
	ErrUnitCount = errors.New("facility.unit_count must be 1-4")

	// ErrCoolingLen indicates the cooling list does not match unit_count.
	ErrCoolingLen = errors.New("facility.cooling must have one entry per unit")

	// ErrBoilerCount indicates a boiler count outside [0, 2].
	ErrBoilerCount = errors.New("cooling boiler_count must be 0-2")

	// ErrTurbineCount indicates a turbine count outside [1, 3].
	ErrTurbineCount = errors.New("cooling turbine_count must be 1-3")

	// ErrTankMode indicates a facility tank mode outside [0, 7].
	ErrTankMode = errors.New("facility.tank_mode must be 0-7")

	// ErrTankDefs indicates tank_defs is not 4 entries of 0/1/2.
	ErrTankDefs = errors.New("facility.tank_defs must be 4 entries of 0, 1, or 2")

	// ErrChannel indicates a channel number outside the UDP port range or
	// a collision between roles.
	ErrChannel = errors.New("comms channels must be distinct valid ports")

	// ErrTimeout indicates a non-positive session timeout.
	ErrTimeout = errors.New("comms timeouts must be > 0")

	// ErrTrustedRange indicates a negative trusted range.
	ErrTrustedRange = errors.New("comms.trusted_range must be >= 0")

	// ErrAuthKeyShort indicates a configured auth key under 8 characters.
	ErrAuthKeyShort = errors.New("comms.auth_key must be at least 8 characters")

	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Facility.UnitCount < 1 || cfg.Facility.UnitCount > MaxUnits {
		return fmt.Errorf("unit_count %d: %w", cfg.Facility.UnitCount, ErrUnitCount)
	}

	if len(cfg.Facility.Cooling) != cfg.Facility.UnitCount {
		return fmt.Errorf("%d cooling entries for %d units: %w",
			len(cfg.Facility.Cooling), cfg.Facility.UnitCount, ErrCoolingLen)
	}
	for i, cc := range cfg.Facility.Cooling {
		if cc.BoilerCount < 0 || cc.BoilerCount > 2 {
			return fmt.Errorf("cooling[%d]: %w", i, ErrBoilerCount)
		}
		if cc.TurbineCount < 1 || cc.TurbineCount > 3 {
			return fmt.Errorf("cooling[%d]: %w", i, ErrTurbineCount)
		}
	}

	if cfg.Facility.TankMode < 0 || cfg.Facility.TankMode > 7 {
		return fmt.Errorf("tank_mode %d: %w", cfg.Facility.TankMode, ErrTankMode)
	}
	if len(cfg.Facility.TankDefs) != MaxUnits {
		return fmt.Errorf("%d tank_defs entries: %w", len(cfg.Facility.TankDefs), ErrTankDefs)
	}
	for i, d := range cfg.Facility.TankDefs {
		if d < 0 || d > 2 {
			return fmt.Errorf("tank_defs[%d] = %d: %w", i, d, ErrTankDefs)
		}
	}

	if err := validateComms(&cfg.Comms); err != nil {
		return err
	}

	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}

	return nil
}

// validateComms checks the channel plan and liveness parameters.
func validateComms(c *Comms) error {
	channels := []int{c.SVRChannel, c.PLCChannel, c.RTUChannel, c.CRDChannel, c.PKTChannel}
	seen := make(map[int]struct{}, len(channels))
	for _, ch := range channels {
		if ch < 1 || ch > 65535 {
			return fmt.Errorf("channel %d: %w", ch, ErrChannel)
		}
		if _, dup := seen[ch]; dup {
			return fmt.Errorf("channel %d repeated: %w", ch, ErrChannel)
		}
		seen[ch] = struct{}{}
	}

	for _, d := range []time.Duration{c.PLCTimeout, c.RTUTimeout, c.CRDTimeout, c.PKTTimeout} {
		if d <= 0 {
			return ErrTimeout
		}
	}

	if c.TrustedRange < 0 {
		return ErrTrustedRange
	}
	if c.AuthKey != "" && len(c.AuthKey) < 8 {
		return ErrAuthKeyShort
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
