package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the speedofsound daemon.
//
// Defaults and validation live here so the rest of the code can assume a
// well-formed config. Flags only override individual values.
type Config struct {
	Mapping   MappingFileConfig  `yaml:"mapping"`
	Policy    PolicyConfig       `yaml:"policy"`
	Actuator  ActuatorFileConfig `yaml:"actuator"`
	Sink      SinkConfig         `yaml:"sink"`
	GPSD      GPSDConfig         `yaml:"gpsd"`
	Headphone HeadphoneConfig    `yaml:"headphone"`
	DBus      DBusConfig         `yaml:"dbus"`
	IPC       IPCConfig          `yaml:"ipc"`
	StateWS   StateWSConfig      `yaml:"state_ws"`
	Logging   LoggingConfig      `yaml:"logging"`
}

// MappingFileConfig is the user-facing speed curve. Speeds are in Units.
type MappingFileConfig struct {
	Units      string  `yaml:"units"` // m/s, km/h or mph
	LowSpeed   float64 `yaml:"low_speed"`
	HighSpeed  float64 `yaml:"high_speed"`
	LowVolume  int     `yaml:"low_volume"`
	HighVolume int     `yaml:"high_volume"`
	Window     int     `yaml:"window"`
}

type PolicyConfig struct {
	OnlyWhenCharging      bool     `yaml:"only_when_charging"`
	EnableOnHeadphone     bool     `yaml:"enable_on_headphone"`
	EnableOnSecondaryLink bool     `yaml:"enable_on_secondary_link"`
	LinkDevices           []string `yaml:"link_devices,omitempty"` // empty: any device
	StartTracking         bool     `yaml:"start_tracking"`
}

type ActuatorFileConfig struct {
	TickMS        int     `yaml:"tick_ms"`
	SnapThreshold float64 `yaml:"snap_threshold"`
	ApproachRate  float64 `yaml:"approach_rate"`
	MaxApproach   float64 `yaml:"max_approach"`
}

type SinkConfig struct {
	Type      string  `yaml:"type"` // camilladsp or log
	WsURL     string  `yaml:"ws_url"`
	TimeoutMS int     `yaml:"timeout_ms"`
	MinDB     float64 `yaml:"min_db"`
	MaxDB     float64 `yaml:"max_db"`
	MaxLevel  int     `yaml:"max_level"`
}

type GPSDConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type HeadphoneConfig struct {
	Enabled bool   `yaml:"enabled"`
	Device  string `yaml:"device"`
}

type DBusConfig struct {
	Power     bool `yaml:"power"`     // UPower OnBattery
	Bluetooth bool `yaml:"bluetooth"` // BlueZ audio sinks
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type StateWSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Mapping: MappingFileConfig{
			Units:      string(UnitKilometersHour),
			LowSpeed:   defaultLowSpeedKMH,
			HighSpeed:  defaultHighSpeedKMH,
			LowVolume:  defaultLowVolume,
			HighVolume: defaultHighVolume,
			Window:     defaultSmoothingWindow,
		},
		Policy: PolicyConfig{
			EnableOnHeadphone:     true,
			EnableOnSecondaryLink: true,
		},
		Actuator: ActuatorFileConfig{
			TickMS:        int(defaultActuatorTick / time.Millisecond),
			SnapThreshold: defaultSnapThreshold,
			ApproachRate:  defaultApproachRate,
			MaxApproach:   defaultMaxApproach,
		},
		Sink: SinkConfig{
			Type:      string(SinkTypeCamillaDSP),
			WsURL:     "ws://127.0.0.1:1234",
			TimeoutMS: defaultReadTimeoutMS,
			MinDB:     defaultMinDB,
			MaxDB:     defaultMaxDB,
			MaxLevel:  defaultSinkMaxLevel,
		},
		GPSD: GPSDConfig{
			Address: defaultGPSDAddress,
		},
		Headphone: HeadphoneConfig{
			Device: defaultHeadphoneDevice,
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/speedofsound.sock",
		},
		StateWS: StateWSConfig{
			Enabled: true,
			Listen:  "127.0.0.1:3002",
			Path:    "/ws/state",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
// Unknown fields are rejected to catch typos.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments may follow the document.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds values set on the command line. A nil pointer means the
// flag was not given; a non-nil one is applied even if it is a zero value.
type FlagOverrides struct {
	Units      *string
	LowSpeed   *float64
	HighSpeed  *float64
	LowVolume  *int
	HighVolume *int

	OnlyWhenCharging *bool
	StartTracking    *bool

	SinkType     *string
	CamillaWsURL *string
	CamillaMinDB *float64
	CamillaMaxDB *float64

	GPSDAddress     *string
	HeadphoneDevice *string

	IPCSocketPath *string
	StateWSListen *string

	LogLevel *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	setString(&cfg.Mapping.Units, o.Units)
	setFloat(&cfg.Mapping.LowSpeed, o.LowSpeed)
	setFloat(&cfg.Mapping.HighSpeed, o.HighSpeed)
	setInt(&cfg.Mapping.LowVolume, o.LowVolume)
	setInt(&cfg.Mapping.HighVolume, o.HighVolume)

	setBool(&cfg.Policy.OnlyWhenCharging, o.OnlyWhenCharging)
	setBool(&cfg.Policy.StartTracking, o.StartTracking)

	setString(&cfg.Sink.Type, o.SinkType)
	setString(&cfg.Sink.WsURL, o.CamillaWsURL)
	setFloat(&cfg.Sink.MinDB, o.CamillaMinDB)
	setFloat(&cfg.Sink.MaxDB, o.CamillaMaxDB)

	if o.GPSDAddress != nil {
		cfg.GPSD.Address = *o.GPSDAddress
		cfg.GPSD.Enabled = *o.GPSDAddress != ""
	}
	if o.HeadphoneDevice != nil {
		cfg.Headphone.Device = *o.HeadphoneDevice
		cfg.Headphone.Enabled = *o.HeadphoneDevice != ""
	}

	setString(&cfg.IPC.SocketPath, o.IPCSocketPath)
	if o.StateWSListen != nil {
		cfg.StateWS.Listen = *o.StateWSListen
		cfg.StateWS.Enabled = *o.StateWSListen != ""
	}

	setString(&cfg.Logging.Level, o.LogLevel)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// Validate checks config invariants after defaults, file and flags are merged.
func (c *Config) Validate() error {
	if _, err := c.SessionConfig(); err != nil {
		return err
	}
	if c.Mapping.Window <= 0 {
		return errors.New("mapping.window must be > 0")
	}

	if c.Actuator.TickMS <= 0 {
		return errors.New("actuator.tick_ms must be > 0")
	}
	if c.Actuator.SnapThreshold <= 0 || c.Actuator.SnapThreshold >= 1 {
		return errors.New("actuator.snap_threshold must be in (0, 1)")
	}
	if c.Actuator.ApproachRate <= 0 || c.Actuator.ApproachRate > 1 {
		return errors.New("actuator.approach_rate must be in (0, 1]")
	}
	if c.Actuator.MaxApproach <= 0 || c.Actuator.MaxApproach > 1 {
		return errors.New("actuator.max_approach must be in (0, 1]")
	}

	switch SinkType(c.Sink.Type) {
	case SinkTypeCamillaDSP:
		if c.Sink.WsURL == "" {
			return errors.New("sink.ws_url must not be empty")
		}
		if c.Sink.TimeoutMS <= 0 {
			return errors.New("sink.timeout_ms must be > 0")
		}
		if c.Sink.MinDB >= c.Sink.MaxDB {
			return errors.New("sink.min_db must be < sink.max_db")
		}
	case SinkTypeLog:
	default:
		return fmt.Errorf("sink.type must be %q or %q", SinkTypeCamillaDSP, SinkTypeLog)
	}
	if c.Sink.MaxLevel <= 0 {
		return errors.New("sink.max_level must be > 0")
	}

	if c.GPSD.Enabled && c.GPSD.Address == "" {
		return errors.New("gpsd.enabled is true but gpsd.address is empty")
	}
	if c.Headphone.Enabled && c.Headphone.Device == "" {
		return errors.New("headphone.enabled is true but headphone.device is empty")
	}

	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}
	if c.StateWS.Enabled {
		if c.StateWS.Listen == "" {
			return errors.New("state_ws.listen must not be empty")
		}
		if c.StateWS.Path == "" || c.StateWS.Path[0] != '/' {
			return errors.New("state_ws.path must start with /")
		}
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// DisplayUnits is the unit speeds are reported in.
func (c *Config) DisplayUnits() SpeedUnit {
	u, err := ParseSpeedUnit(c.Mapping.Units)
	if err != nil {
		return UnitMetersPerSecond
	}
	return u
}

// SessionConfig converts the file config into native units and validates the
// mapping. This is the only place the mapping invariants are checked.
func (c *Config) SessionConfig() (SessionConfig, error) {
	units, err := ParseSpeedUnit(c.Mapping.Units)
	if err != nil {
		return SessionConfig{}, fmt.Errorf("mapping.units: %w", err)
	}

	mapping := MappingConfig{
		LowSpeed:  units.ToNative(c.Mapping.LowSpeed),
		HighSpeed: units.ToNative(c.Mapping.HighSpeed),
		LowLevel:  c.Mapping.LowVolume,
		HighLevel: c.Mapping.HighVolume,
	}
	if err := mapping.Validate(); err != nil {
		return SessionConfig{}, fmt.Errorf("mapping: %w", err)
	}

	return SessionConfig{
		Mapping: mapping,
		Window:  c.Mapping.Window,
		Actuator: ActuatorConfig{
			Tick:          time.Duration(c.Actuator.TickMS) * time.Millisecond,
			SnapThreshold: c.Actuator.SnapThreshold,
			ApproachRate:  c.Actuator.ApproachRate,
			MaxApproach:   c.Actuator.MaxApproach,
		},
	}, nil
}

// Preferences returns the activation switches.
func (c *Config) Preferences() Preferences {
	return Preferences{
		OnlyWhenCharging:      c.Policy.OnlyWhenCharging,
		EnableOnHeadphone:     c.Policy.EnableOnHeadphone,
		EnableOnSecondaryLink: c.Policy.EnableOnSecondaryLink,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
