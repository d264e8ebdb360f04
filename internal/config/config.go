// Package config loads the application configuration: defaults, then an
// optional YAML file, then MESHLINK_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	envPrefix         = "MESHLINK_"
	envConfigFile     = envPrefix + "CONFIG_FILE"
	defaultConfigFile = "config.yaml"
)

// App contains the full application configuration.
type App struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	DeviceAddress      string `yaml:"device_address"`
	DialTimeout        int    `yaml:"dial_timeout"`
	MaxConnectAttempts int    `yaml:"max_connect_attempts"`

	SnapshotFile        string `yaml:"snapshot_file"`
	PacketLogFile       string `yaml:"packet_log_file"`
	MaintenanceInterval int    `yaml:"maintenance_interval"`

	ObservabilityAddress string `yaml:"observability_address"`

	MQTTEnabled       bool   `yaml:"mqtt_enabled"`
	MQTTBrokerAddress string `yaml:"mqtt_broker_address"`
	MQTTPort          int    `yaml:"mqtt_port"`
	MQTTUsername      string `yaml:"mqtt_username"`
	MQTTPassword      string `yaml:"mqtt_password"`
	MQTTTopicPrefix   string `yaml:"mqtt_topic_prefix"`
	MQTTClientID      string `yaml:"mqtt_client_id"`

	// Session tuning; durations are in seconds.
	SleepGrace       int `yaml:"sleep_grace"`
	EarlyPacketLimit int `yaml:"early_packet_limit"`
	OnlineWindow     int `yaml:"online_window"`
	SweepInterval    int `yaml:"sweep_interval"`
	ReplayWindow     int `yaml:"replay_window"`
	SendTimeout      int `yaml:"send_timeout"`

	PositionRateLimit     int     `yaml:"position_rate_limit"`
	PositionMaxAccuracy   float64 `yaml:"position_max_accuracy"`
	FixedPosition         string  `yaml:"fixed_position"`
	FixedPositionInterval int     `yaml:"fixed_position_interval"`

	// ConfigPath is the file the configuration was read from, if any.
	ConfigPath string `yaml:"-"`
}

// New reads the configuration from file (if provided) and environment overrides.
func New(path string) (*App, error) {
	cfg := defaultConfig()

	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *App {
	return &App{
		Name:                  "meshlink",
		LogLevel:              "INFO",
		LogFormat:             "text",
		DialTimeout:           10,
		SnapshotFile:          "meshlink_snapshot.json",
		MaintenanceInterval:   360,
		ObservabilityAddress:  ":2112",
		MQTTBrokerAddress:     "127.0.0.1",
		MQTTPort:              1883,
		MQTTTopicPrefix:       "meshlink",
		MQTTClientID:          "meshlink",
		SleepGrace:            30,
		EarlyPacketLimit:      128,
		OnlineWindow:          900,
		SweepInterval:         60,
		ReplayWindow:          600,
		SendTimeout:           5,
		PositionRateLimit:     30,
		PositionMaxAccuracy:   200,
		FixedPositionInterval: 60,
	}
}

// applyFile loads path, or the file named by MESHLINK_CONFIG_FILE, or
// config.yaml in the working directory. Only a path passed by the caller
// has to exist.
func (c *App) applyFile(path string) error {
	required := path != ""
	if path == "" {
		path = os.Getenv(envConfigFile)
	}
	if path == "" {
		path = defaultConfigFile
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.ConfigPath = path
	return nil
}

// applyEnv overrides every field from MESHLINK_<YAML_KEY>, e.g.
// MESHLINK_MQTT_PORT=1884.
func (c *App) applyEnv() error {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := strings.Split(field.Tag.Get("yaml"), ",")[0]
		if key == "" || key == "-" {
			continue
		}
		name := envPrefix + strings.ToUpper(key)
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := setField(v.Field(i), strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

func setField(f reflect.Value, raw string) error {
	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		f.SetInt(int64(n))
	case reflect.Float64:
		x, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		f.SetFloat(x)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		f.SetBool(b)
	default:
		return fmt.Errorf("unsupported kind %s", f.Kind())
	}
	return nil
}

// Validate checks values that would otherwise fail late.
func (c *App) Validate() error {
	switch strings.ToLower(c.LogFormat) {
	case "text", "json", "color":
	default:
		return fmt.Errorf("config: log_format must be text, json or color, got %q", c.LogFormat)
	}
	if c.MQTTEnabled && c.MQTTPort <= 0 {
		return errors.New("config: mqtt_port must be positive")
	}
	if c.FixedPosition != "" {
		if _, err := ParseFixedPosition(c.FixedPosition); err != nil {
			return err
		}
	}
	return nil
}

// FixedPosition is a static location given as "lat,lon[,alt]".
type FixedPosition struct {
	Latitude  float64
	Longitude float64
	Altitude  int32
}

// ParseFixedPosition parses "lat,lon[,alt]".
func ParseFixedPosition(s string) (FixedPosition, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return FixedPosition{}, fmt.Errorf("config: fixed_position %q: want lat,lon[,alt]", s)
	}
	var (
		out FixedPosition
		err error
	)
	if out.Latitude, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err != nil {
		return FixedPosition{}, fmt.Errorf("config: fixed_position latitude: %w", err)
	}
	if out.Longitude, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err != nil {
		return FixedPosition{}, fmt.Errorf("config: fixed_position longitude: %w", err)
	}
	if out.Latitude < -90 || out.Latitude > 90 || out.Longitude < -180 || out.Longitude > 180 {
		return FixedPosition{}, fmt.Errorf("config: fixed_position %q out of range", s)
	}
	if len(parts) == 3 {
		alt, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 32)
		if err != nil {
			return FixedPosition{}, fmt.Errorf("config: fixed_position altitude: %w", err)
		}
		out.Altitude = int32(alt)
	}
	return out, nil
}
