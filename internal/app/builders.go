// Package app translates the application configuration into the settings of
// the individual components.
package app

import (
	"log/slog"
	"strings"
	"time"

	"github.com/aminovpavel/meshlink/internal/config"
	"github.com/aminovpavel/meshlink/internal/mqtt"
	"github.com/aminovpavel/meshlink/internal/observability"
	"github.com/aminovpavel/meshlink/internal/position"
	"github.com/aminovpavel/meshlink/internal/session"
	"github.com/aminovpavel/meshlink/internal/storage"
	"github.com/aminovpavel/meshlink/internal/transport"
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// BuildSessionConfig translates the session tuning knobs. Unset values fall
// back to the session defaults.
func BuildSessionConfig(cfg *config.App) session.Config {
	if cfg == nil {
		return session.DefaultConfig()
	}

	return session.Config{
		SleepGrace:       seconds(cfg.SleepGrace),
		EarlyPacketLimit: cfg.EarlyPacketLimit,
		OnlineWindow:     seconds(cfg.OnlineWindow),
		SweepInterval:    seconds(cfg.SweepInterval),
		ReplayWindow:     seconds(cfg.ReplayWindow),
		SendTimeout:      seconds(cfg.SendTimeout),
	}
}

// BuildTCPConfig translates the device link settings.
func BuildTCPConfig(cfg *config.App) transport.TCPConfig {
	if cfg == nil {
		return transport.TCPConfig{}
	}

	return transport.TCPConfig{
		Address:     strings.TrimSpace(cfg.DeviceAddress),
		DialTimeout: seconds(cfg.DialTimeout),
		MaxAttempts: cfg.MaxConnectAttempts,
	}
}

// BuildMQTTConfig translates the application configuration into an MQTT client config.
func BuildMQTTConfig(cfg *config.App) mqtt.Config {
	if cfg == nil {
		return mqtt.Config{}
	}

	return mqtt.Config{
		BrokerHost:  strings.TrimSpace(cfg.MQTTBrokerAddress),
		BrokerPort:  cfg.MQTTPort,
		Username:    strings.TrimSpace(cfg.MQTTUsername),
		Password:    strings.TrimSpace(cfg.MQTTPassword),
		TopicPrefix: cfg.MQTTTopicPrefix,
		ClientID:    strings.TrimSpace(cfg.MQTTClientID),
	}
}

// BuildPacketLogConfig returns the packet log settings and whether the log is
// enabled at all.
func BuildPacketLogConfig(cfg *config.App) (storage.SQLiteConfig, bool) {
	if cfg == nil || strings.TrimSpace(cfg.PacketLogFile) == "" {
		return storage.SQLiteConfig{}, false
	}

	return storage.SQLiteConfig{
		Path:                strings.TrimSpace(cfg.PacketLogFile),
		MaintenanceInterval: time.Duration(cfg.MaintenanceInterval) * time.Minute,
	}, true
}

// BuildPositionConfig translates the position reporter settings.
func BuildPositionConfig(cfg *config.App) position.Config {
	if cfg == nil {
		return position.Config{}
	}

	return position.Config{
		RateLimit:   seconds(cfg.PositionRateLimit),
		MaxAccuracy: cfg.PositionMaxAccuracy,
	}
}

// BuildFixedSample returns the configured static location, if any.
func BuildFixedSample(cfg *config.App) (position.Sample, bool, error) {
	if cfg == nil || strings.TrimSpace(cfg.FixedPosition) == "" {
		return position.Sample{}, false, nil
	}

	fixed, err := config.ParseFixedPosition(cfg.FixedPosition)
	if err != nil {
		return position.Sample{}, false, err
	}

	return position.Sample{
		Latitude:  fixed.Latitude,
		Longitude: fixed.Longitude,
		Altitude:  fixed.Altitude,
	}, true, nil
}

// BuildLoggerOptions maps log_format onto logger options.
func BuildLoggerOptions(cfg *config.App) []observability.LoggerOption {
	if cfg == nil {
		return nil
	}

	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		return []observability.LoggerOption{observability.WithJSON(true)}
	case "color":
		return []observability.LoggerOption{observability.WithColor(true)}
	default:
		return nil
	}
}

// NewLogger builds the process logger from the configuration.
func NewLogger(cfg *config.App) *slog.Logger {
	level := "INFO"
	if cfg != nil {
		level = cfg.LogLevel
	}
	return observability.NewLogger(level, BuildLoggerOptions(cfg)...)
}
