package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jkaberg/bench-charger/internal/charge"
	"github.com/jkaberg/bench-charger/internal/psu"
	"github.com/jkaberg/bench-charger/internal/telemetry"
)

// Config holds every option of a charge run. See setters for the key of each
// field.
type Config struct {
	// Session
	ChargeCurrent float64 // current limit, A
	ChargeVoltage float64 // CV target, V
	CutoffCurrent float64 // stop below this, A
	LogFile       string
	Channel       int

	// Instrument
	ResourceName string
	Model        string // empty means auto-detect
	Parallel     bool
	Sense        bool
	IOTimeout    time.Duration

	// Timing
	PollInterval time.Duration
	CutoffGrace  time.Duration

	// Output
	Plot        bool
	Verbose     bool
	Notify      bool
	MetricsAddr string

	// MQTT / Home Assistant
	MQTTUrl         string
	MQTTInterval    time.Duration
	DeviceID        string
	DiscoveryPrefix string

	// Database
	DBDriver      string
	DBDSN         string
	DBTable       string
	DBCreateTable bool
}

// ValidationError reports a bad or missing configuration value.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Key, e.Reason) }

// GetDefaultConfig returns a configuration with sensible defaults
func GetDefaultConfig() *Config {
	return &Config{
		Channel:         DefaultChannel,
		IOTimeout:       DefaultIOTimeout,
		PollInterval:    DefaultPollInterval,
		CutoffGrace:     DefaultCutoffGrace,
		MQTTInterval:    DefaultMQTTInterval,
		DeviceID:        DefaultDeviceID,
		DiscoveryPrefix: DefaultDiscoveryPrefix,
		DBTable:         DefaultDBTable,
	}
}

// Keys lists every settable key in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NormalizeKey accepts dashes and any case: "Charge-Current" is charge_current.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(key), "-", "_"))
}

type setter func(c *Config, v string) error

func floatVar(get func(*Config) *float64) setter {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", v)
		}
		*get(c) = f
		return nil
	}
}

func intVar(get func(*Config) *int) setter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
		*get(c) = n
		return nil
	}
}

func boolVar(get func(*Config) *bool) setter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("not a boolean: %q", v)
		}
		*get(c) = b
		return nil
	}
}

// durationVar accepts Go durations ("500ms", "2s") and bare seconds ("1.5").
func durationVar(get func(*Config) *time.Duration) setter {
	return func(c *Config, v string) error {
		v = strings.TrimSpace(v)
		if d, err := time.ParseDuration(v); err == nil {
			*get(c) = d
			return nil
		}
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("not a duration: %q", v)
		}
		*get(c) = time.Duration(secs * float64(time.Second))
		return nil
	}
}

func stringVar(get func(*Config) *string) setter {
	return func(c *Config, v string) error {
		*get(c) = strings.TrimSpace(v)
		return nil
	}
}

var setters = map[string]setter{
	"charge_current":   floatVar(func(c *Config) *float64 { return &c.ChargeCurrent }),
	"charge_voltage":   floatVar(func(c *Config) *float64 { return &c.ChargeVoltage }),
	"cutoff_current":   floatVar(func(c *Config) *float64 { return &c.CutoffCurrent }),
	"log_file":         stringVar(func(c *Config) *string { return &c.LogFile }),
	"channel":          intVar(func(c *Config) *int { return &c.Channel }),
	"resource_name":    stringVar(func(c *Config) *string { return &c.ResourceName }),
	"model":            stringVar(func(c *Config) *string { return &c.Model }),
	"parallel":         boolVar(func(c *Config) *bool { return &c.Parallel }),
	"sense":            boolVar(func(c *Config) *bool { return &c.Sense }),
	"io_timeout":       durationVar(func(c *Config) *time.Duration { return &c.IOTimeout }),
	"poll_interval":    durationVar(func(c *Config) *time.Duration { return &c.PollInterval }),
	"cutoff_grace":     durationVar(func(c *Config) *time.Duration { return &c.CutoffGrace }),
	"plot":             boolVar(func(c *Config) *bool { return &c.Plot }),
	"verbose":          boolVar(func(c *Config) *bool { return &c.Verbose }),
	"notify":           boolVar(func(c *Config) *bool { return &c.Notify }),
	"metrics_addr":     stringVar(func(c *Config) *string { return &c.MetricsAddr }),
	"mqtt_url":         stringVar(func(c *Config) *string { return &c.MQTTUrl }),
	"mqtt_interval":    durationVar(func(c *Config) *time.Duration { return &c.MQTTInterval }),
	"device_id":        stringVar(func(c *Config) *string { return &c.DeviceID }),
	"discovery_prefix": stringVar(func(c *Config) *string { return &c.DiscoveryPrefix }),
	"db_driver":        stringVar(func(c *Config) *string { return &c.DBDriver }),
	"db_dsn":           stringVar(func(c *Config) *string { return &c.DBDSN }),
	"db_table":         stringVar(func(c *Config) *string { return &c.DBTable }),
	"db_create_table":  boolVar(func(c *Config) *bool { return &c.DBCreateTable }),
}

// Set assigns one key from its textual form.
func (c *Config) Set(key, value string) error {
	key = NormalizeKey(key)
	set, ok := setters[key]
	if !ok {
		return &ValidationError{Key: key, Reason: "unknown option"}
	}
	if err := set(c, value); err != nil {
		return &ValidationError{Key: key, Reason: err.Error()}
	}
	return nil
}

// Validate checks the configuration is complete and consistent.
func (c *Config) Validate() error {
	if c.ResourceName == "" {
		return &ValidationError{Key: "resource_name", Reason: "is required"}
	}
	if c.LogFile == "" {
		return &ValidationError{Key: "log_file", Reason: "is required"}
	}
	if _, err := psu.ParseModel(c.Model); err != nil {
		return &ValidationError{Key: "model", Reason: err.Error()}
	}
	if err := c.Params().Validate(); err != nil {
		if pe, ok := err.(*charge.ParamError); ok {
			return &ValidationError{Key: pe.Param, Reason: pe.Reason}
		}
		return err
	}
	if c.IOTimeout <= 0 {
		return &ValidationError{Key: "io_timeout", Reason: "must be > 0"}
	}

	if c.MQTTUrl != "" {
		if !strings.HasPrefix(c.MQTTUrl, "ws://") &&
			!strings.HasPrefix(c.MQTTUrl, "wss://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtt://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtts://") {
			return &ValidationError{Key: "mqtt_url", Reason: "must use ws://, wss://, mqtt:// or mqtts://"}
		}
		if c.DeviceID == "" {
			return &ValidationError{Key: "device_id", Reason: "is required with mqtt_url"}
		}
		if c.MQTTInterval < 0 {
			return &ValidationError{Key: "mqtt_interval", Reason: "must not be negative"}
		}
	}

	if c.DBDriver != "" || c.DBDSN != "" {
		switch c.DBDriver {
		case telemetry.DialectPostgres, telemetry.DialectClickHouse:
		default:
			return &ValidationError{Key: "db_driver", Reason: fmt.Sprintf("must be %s or %s", telemetry.DialectPostgres, telemetry.DialectClickHouse)}
		}
		if c.DBDSN == "" {
			return &ValidationError{Key: "db_dsn", Reason: "is required with db_driver"}
		}
		if c.DBTable == "" {
			return &ValidationError{Key: "db_table", Reason: "must not be empty"}
		}
	}
	return nil
}

// Params converts the session part of the configuration.
func (c *Config) Params() charge.Params {
	return charge.Params{
		ChargeCurrent: c.ChargeCurrent,
		ChargeVoltage: c.ChargeVoltage,
		CutoffCurrent: c.CutoffCurrent,
		Channel:       c.Channel,
		Parallel:      c.Parallel,
		Sense:         c.Sense,
		PollInterval:  c.PollInterval,
		CutoffGrace:   c.CutoffGrace,
	}
}

// ModelOverride returns the parsed model option.
func (c *Config) ModelOverride() psu.Model {
	m, _ := psu.ParseModel(c.Model)
	return m
}

// HasMQTT returns true if MQTT is configured
func (c *Config) HasMQTT() bool { return c.MQTTUrl != "" }

// HasDatabase returns true if the SQL sink is configured
func (c *Config) HasDatabase() bool { return c.DBDriver != "" }

// HasMetrics returns true if the Prometheus endpoint is enabled
func (c *Config) HasMetrics() bool { return c.MetricsAddr != "" }
