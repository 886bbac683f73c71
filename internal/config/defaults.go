package config

import "time"

// Defaults for every optional key. Changing a value here affects the CLI
// help text as well as config files that omit the key.
const (
	DefaultChannel         = 1
	DefaultPollInterval    = time.Second
	DefaultCutoffGrace     = 2 * time.Second
	DefaultIOTimeout       = 5 * time.Second
	DefaultMQTTInterval    = 10 * time.Second
	DefaultDeviceID        = "bench_charger"
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultDBTable         = "charge_samples"

	// EnvPrefix is prepended to the upper-cased key to form the variable name.
	EnvPrefix = "BENCH_CHARGER_"
)
