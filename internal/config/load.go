package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Sources are the inputs merged by Load, lowest precedence first after the
// built-in defaults.
type Sources struct {
	File   string                          // optional config file
	Lookup func(key string) (string, bool) // environment, os.LookupEnv when nil
	CLI    map[string]string               // flags the user actually passed
}

// Load builds the configuration: defaults < file < environment < CLI. The
// result is validated.
func Load(src Sources) (*Config, error) {
	cfg := GetDefaultConfig()

	if src.File != "" {
		values, err := ReadFile(src.File)
		if err != nil {
			return nil, err
		}
		if err := cfg.apply(values); err != nil {
			return nil, fmt.Errorf("%s: %w", src.File, err)
		}
	}

	lookup := src.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.apply(FromEnv(lookup)); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if err := cfg.apply(src.CLI); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(values map[string]string) error {
	for _, k := range sortedKeys(values) {
		if err := c.Set(k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

// ReadFile parses a config file. Files ending in .yaml or .yml hold a flat
// YAML mapping; anything else is read as key=value lines with # comments.
func ReadFile(path string) (map[string]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return readYAML(path)
	default:
		values, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return values, nil
	}
}

func readYAML(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	values := make(map[string]string, len(doc))
	for k, v := range doc {
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			return nil, &ValidationError{Key: NormalizeKey(k), Reason: "must be a scalar"}
		case nil:
			continue
		}
		values[k] = fmt.Sprint(v)
	}
	return values, nil
}

// FromEnv collects BENCH_CHARGER_<KEY> variables for every known key.
func FromEnv(lookup func(string) (string, bool)) map[string]string {
	values := make(map[string]string)
	for _, k := range Keys() {
		if v, ok := lookup(EnvPrefix + strings.ToUpper(k)); ok && v != "" {
			values[k] = v
		}
	}
	return values
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic order so the first reported error is stable.
	sort.Strings(keys)
	return keys
}
