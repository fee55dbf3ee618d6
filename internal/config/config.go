// Package config loads the module's recognized configuration keys,
// layering compiled-in defaults, an optional YAML file, and
// SUBPUB_-prefixed environment overrides, and rejects any key outside
// the recognized set.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// recognizedKeys is the exhaustive set of keys this module accepts, per
// the external interfaces contract. Anything else fails Validate.
var recognizedKeys = map[string]bool{
	"client_id":     true,
	"client_secret": true,
	"redirect_uri":  true,
	"scopes":        true,
	"channels":      true,
	"queue_skip":    true,
	"max_reconnect": true,
	"storage_type":  true,
}

// defaults are the compiled-in values loaded before any file or
// environment override.
var defaults = map[string]any{
	"max_reconnect": 20,
	"storage_type":  "sqlite",
	"scopes":        []string{},
	"queue_skip":    []string{},
}

// Config is the module's one configuration record, matching the
// recognized key set exactly.
type Config struct {
	ClientID     string              `koanf:"client_id"`
	ClientSecret string              `koanf:"client_secret"`
	RedirectURI  string              `koanf:"redirect_uri"`
	Scopes       []string            `koanf:"scopes"`
	Channels     map[string][]string `koanf:"channels"` // nil-entry shortcut is expressed as an empty slice value
	QueueSkip    []string            `koanf:"queue_skip"`
	MaxReconnect int                 `koanf:"max_reconnect"`
	StorageType  string              `koanf:"storage_type"`
}

// Load layers compiled-in defaults, then path (if non-empty), then
// SUBPUB_-prefixed environment variables, and returns the validated
// Config.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("SUBPUB_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "SUBPUB_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	if err := validateKeys(k); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validateKeys(k *koanf.Koanf) error {
	for _, key := range k.Keys() {
		root := key
		if i := strings.IndexByte(key, '.'); i >= 0 {
			root = key[:i]
		}
		if !recognizedKeys[root] {
			return fmt.Errorf("config: unrecognized key %q", key)
		}
	}
	return nil
}

// Validate checks the required fields and cross-field invariants.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("config: client_id is required")
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("config: redirect_uri is required")
	}
	switch c.StorageType {
	case "sqlite", "json":
	default:
		return fmt.Errorf("config: unsupported storage_type %q", c.StorageType)
	}
	return nil
}
