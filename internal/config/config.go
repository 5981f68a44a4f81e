// Package config loads the agent's INI configuration file: sections
// Platform, Provider, StartParam, with case-insensitive "true"/"false"
// booleans.
package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the typed view of the INI file.
type Config struct {
	// Platform
	PlatformURL string

	// Provider
	Host        string
	AndroidPort int
	ApplePort   int

	// StartParam
	EnableAndroid bool
	EnableApple   bool
	WDABundleID   string
	Owner         string
	Project       string
}

// Load reads and parses the INI file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		PlatformURL:   v.GetString("platform.url"),
		Host:          v.GetString("provider.host"),
		AndroidPort:   v.GetInt("provider.android-port"),
		ApplePort:     v.GetInt("provider.apple-port"),
		EnableAndroid: parseBool(v.GetString("startparam.enable-android")),
		EnableApple:   parseBool(v.GetString("startparam.enable-apple")),
		WDABundleID:   v.GetString("startparam.wda-bundle-id"),
		Owner:         v.GetString("startparam.owner"),
		Project:       v.GetString("startparam.project"),
	}
	if cfg.PlatformURL == "" {
		return nil, fmt.Errorf("config: [Platform] url is required")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("config: [Provider] host is required")
	}
	return cfg, nil
}

// parseBool mirrors the source's case-insensitive "true"/"false" string
// booleans; anything else is false.
func parseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}

// Watch re-reads the file whenever it changes on disk and invokes onChange
// with the freshly parsed Config. Parse errors are swallowed (the prior
// Config keeps being used) since a half-written config file is a common
// transient state during an edit, not a fatal condition.
func Watch(path string, onChange func(*Config)) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := fromViper(v)
		if err != nil {
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}
