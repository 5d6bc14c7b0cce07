// Package config loads the client's deployment configuration: defaults,
// then the settings file, then DATACORE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces environment overrides (DATACORE_ROOT, ...).
const envPrefix = "DATACORE_"

// Relay is the relay connection settings. An empty secret disables the
// relay path; local inbox writes still work.
type Relay struct {
	URL    string `koanf:"url"`
	Secret string `koanf:"secret"`
}

// Messaging groups the messaging settings.
type Messaging struct {
	DefaultSpace    string   `koanf:"default_space"`
	Relay           Relay    `koanf:"relay"`
	ClaudeWhitelist []string `koanf:"claude_whitelist"`
}

// Identity names the local user.
type Identity struct {
	Name string `koanf:"name"`
}

// Config is the loaded client configuration.
type Config struct {
	Root      string    `koanf:"root"`
	Identity  Identity  `koanf:"identity"`
	Messaging Messaging `koanf:"messaging"`
}

// Load reads configuration from path (ignored when absent) layered over
// defaults and under environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"root":          filepath.Join(os.Getenv("HOME"), "Data"),
		"identity.name": os.Getenv("USER"),
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if c.Messaging.DefaultSpace == "" {
		c.Messaging.DefaultSpace = firstSpace(c.Root)
	}
	return &c, nil
}

// Validate checks the fatal startup conditions: the data root must
// exist; a missing relay secret merely disables the relay path.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("data root is required (set DATACORE_ROOT)")
	}
	info, err := os.Stat(c.Root)
	if err != nil {
		return fmt.Errorf("data root %s: %w", c.Root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data root %s is not a directory", c.Root)
	}
	if c.Identity.Name == "" {
		return fmt.Errorf("identity name is required")
	}
	return nil
}

// RelayEnabled reports whether the relay path is configured.
func (c *Config) RelayEnabled() bool {
	return c.Messaging.Relay.URL != "" && c.Messaging.Relay.Secret != ""
}

// AgentHandle returns the local user's agent handle.
func (c *Config) AgentHandle() string {
	return c.Identity.Name + "-claude"
}

// firstSpace picks the first numbered space directory under the root,
// falling back to "1-team".
func firstSpace(root string) string {
	matches, _ := filepath.Glob(filepath.Join(root, "[1-9]-*"))
	sort.Strings(matches)
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.IsDir() {
			return filepath.Base(m)
		}
	}
	return "1-team"
}

// DefaultPath returns the default settings file location.
func DefaultPath() string {
	if p := os.Getenv("DATACORE_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "settings.local.yaml"
	}
	return filepath.Join(home, ".config", "datacore-msg", "settings.local.yaml")
}
