// Package provd implements the provisioning application core: the device
// state machine, config mutation propagation, plugin lifecycle operations
// and the read-write serialization they all run under.
package provd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, loaded from YAML with CLI flag
// overrides applied on top.
type Config struct {
	General  GeneralConfig  `yaml:"general"`
	Database DatabaseConfig `yaml:"database"`
	Bus      BusConfig      `yaml:"bus"`
	AMI      AMIConfig      `yaml:"ami"`
}

// GeneralConfig holds serving and storage settings.
type GeneralConfig struct {
	// ListenIP is the bind address; ExternalIP is the address advertised
	// to devices in materialized raw configs.
	ListenIP   string `yaml:"listen_ip"`
	ExternalIP string `yaml:"external_ip"`

	HTTPPort int `yaml:"http_port"`
	TFTPPort int `yaml:"tftp_port"`
	RestPort int `yaml:"rest_port"`

	BaseStorageDir string `yaml:"base_storage_dir"`

	// HTTPAuthStrategy selects device HTTP authentication; "url_key"
	// interprets the first path segment as a tenant provisioning key.
	HTTPAuthStrategy string `yaml:"http_auth_strategy"`

	// TrustedProxiesCount is how many X-Forwarded-For hops are believed.
	TrustedProxiesCount int `yaml:"trusted_proxies_count"`

	// NATEnabled disables outdated-IP eviction (many devices may share
	// one public address).
	NATEnabled bool `yaml:"nat_enabled"`

	// DefaultTenantUUID is the tenant auto-created devices land in.
	DefaultTenantUUID string `yaml:"default_tenant_uuid"`

	Verbose bool `yaml:"verbose"`
}

// DatabaseConfig selects and parameterizes the document-store backend.
type DatabaseConfig struct {
	Backend       string `yaml:"backend"` // "memory" or "redis"
	RedisAddr     string `yaml:"redis_addr"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPassword string `yaml:"redis_password"`
	IDGenerator   string `yaml:"id_generator"` // "uuid", "numeric", "urandom"
}

// BusConfig parameterizes the tenant-event consumer.
type BusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Channel string `yaml:"channel"`
}

// AMIConfig parameterizes the Asterisk Manager notifier.
type AMIConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			ListenIP:          "0.0.0.0",
			ExternalIP:        "127.0.0.1",
			HTTPPort:          8667,
			TFTPPort:          69,
			RestPort:          8666,
			BaseStorageDir:    "/var/lib/provd",
			DefaultTenantUUID: "master",
		},
		Database: DatabaseConfig{
			Backend:     "memory",
			RedisAddr:   "localhost:6379",
			IDGenerator: "uuid",
		},
		Bus: BusConfig{
			Channel: "provd:events",
		},
	}
}

// PluginsDir returns the installed-plugins directory.
func (c *Config) PluginsDir() string {
	return filepath.Join(c.General.BaseStorageDir, "plugins")
}

// CacheDir returns the downloaded-tarball cache directory.
func (c *Config) CacheDir() string {
	return filepath.Join(c.General.BaseStorageDir, "cache")
}

// LoadConfigFile merges one YAML file into c.
func (c *Config) LoadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// LoadConfigDir merges every *.yml file in dir, in lexical order.
func (c *Config) LoadConfigDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading config dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".yml") || strings.HasSuffix(e.Name(), ".yaml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.LoadConfigFile(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
