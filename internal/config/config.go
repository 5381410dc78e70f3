package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Scan      ScanConfig      `yaml:"scan"`
	Device    DeviceConfig    `yaml:"device"`
	Allow     []AllowRule     `yaml:"allow"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`
	// MaxUploadSize caps a single multipart upload, in bytes.
	MaxUploadSize int64 `yaml:"max_upload_size"`
}

// DiscoveryConfig holds multicast DNS settings
type DiscoveryConfig struct {
	Enabled          bool          `yaml:"enabled"`
	ServiceType      string        `yaml:"service_type"`
	Domain           string        `yaml:"domain"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	TTL              time.Duration `yaml:"ttl"`
}

// ScanConfig holds network scan and status check settings
type ScanConfig struct {
	Port         int           `yaml:"port"`
	Workers      int           `yaml:"workers"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// DeviceConfig overrides values normally detected from the platform
type DeviceConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
}

// AllowRule is a single allow-list entry. Scope is "directory" (everything
// beneath Path) or "file" (Path names one file; its parent becomes reachable
// for that file name only).
type AllowRule struct {
	Path  string `yaml:"path"`
	Scope string `yaml:"scope"`
}

// Allow-list scopes
const (
	ScopeDirectory = "directory"
	ScopeFile      = "file"
)

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        "0.0.0.0:3000",
			DataDir:       defaultDataDir(),
			DBPath:        "",
			MaxUploadSize: 4 << 30,
		},
		Discovery: DiscoveryConfig{
			Enabled:          true,
			ServiceType:      "_localsync._tcp",
			Domain:           "local.",
			AnnounceInterval: 60 * time.Second,
			TTL:              120 * time.Second,
		},
		Scan: ScanConfig{
			Port:         3000,
			Workers:      20,
			ProbeTimeout: 2 * time.Second,
			BatchTimeout: 30 * time.Second,
		},
		Allow: []AllowRule{
			{Path: "host", Scope: ScopeDirectory},
		},
	}
}

// defaultDataDir is the directory holding the executable, falling back to
// the working directory.
func defaultDataDir() string {
	if exe, err := os.Executable(); err == nil {
		return filepath.Dir(exe)
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component
func (c *Config) Validate() error {
	for i, rule := range c.Allow {
		if rule.Path == "" {
			return fmt.Errorf("allow[%d]: path is required", i)
		}
		switch rule.Scope {
		case ScopeDirectory, ScopeFile:
		case "":
			c.Allow[i].Scope = ScopeDirectory
		default:
			return fmt.Errorf("allow[%d]: unknown scope %q", i, rule.Scope)
		}
	}
	if c.Scan.Port <= 0 || c.Scan.Port > 65535 {
		return fmt.Errorf("scan.port out of range: %d", c.Scan.Port)
	}
	if c.Scan.Workers < 0 {
		return fmt.Errorf("scan.workers must not be negative: %d", c.Scan.Workers)
	}
	return nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"lansync.yaml",
		"/etc/lansync/lansync.yaml",
	}

	// Add user config path
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "lansync", "lansync.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// DatabasePath returns the configured SQLite path, defaulting to a file in
// the data directory.
func (c *Config) DatabasePath() string {
	if c.Server.DBPath != "" {
		return c.Server.DBPath
	}
	return filepath.Join(c.Server.DataDir, "lansync.db")
}

// ServiceFQDN returns the fully qualified DNS-SD service type,
// e.g. "_localsync._tcp.local.".
func (c *Config) ServiceFQDN() string {
	return c.Discovery.ServiceFQDN()
}

// ServiceFQDN joins the service type and domain into a fully qualified name.
func (d DiscoveryConfig) ServiceFQDN() string {
	domain := d.Domain
	if domain == "" {
		domain = "local."
	}
	if domain[len(domain)-1] != '.' {
		domain += "."
	}
	return d.ServiceType + "." + domain
}
