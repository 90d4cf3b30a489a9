// Package config manages the supervisor configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/shini4i/tunnel-supervisor/internal/fileutil"
	"github.com/shini4i/tunnel-supervisor/internal/hooks"
)

const (
	// AppName is the application identifier used for XDG paths.
	AppName = "tunnel-supervisor"
	// ConfigFileName is the name of the main configuration file.
	ConfigFileName = "config.yaml"
	// HistoryFileName is the default attempt history database.
	HistoryFileName = "history.db"
	// EnvPrefix prefixes every environment override, e.g. TUNNEL_LOG_LEVEL.
	EnvPrefix = "TUNNEL"
)

// Protocols accepted in mode.protocol.
const (
	ProtocolUDP = "UDP"
	ProtocolTCP = "TCP"
	ProtocolSSH = "SSH"
	ProtocolSSL = "SSL"
)

// Mode selects how the tunnel reaches the server.
type Mode struct {
	Protocol string `yaml:"protocol"`
	Port     int    `yaml:"port"`
	// Alt selects the alternative entry IP of a server.
	Alt int `yaml:"alt"`
}

// Proxy configures a transport proxy. Port zero picks a random local port
// for every attempt.
type Proxy struct {
	Port   int    `yaml:"port"`
	Binary string `yaml:"binary"`
	// KeyID names the key in the system keyring; KeyFile is read when the
	// keyring holds nothing.
	KeyID   string `yaml:"key_id,omitempty"`
	KeyFile string `yaml:"key_file,omitempty"`
}

// Server is one entry of the server list.
type Server struct {
	Name        string   `yaml:"name"`
	PublicName  string   `yaml:"public_name"`
	Country     string   `yaml:"country"`
	EntryIPs    []string `yaml:"entry_ips"`
	ExitIP      string   `yaml:"exit_ip"`
	RoutingOnly bool     `yaml:"routing_only"`
}

// Servers holds the list and selection preferences.
type Servers struct {
	// LockLast reuses the last successful server instead of picking one.
	LockLast bool     `yaml:"locklast"`
	Last     string   `yaml:"last"`
	List     []Server `yaml:"list"`
}

// Daemon configures the tunnel daemon and its management port.
type Daemon struct {
	Binary         string   `yaml:"binary"`
	ManagementPort int      `yaml:"management_port"`
	CA             string   `yaml:"ca"`
	Cert           string   `yaml:"cert"`
	Key            string   `yaml:"key"`
	Directives     []string `yaml:"directives"`
}

// Checks configures post-connect verification.
type Checks struct {
	Route       bool   `yaml:"route"`
	DNS         bool   `yaml:"dns"`
	DNSHost     string `yaml:"dns_host"`
	DNSExpected string `yaml:"dns_expected"`
	Port        int    `yaml:"port"`
}

// Latency configures server probing.
type Latency struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Workers  int           `yaml:"workers"`
	Timeout  time.Duration `yaml:"timeout"`
	Port     int           `yaml:"port"`
}

// Authorization configures the remote connect check.
type Authorization struct {
	URL   string `yaml:"url"`
	Login string `yaml:"login,omitempty"`
}

// Config represents the supervisor configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	// Simulate replaces the tunnel with synthetic traffic.
	Simulate bool   `yaml:"simulate"`
	TempDir  string `yaml:"temp_dir"`

	// PenaltyOnError is added to a server that fails an attempt.
	PenaltyOnError int `yaml:"penalty_on_error"`

	Mode          Mode                  `yaml:"mode"`
	SSH           Proxy                 `yaml:"ssh"`
	SSL           Proxy                 `yaml:"ssl"`
	Servers       Servers               `yaml:"servers"`
	Daemon        Daemon                `yaml:"daemon"`
	Checks        Checks                `yaml:"checks"`
	Latency       Latency               `yaml:"latency"`
	Authorization Authorization         `yaml:"authorization"`
	Hooks         map[string]hooks.Hook `yaml:"hooks,omitempty"`
	EventSocket   string                `yaml:"event_socket"`
	HistoryPath   string                `yaml:"history_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:       "info",
		PenaltyOnError: 30,
		Mode: Mode{
			Protocol: ProtocolUDP,
			Port:     443,
		},
		SSH: Proxy{Binary: "/usr/bin/ssh"},
		SSL: Proxy{Binary: "/usr/bin/stunnel"},
		Daemon: Daemon{
			Binary:         "/usr/sbin/openvpn",
			ManagementPort: 3100,
		},
		Checks: Checks{
			Route: true,
			DNS:   true,
			Port:  88,
		},
		Latency: Latency{
			Enabled:  true,
			Interval: 3 * time.Minute,
			Workers:  8,
			Timeout:  3 * time.Second,
			Port:     443,
		},
	}
}

// Paths holds the resolved configuration locations.
type Paths struct {
	ConfigDir  string
	ConfigFile string
}

// GetPaths returns the configuration paths following XDG Base Directory spec.
func GetPaths() (*Paths, error) {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configHome = filepath.Join(homeDir, ".config")
	}

	configDir := filepath.Join(configHome, AppName)
	return &Paths{
		ConfigDir:  configDir,
		ConfigFile: filepath.Join(configDir, ConfigFileName),
	}, nil
}

// EnsurePaths creates the configuration directory.
func (p *Paths) EnsurePaths() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

// Load reads the configuration from disk. A missing file yields the
// defaults; unknown keys are rejected.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer file.Close()

	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	// An empty file decodes to io.EOF and keeps the defaults.
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration atomically.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := fileutil.AtomicWrite(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Overrides are read from the environment after the file. Unset variables
// leave the file value alone.
type Overrides struct {
	LogLevel       *string `envconfig:"LOG_LEVEL"`
	Simulate       *bool   `envconfig:"SIMULATE"`
	Protocol       *string `envconfig:"PROTOCOL"`
	Port           *int    `envconfig:"PORT"`
	ManagementPort *int    `envconfig:"MANAGEMENT_PORT"`
	DaemonBinary   *string `envconfig:"DAEMON_BINARY"`
	AuthURL        *string `envconfig:"AUTH_URL"`
	EventSocket    *string `envconfig:"EVENT_SOCKET"`
	HistoryPath    *string `envconfig:"HISTORY_PATH"`
	TempDir        *string `envconfig:"TEMP_DIR"`
}

// LoadOverrides loads envFiles (a missing file is not an error) and reads
// TUNNEL_* variables.
func LoadOverrides(envFiles ...string) (*Overrides, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var ov Overrides
	if err := envconfig.Process(EnvPrefix, &ov); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return &ov, nil
}

// Apply copies every set override into cfg.
func (o *Overrides) Apply(cfg *Config) {
	setString(&cfg.LogLevel, o.LogLevel)
	setString(&cfg.Mode.Protocol, o.Protocol)
	setString(&cfg.Daemon.Binary, o.DaemonBinary)
	setString(&cfg.Authorization.URL, o.AuthURL)
	setString(&cfg.EventSocket, o.EventSocket)
	setString(&cfg.HistoryPath, o.HistoryPath)
	setString(&cfg.TempDir, o.TempDir)
	if o.Simulate != nil {
		cfg.Simulate = *o.Simulate
	}
	if o.Port != nil {
		cfg.Mode.Port = *o.Port
	}
	if o.ManagementPort != nil {
		cfg.Daemon.ManagementPort = *o.ManagementPort
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch strings.ToUpper(c.Mode.Protocol) {
	case ProtocolUDP, ProtocolTCP, ProtocolSSH, ProtocolSSL:
	default:
		return fmt.Errorf("unknown protocol %q", c.Mode.Protocol)
	}
	if !validPort(c.Mode.Port) {
		return fmt.Errorf("port %d out of range", c.Mode.Port)
	}
	if c.Mode.Alt < 0 {
		return fmt.Errorf("alt must be non-negative")
	}
	if !validPort(c.Daemon.ManagementPort) {
		return fmt.Errorf("management port %d out of range", c.Daemon.ManagementPort)
	}
	if c.SSH.Port != 0 && !validPort(c.SSH.Port) {
		return fmt.Errorf("ssh port %d out of range", c.SSH.Port)
	}
	if c.SSL.Port != 0 && !validPort(c.SSL.Port) {
		return fmt.Errorf("ssl port %d out of range", c.SSL.Port)
	}
	if c.PenaltyOnError < 0 {
		return fmt.Errorf("penalty on error must be non-negative")
	}
	if c.Daemon.Binary == "" && !c.Simulate {
		return fmt.Errorf("daemon binary must not be empty")
	}
	if c.Latency.Enabled && c.Latency.Workers <= 0 {
		return fmt.Errorf("latency workers must be positive")
	}
	if c.Checks.DNS && c.Checks.DNSHost != "" && c.Checks.DNSExpected == "" {
		return fmt.Errorf("dns check needs an expected address")
	}

	seen := make(map[string]struct{}, len(c.Servers.List))
	for i, s := range c.Servers.List {
		if s.Name == "" {
			return fmt.Errorf("server %d has no name", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate server %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if len(s.EntryIPs) == 0 {
			return fmt.Errorf("server %q has no entry ip", s.Name)
		}
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}

// Manager provides high-level configuration management.
// It is safe for concurrent use from multiple goroutines.
type Manager struct {
	path   string
	config *Config
	mu     sync.RWMutex
}

// NewManager loads path and applies ov (which may be nil).
func NewManager(path string, ov *Overrides) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if ov != nil {
		ov.Apply(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Manager{path: path, config: cfg}, nil
}

// Path returns the file the configuration is saved to.
func (m *Manager) Path() string {
	return m.path
}

// GetConfig returns a copy of the current configuration.
// Slices and maps are shared; callers must not modify them.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	return &cfg
}

// UpdateField atomically updates the config using a mutator function and
// saves it. If validation fails, the original config is preserved.
func (m *Manager) UpdateField(mutator func(cfg *Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	configCopy := *m.config
	mutator(&configCopy)
	if err := configCopy.Validate(); err != nil {
		return err
	}

	*m.config = configCopy
	return Save(m.path, m.config)
}
