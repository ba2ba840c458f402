// Package daemon runs the privileged control daemon: configuration, the
// request socket, the status watcher and startup/shutdown sequencing.
package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Letdown2491/runkit/internal/domain"
	"github.com/Letdown2491/runkit/internal/infra"
)

const (
	DefaultServicesDir           = "/etc/sv"
	DefaultEnabledDir            = "/var/service"
	DefaultLogDir                = "/var/log"
	DefaultSvCommand             = "sv"
	DefaultPkcheckCommand        = "pkcheck"
	DefaultCommandTimeout        = 15 * time.Second
	DefaultMaxConcurrentCommands = 16
	DefaultStatusConcurrency     = 8
	DefaultPollInterval          = 5 * time.Second
	DefaultRefreshDebounce       = 500 * time.Millisecond
	DefaultShutdownTimeout       = 10 * time.Second
	DefaultLogLevel              = "info"

	minCommandTimeout = time.Second
	minPollInterval   = 500 * time.Millisecond
)

// Config is the daemon configuration, read from YAML via ParseConfig.
type Config struct {
	// ServicesDir holds service definitions. Default: /etc/sv
	ServicesDir string `yaml:"services_dir"`

	// EnabledDir holds enablement symlinks watched by runsvdir. Default: /var/service
	EnabledDir string `yaml:"enabled_dir"`

	// LogDir is where svlogd writes <service>/current. Default: /var/log
	LogDir string `yaml:"log_dir"`

	// DataDir holds the activity store, its key and the description cache.
	// Default depends on execution mode.
	DataDir string `yaml:"data_dir"`

	// SocketPath is the control socket. Default depends on execution mode.
	SocketPath string `yaml:"socket_path"`

	// SvCommand is the control tool. Default: sv
	SvCommand string `yaml:"sv_command"`

	// PkcheckCommand is the polkit checker. Default: pkcheck
	PkcheckCommand string `yaml:"pkcheck_command"`

	// CommandTimeout bounds each control-tool invocation. Default: 15s
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// MaxConcurrentCommands bounds concurrent external work across all
	// requests. Default: 16
	MaxConcurrentCommands int `yaml:"max_concurrent_commands"`

	// StatusConcurrency bounds parallel status queries. Default: 8
	StatusConcurrency int `yaml:"status_concurrency"`

	// PollInterval is how often live status is checked for changes. Default: 5s
	PollInterval time.Duration `yaml:"poll_interval"`

	// RefreshDebounce coalesces filesystem events before a rescan. Default: 500ms
	RefreshDebounce time.Duration `yaml:"refresh_debounce"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// ProtectPolicyRead requires authorization to read the policy.
	ProtectPolicyRead bool `yaml:"protect_policy_read"`

	// DisableWatch turns off the filesystem refresh watcher.
	DisableWatch bool `yaml:"disable_watch"`

	// LogLevel is debug, info, warn or error. Default: info
	LogLevel string `yaml:"log_level"`

	// LogFile, when set, receives logs instead of stderr.
	LogFile string `yaml:"log_file"`

	// DefaultAuthMode seeds the policy when none has been saved.
	DefaultAuthMode domain.AuthMode `yaml:"default_auth_mode"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	mode := infra.DetectExecMode()
	if c.ServicesDir == "" {
		c.ServicesDir = DefaultServicesDir
	}
	if c.EnabledDir == "" {
		c.EnabledDir = DefaultEnabledDir
	}
	if c.LogDir == "" {
		c.LogDir = DefaultLogDir
	}
	if c.DataDir == "" {
		c.DataDir = mode.DataDir
	}
	if c.SocketPath == "" {
		c.SocketPath = mode.SocketPath
	}
	if c.SvCommand == "" {
		c.SvCommand = DefaultSvCommand
	}
	if c.PkcheckCommand == "" {
		c.PkcheckCommand = DefaultPkcheckCommand
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.MaxConcurrentCommands == 0 {
		c.MaxConcurrentCommands = DefaultMaxConcurrentCommands
	}
	if c.StatusConcurrency == 0 {
		c.StatusConcurrency = DefaultStatusConcurrency
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RefreshDebounce == 0 {
		c.RefreshDebounce = DefaultRefreshDebounce
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.DefaultAuthMode == "" {
		c.DefaultAuthMode = domain.AuthRequirePassword
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	for name, dir := range map[string]string{
		"services_dir": c.ServicesDir,
		"enabled_dir":  c.EnabledDir,
		"data_dir":     c.DataDir,
		"socket_path":  c.SocketPath,
	} {
		if dir == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		} else if !filepath.IsAbs(dir) {
			errs = append(errs, fmt.Errorf("%s must be absolute, got %q", name, dir))
		}
	}
	if c.CommandTimeout < minCommandTimeout {
		errs = append(errs, fmt.Errorf("command_timeout must be at least %s", minCommandTimeout))
	}
	if c.MaxConcurrentCommands < 1 {
		errs = append(errs, errors.New("max_concurrent_commands must be at least 1"))
	}
	if c.StatusConcurrency < 1 {
		errs = append(errs, errors.New("status_concurrency must be at least 1"))
	}
	if c.PollInterval < minPollInterval {
		errs = append(errs, fmt.Errorf("poll_interval must be at least %s", minPollInterval))
	}
	if !c.DefaultAuthMode.Valid() {
		errs = append(errs, fmt.Errorf("default_auth_mode %q is not a known mode", c.DefaultAuthMode))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	return errors.Join(errs...)
}

// ParseConfig decodes YAML, applies defaults and validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("daemon: parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("daemon: invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads path. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		data = nil
	} else if err != nil {
		return nil, fmt.Errorf("daemon: read config: %w", err)
	}
	return ParseConfig(data)
}
