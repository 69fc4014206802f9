// Package config loads burrow's settings from defaults, an optional YAML
// file, BURROW_* environment variables and command-line flags, in rising
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/portforward"
	"github.com/cuemby/burrow/pkg/reconciler"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key, e.g. BURROW_LOG_LEVEL
const EnvPrefix = "BURROW"

// Keys
const (
	KeyDataDir                = "dataDir"
	KeyListenAddr             = "listenAddr"
	KeyLogLevel               = "log.level"
	KeyLogJSON                = "log.json"
	KeyWatchWindowSize        = "watch.windowSize"
	KeyWatchQueueSize         = "watch.queueSize"
	KeyControllersInterval    = "controllers.interval"
	KeyServiceCIDR            = "service.cidr"
	KeyPortForwardDialTimeout = "portforward.dialTimeout"
	KeyPortForwardMaxBuffered = "portforward.maxBufferedBytes"
)

// Config is the typed form of every setting
type Config struct {
	DataDir     string            `mapstructure:"dataDir"`
	ListenAddr  string            `mapstructure:"listenAddr"`
	Log         LogConfig         `mapstructure:"log"`
	Watch       WatchConfig       `mapstructure:"watch"`
	Controllers ControllersConfig `mapstructure:"controllers"`
	Service     ServiceConfig     `mapstructure:"service"`
	PortForward PortForwardConfig `mapstructure:"portforward"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type WatchConfig struct {
	WindowSize int `mapstructure:"windowSize"`
	QueueSize  int `mapstructure:"queueSize"`
}

type ControllersConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type ServiceConfig struct {
	CIDR string `mapstructure:"cidr"`
}

type PortForwardConfig struct {
	DialTimeout      time.Duration `mapstructure:"dialTimeout"`
	MaxBufferedBytes int           `mapstructure:"maxBufferedBytes"`
}

// New returns a viper instance with defaults registered and environment
// lookup enabled.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyDataDir, "./burrow-data")
	v.SetDefault(KeyListenAddr, "127.0.0.1:6443")
	v.SetDefault(KeyLogLevel, string(log.InfoLevel))
	v.SetDefault(KeyLogJSON, false)
	v.SetDefault(KeyWatchWindowSize, events.DefaultWindowSize)
	v.SetDefault(KeyWatchQueueSize, events.DefaultQueueSize)
	v.SetDefault(KeyControllersInterval, reconciler.DefaultInterval)
	v.SetDefault(KeyServiceCIDR, manager.DefaultServiceCIDR)
	v.SetDefault(KeyPortForwardDialTimeout, portforward.DefaultDialTimeout)
	v.SetDefault(KeyPortForwardMaxBuffered, portforward.DefaultMaxBufferedBytes)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds command flags to keys. flags maps key to flag name.
func BindFlags(v *viper.Viper, cmd *cobra.Command, flags map[string]string) error {
	for key, name := range flags {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			return fmt.Errorf("unknown flag %q for key %s", name, key)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %q: %w", name, err)
		}
	}
	return nil
}

// Load reads the optional YAML file and returns the validated settings
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", KeyDataDir))
	}
	if c.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", KeyListenAddr))
	}
	switch log.Level(c.Log.Level) {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		errs = append(errs, fmt.Errorf("%s: unknown level %q", KeyLogLevel, c.Log.Level))
	}
	if c.Watch.WindowSize <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeyWatchWindowSize, c.Watch.WindowSize))
	}
	if c.Watch.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeyWatchQueueSize, c.Watch.QueueSize))
	}
	if c.Controllers.Interval <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %s", KeyControllersInterval, c.Controllers.Interval))
	}
	if _, err := netip.ParsePrefix(c.Service.CIDR); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KeyServiceCIDR, err))
	}
	if c.PortForward.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %s", KeyPortForwardDialTimeout, c.PortForward.DialTimeout))
	}
	if c.PortForward.MaxBufferedBytes <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeyPortForwardMaxBuffered, c.PortForward.MaxBufferedBytes))
	}
	return errors.Join(errs...)
}

// ManagerConfig converts the settings for manager.NewManager
func (c *Config) ManagerConfig() *manager.Config {
	return &manager.Config{
		DataDir: c.DataDir,
		Watch: events.Config{
			WindowSize: c.Watch.WindowSize,
			QueueSize:  c.Watch.QueueSize,
		},
		ControllerInterval: c.Controllers.Interval,
		ServiceCIDR:        c.Service.CIDR,
		DialTimeout:        c.PortForward.DialTimeout,
		MaxBufferedBytes:   c.PortForward.MaxBufferedBytes,
	}
}

// LogConfig converts the settings for log.Init
func (c *Config) LogConfig() log.Config {
	return log.Config{
		Level:      log.Level(c.Log.Level),
		JSONOutput: c.Log.JSON,
	}
}
