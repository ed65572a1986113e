// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"opensocdebug.org/osd/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `osd:` root key in YAML.
type GlobalConfig struct {
	Log      LogConfig       `mapstructure:"log"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Control  ControlConfig   `mapstructure:"control"`
	HostCtrl HostCtrlConfig  `mapstructure:"hostctrl"`
	Gateways []GatewayConfig `mapstructure:"gateways"`
	Tap      TapConfig       `mapstructure:"tap"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Host Controller ───

// HostCtrlConfig configures the embedded host controller.
type HostCtrlConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Listen  string        `mapstructure:"listen"` // tcp://, ipc:// or inproc://
	Subnet  uint          `mapstructure:"subnet"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ─── Gateways ───

// GatewayConfig configures one gateway.
type GatewayConfig struct {
	Name              string        `mapstructure:"name"`
	Subnet            uint          `mapstructure:"subnet"`
	HostCtrl          string        `mapstructure:"hostctrl"` // Empty = embedded host controller
	Timeout           time.Duration `mapstructure:"timeout"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	Device            DeviceConfig  `mapstructure:"device"`
}

// DeviceConfig selects the device link of a gateway. Options are passed to
// the link as is.
type DeviceConfig struct {
	Type    string            `mapstructure:"type"` // tcp | loopback
	Options map[string]string `mapstructure:"options"`
}

// ─── Traffic Tap ───

// TapConfig configures mirroring of routed packets.
type TapConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	Type      string         `mapstructure:"type"`   // console | kafka
	Format    string         `mapstructure:"format"` // json | text (console only)
	QueueSize int            `mapstructure:"queue_size"`
	Kafka     TapKafkaConfig `mapstructure:"kafka"`
}

// TapKafkaConfig contains the Kafka sink settings of the tap.
type TapKafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Compression  string        `mapstructure:"compression"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`  // MB
	MaxAgeDays int  `mapstructure:"max_age_days"` // Days
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `osd: ...`.
type configRoot struct {
	OSD GlobalConfig `mapstructure:"osd"`
}

const (
	defaultGatewayTimeout   = 2 * time.Second
	defaultReconnectInterval = 5 * time.Second
)

// DeviceTypes lists the accepted device.type values.
var DeviceTypes = []string{"tcp", "loopback"}

// Load loads configuration from file.
// The YAML file uses `osd:` as root key; env vars use the OSD_ prefix (e.g., OSD_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return load(v)
}

// Default returns the configuration used without a config file.
func Default() (*GlobalConfig, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*GlobalConfig, error) {
	// The `osd.` key prefix maps to `OSD_` in env vars via the key replacer
	// (e.g., key "osd.hostctrl.listen" → env "OSD_HOSTCTRL_LISTEN").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.OSD

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "osd." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Control defaults
	v.SetDefault("osd.control.pid_file", "/var/run/osd.pid")
	v.SetDefault("osd.control.socket", "/var/run/osd.sock")

	// Log defaults
	v.SetDefault("osd.log.level", "info")
	v.SetDefault("osd.log.format", "json")
	v.SetDefault("osd.log.outputs.file.enabled", false)
	v.SetDefault("osd.log.outputs.file.path", "/var/log/osd/osd.log")
	v.SetDefault("osd.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("osd.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("osd.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("osd.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("osd.metrics.enabled", true)
	v.SetDefault("osd.metrics.listen", ":9538")
	v.SetDefault("osd.metrics.path", "/metrics")

	// Host controller defaults
	v.SetDefault("osd.hostctrl.enabled", true)
	v.SetDefault("osd.hostctrl.listen", "tcp://0.0.0.0:9537")
	v.SetDefault("osd.hostctrl.subnet", 1)
	v.SetDefault("osd.hostctrl.timeout", "2s")

	// Tap defaults
	v.SetDefault("osd.tap.enabled", false)
	v.SetDefault("osd.tap.type", "console")
	v.SetDefault("osd.tap.format", "json")
	v.SetDefault("osd.tap.queue_size", 4096)
	v.SetDefault("osd.tap.kafka.batch_size", 100)
	v.SetDefault("osd.tap.kafka.batch_timeout", "1s")
	v.SetDefault("osd.tap.kafka.compression", "snappy")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	// ── Host controller ──
	if cfg.HostCtrl.Enabled {
		if cfg.HostCtrl.Listen == "" {
			return fmt.Errorf("%w: hostctrl.listen is required when hostctrl.enabled=true", core.ErrConfigInvalid)
		}
		if cfg.HostCtrl.Subnet > core.MaxSubnet {
			return fmt.Errorf("%w: hostctrl.subnet %d out of range (0-%d)", core.ErrConfigInvalid, cfg.HostCtrl.Subnet, core.MaxSubnet)
		}
	}

	// ── Gateways ──
	subnets := map[uint]string{}
	for i := range cfg.Gateways {
		gw := &cfg.Gateways[i]
		if gw.Subnet > core.MaxSubnet {
			return fmt.Errorf("%w: gateways[%d].subnet %d out of range (0-%d)", core.ErrConfigInvalid, i, gw.Subnet, core.MaxSubnet)
		}
		if gw.Name == "" {
			gw.Name = fmt.Sprintf("gw-%d", gw.Subnet)
		}
		if other, dup := subnets[gw.Subnet]; dup {
			return fmt.Errorf("%w: gateways %q and %q both serve subnet %d", core.ErrConfigInvalid, other, gw.Name, gw.Subnet)
		}
		subnets[gw.Subnet] = gw.Name

		if gw.HostCtrl == "" {
			if !cfg.HostCtrl.Enabled {
				return fmt.Errorf("%w: gateway %q needs hostctrl when the embedded host controller is disabled", core.ErrConfigInvalid, gw.Name)
			}
			gw.HostCtrl = LocalAddr(cfg.HostCtrl.Listen)
		}
		if gw.Timeout <= 0 {
			gw.Timeout = defaultGatewayTimeout
		}
		if gw.ReconnectInterval <= 0 {
			gw.ReconnectInterval = defaultReconnectInterval
		}
		if !knownDeviceType(gw.Device.Type) {
			return fmt.Errorf("%w: gateway %q: unknown device type %q (must be one of %s)",
				core.ErrConfigInvalid, gw.Name, gw.Device.Type, strings.Join(DeviceTypes, "/"))
		}
	}

	// ── Tap ──
	if cfg.Tap.Enabled {
		switch cfg.Tap.Type {
		case "console":
			if cfg.Tap.Format != "json" && cfg.Tap.Format != "text" {
				return fmt.Errorf("%w: invalid tap.format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Tap.Format)
			}
		case "kafka":
			if len(cfg.Tap.Kafka.Brokers) == 0 {
				return fmt.Errorf("%w: tap.kafka.brokers is required when tap.type=kafka", core.ErrConfigInvalid)
			}
			if cfg.Tap.Kafka.Topic == "" {
				return fmt.Errorf("%w: tap.kafka.topic is required when tap.type=kafka", core.ErrConfigInvalid)
			}
		default:
			return fmt.Errorf("%w: unsupported tap.type: %s (must be console/kafka)", core.ErrConfigInvalid, cfg.Tap.Type)
		}
	}

	return nil
}

// LocalAddr turns a listen address into one a local client can connect to.
func LocalAddr(listen string) string {
	for _, host := range []string{"://0.0.0.0:", "://*:", "://[::]:"} {
		if strings.Contains(listen, host) {
			return strings.Replace(listen, host, "://127.0.0.1:", 1)
		}
	}
	return listen
}

func knownDeviceType(t string) bool {
	for _, known := range DeviceTypes {
		if t == known {
			return true
		}
	}
	return false
}
