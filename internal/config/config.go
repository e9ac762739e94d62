package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"dnsping/pkg/types"
)

// Probe modes.
const (
	ModeSession    = "session"
	ModeSingle     = "single"
	ModeSequential = "sequential"
)

// DefaultProxyPort is used when proxy.address carries no port.
const DefaultProxyPort = 1080

// Config holds all configuration for dnsping.
type Config struct {
	Target  TargetConfig  `yaml:"target"  mapstructure:"target"`
	Proxy   ProxyConfig   `yaml:"proxy"   mapstructure:"proxy"`
	Probe   ProbeConfig   `yaml:"probe"   mapstructure:"probe"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Stats   StatsConfig   `yaml:"stats"   mapstructure:"stats"`
}

type TargetConfig struct {
	Address string `yaml:"address" mapstructure:"address"`
	Port    int    `yaml:"port"    mapstructure:"port"`
	Host    string `yaml:"host"    mapstructure:"host"`
}

type ProxyConfig struct {
	Address            string `yaml:"address"              mapstructure:"address"`
	Username           string `yaml:"username"             mapstructure:"username"`
	Password           string `yaml:"password"             mapstructure:"password"`
	HandshakeTimeoutMs int    `yaml:"handshake_timeout_ms" mapstructure:"handshake_timeout_ms"`
}

type ProbeConfig struct {
	Mode       string `yaml:"mode"        mapstructure:"mode"`
	Count      int    `yaml:"count"       mapstructure:"count"`
	IntervalMs int    `yaml:"interval_ms" mapstructure:"interval_ms"`
	TimeoutMs  int    `yaml:"timeout_ms"  mapstructure:"timeout_ms"`
	Recursive  bool   `yaml:"recursive"   mapstructure:"recursive"`
}

type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	File  string `yaml:"file"  mapstructure:"file"`
}

type StatsConfig struct {
	ReportIntervalSec int    `yaml:"report_interval_sec" mapstructure:"report_interval_sec"`
	ExportFile        string `yaml:"export_file"         mapstructure:"export_file"`
}

// SetDefaults configures default values for the configuration.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("target.port", 53)
	v.SetDefault("target.host", "www.google.com")
	v.SetDefault("proxy.handshake_timeout_ms", 5000)
	v.SetDefault("probe.mode", ModeSession)
	v.SetDefault("probe.count", 0)
	v.SetDefault("probe.interval_ms", 1000)
	v.SetDefault("probe.timeout_ms", 1000)
	v.SetDefault("probe.recursive", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("stats.report_interval_sec", 0)
}

// Load reads configuration from a YAML file and returns a Config.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	return LoadWithViper(v)
}

// LoadWithViper reads configuration using an existing viper instance (for CLI flag binding).
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Destination returns the address probes are sent to.
func (c *Config) Destination() (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(c.Target.Address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid target address %q: %w", c.Target.Address, err)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(c.Target.Port)), nil
}

// ProxyAddr returns the SOCKS5 proxy address, or the zero value when probing
// directly.
func (c *Config) ProxyAddr() (netip.AddrPort, error) {
	if c.Proxy.Address == "" {
		return netip.AddrPort{}, nil
	}
	if ap, err := netip.ParseAddrPort(c.Proxy.Address); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	addr, err := netip.ParseAddr(c.Proxy.Address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid proxy address %q: want IP or IP:port", c.Proxy.Address)
	}
	return netip.AddrPortFrom(addr.Unmap(), DefaultProxyPort), nil
}

// Endpoint assembles the destination and relay settings.
func (c *Config) Endpoint() (types.Endpoint, error) {
	dest, err := c.Destination()
	if err != nil {
		return types.Endpoint{}, err
	}
	proxy, err := c.ProxyAddr()
	if err != nil {
		return types.Endpoint{}, err
	}
	return types.Endpoint{
		Destination: dest,
		Proxy:       proxy,
		Username:    c.Proxy.Username,
		Password:    c.Proxy.Password,
	}, nil
}

func (p ProbeConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMs) * time.Millisecond
}

func (p ProbeConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

func (p ProxyConfig) HandshakeTimeout() time.Duration {
	return time.Duration(p.HandshakeTimeoutMs) * time.Millisecond
}

// Summary returns a human-readable summary of the configuration.
func (c *Config) Summary() string {
	var sb strings.Builder
	sb.WriteString("Configuration:\n")
	sb.WriteString(fmt.Sprintf("  Target:        %s port %d\n", c.Target.Address, c.Target.Port))
	sb.WriteString(fmt.Sprintf("  Host:          %s (recursive=%v)\n", c.Target.Host, c.Probe.Recursive))
	if c.Proxy.Address != "" {
		sb.WriteString(fmt.Sprintf("  SOCKS5 Proxy:  %s (auth=%v)\n", c.Proxy.Address, c.Proxy.Username != ""))
	}
	sb.WriteString(fmt.Sprintf("  Mode:          %s\n", c.Probe.Mode))
	sb.WriteString(fmt.Sprintf("  Count:         %d\n", c.Probe.Count))
	sb.WriteString(fmt.Sprintf("  Interval:      %dms\n", c.Probe.IntervalMs))
	sb.WriteString(fmt.Sprintf("  Timeout:       %dms\n", c.Probe.TimeoutMs))
	return sb.String()
}
