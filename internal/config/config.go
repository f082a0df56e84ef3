// Package config holds the overlay configuration types and defaults.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Role represents the process role chosen on the command line.
type Role string

const (
	RoleRelay Role = "relay"
	RoleNode  Role = "node"
)

// Config stores every tunable of the overlay. Zero values are never used
// directly: start from Default() and overlay a file or flags.
type Config struct {
	Role Role `yaml:"role"`

	Network   NetworkConfig   `yaml:"network"`
	RTC       RTCConfig       `yaml:"rtc"`
	Signaling SignalingConfig `yaml:"signaling"`
	Server    ServerConfig    `yaml:"server"`
	Ports     PortConfig      `yaml:"ports"`
	Stats     StatsConfig     `yaml:"stats"`

	Debug bool `yaml:"debug"`
}

// NetworkConfig configures the node side: which relay to dial and which
// sub-channel carries signaling RPC.
type NetworkConfig struct {
	URL              string        `yaml:"url"`
	Channel          string        `yaml:"channel"`
	RPCTimeout       time.Duration `yaml:"rpc_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// RTCConfig configures every WebRTC socket.
type RTCConfig struct {
	STUNServers     []string      `yaml:"stun_servers"`
	IncludeLoopback bool          `yaml:"include_loopback"`
	ICEBufferSize   int           `yaml:"ice_buffer_size"`
	ICEBufferTime   time.Duration `yaml:"ice_buffer_time"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	DescribeTimeout time.Duration `yaml:"describe_timeout"`
}

// SignalingConfig configures the offer/answer exchange driven by a relay.
type SignalingConfig struct {
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// ServerConfig configures the relay.
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	Subnet  string `yaml:"subnet"`
	Metrics bool   `yaml:"metrics"`
}

// PortConfig is the per-interface port pool range.
type PortConfig struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// StatsConfig controls the periodic stats reporter.
type StatsConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// STUN servers for ICE candidate gathering. No TURN: sockets are meant to
// be direct P2P links.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		Role: RoleNode,
		Network: NetworkConfig{
			Channel:          "signal",
			RPCTimeout:       10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		RTC: RTCConfig{
			STUNServers:     append([]string(nil), defaultSTUNServers...),
			ICEBufferSize:   20,
			ICEBufferTime:   60 * time.Second,
			PollInterval:    250 * time.Millisecond,
			DescribeTimeout: 60 * time.Second,
		},
		Signaling: SignalingConfig{
			Retries:    3,
			RetryDelay: 250 * time.Millisecond,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8080",
			Subnet: "72.16.0.0/14",
		},
		Ports: PortConfig{Start: 1024, End: 65535},
		Stats: StatsConfig{Interval: 10 * time.Second},
	}
}

// Load reads a YAML file on top of Default(). An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid option.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleRelay, RoleNode:
	default:
		return fmt.Errorf("invalid role %q: must be %q or %q", c.Role, RoleRelay, RoleNode)
	}

	if _, err := netip.ParsePrefix(c.Server.Subnet); err != nil {
		return fmt.Errorf("invalid subnet %q: %w", c.Server.Subnet, err)
	}
	if c.Network.Channel == "" {
		return errors.New("signaling channel name must not be empty")
	}
	if c.Ports.Start < 1 || c.Ports.End > 65535 || c.Ports.Start > c.Ports.End {
		return fmt.Errorf("invalid port range %d-%d", c.Ports.Start, c.Ports.End)
	}
	if c.Signaling.Retries < 0 {
		return fmt.Errorf("invalid retry count %d", c.Signaling.Retries)
	}
	if c.RTC.ICEBufferSize < 1 {
		return fmt.Errorf("invalid ICE buffer size %d", c.RTC.ICEBufferSize)
	}

	durations := map[string]time.Duration{
		"rpc_timeout":       c.Network.RPCTimeout,
		"handshake_timeout": c.Network.HandshakeTimeout,
		"ice_buffer_time":   c.RTC.ICEBufferTime,
		"poll_interval":     c.RTC.PollInterval,
		"describe_timeout":  c.RTC.DescribeTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}
