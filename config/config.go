// Package config loads the rftun YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/easymesh/rftun/frag"
	"github.com/easymesh/rftun/link"
	"github.com/easymesh/rftun/tunnel"
	"github.com/easymesh/rftun/util/ip"
	"gopkg.in/yaml.v3"
)

const (
	LinkUDP  = "udp"
	LinkLoop = "loop"

	HandshakeJoin   = "join"
	HandshakeAccept = "accept"
)

type Config struct {
	Tun       TunConfig       `yaml:"tun"`
	Link      LinkConfig      `yaml:"link"`
	Frag      FragConfig      `yaml:"frag"`
	Handshake HandshakeConfig `yaml:"handshake"`
	Status    StatusConfig    `yaml:"status"`
	Log       LogConfig       `yaml:"log"`
}

type TunConfig struct {
	Name string `yaml:"name"`
	// Address is the local tunnel address in CIDR form.
	Address string `yaml:"address"`
	MTU     int    `yaml:"mtu"`
}

// Channel addresses one radio direction: the node writes to
// Addrs[role] and reads from the other one.
type Channel struct {
	Channel uint8     `yaml:"channel"`
	Addrs   [2]string `yaml:"addrs"`
}

type LinkConfig struct {
	Kind      string  `yaml:"kind"`
	Role      string  `yaml:"role"`
	FrameSize int     `yaml:"frame_size"`
	Loss      float64 `yaml:"loss"`
	// Shared runs both directions over the TX transceiver.
	Shared bool    `yaml:"shared"`
	TX     Channel `yaml:"tx"`
	RX     Channel `yaml:"rx"`
}

type FragConfig struct {
	Format      string        `yaml:"format"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Fast        bool          `yaml:"fast"`
	Gap         time.Duration `yaml:"gap"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	BufLen      int           `yaml:"buflen"`
	PollWait    time.Duration `yaml:"poll_wait"`
}

type HandshakeConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Role       string        `yaml:"role"`
	Iterations int           `yaml:"iterations"`
	Interval   time.Duration `yaml:"interval"`
	NodeID     string        `yaml:"node_id"`
}

type StatusConfig struct {
	// Listen is the HTTP address of the status endpoint, empty disables it.
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Dir   string `yaml:"dir"`
	File  string `yaml:"file"`
	Debug bool   `yaml:"debug"`
}

func Default() *Config {
	return &Config{
		Tun: TunConfig{
			Name:    "rf%d",
			Address: "10.8.0.1/24",
			MTU:     frag.MTU,
		},
		Link: LinkConfig{
			Kind:      LinkUDP,
			Role:      "primary",
			FrameSize: link.MaxFrameSize,
			TX:        Channel{Channel: 76, Addrs: [2]string{"127.0.0.1:7600", "127.0.0.1:7700"}},
			RX:        Channel{Channel: 77, Addrs: [2]string{"127.0.0.1:7800", "127.0.0.1:7900"}},
		},
		Frag: FragConfig{
			Format:      frag.FormatSequenced.String(),
			MaxAttempts: frag.DefaultMaxAttempts,
			RetryDelay:  frag.DefaultRetryDelay,
			Gap:         frag.DefaultGap,
			BufLen:      frag.MTU,
			PollWait:    frag.DefaultPollWait,
		},
		Handshake: HandshakeConfig{
			Role:       HandshakeJoin,
			Iterations: 50,
			Interval:   100 * time.Millisecond,
		},
		Log: LogConfig{
			Dir:  "./",
			File: "rftun.log",
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := c.TunNet(); err != nil {
		return fmt.Errorf("tun.address: %w", err)
	}
	if c.Tun.MTU <= 0 || c.Tun.MTU > frag.MTU {
		return fmt.Errorf("tun.mtu %d out of range (0, %d]", c.Tun.MTU, frag.MTU)
	}
	switch c.Link.Kind {
	case LinkUDP, LinkLoop:
	default:
		return fmt.Errorf("link.kind %q must be %s or %s", c.Link.Kind, LinkUDP, LinkLoop)
	}
	if _, err := c.Role(); err != nil {
		return err
	}
	if c.Link.Loss < 0 || c.Link.Loss >= 1 {
		return fmt.Errorf("link.loss %v out of range [0, 1)", c.Link.Loss)
	}
	codec, err := c.Codec()
	if err != nil {
		return err
	}
	if err := codec.Validate(); err != nil {
		return fmt.Errorf("link.frame_size: %w", err)
	}
	if c.Frag.MaxAttempts <= 0 {
		return fmt.Errorf("frag.max_attempts must be positive")
	}
	if c.Frag.BufLen < c.Tun.MTU {
		return fmt.Errorf("frag.buflen %d smaller than tun.mtu %d", c.Frag.BufLen, c.Tun.MTU)
	}
	if c.Frag.RetryDelay < 0 || c.Frag.Gap < 0 || c.Frag.IdleTimeout < 0 {
		return fmt.Errorf("frag durations must not be negative")
	}
	if c.Handshake.Enabled {
		switch c.Handshake.Role {
		case HandshakeJoin, HandshakeAccept:
		default:
			return fmt.Errorf("handshake.role %q must be %s or %s", c.Handshake.Role, HandshakeJoin, HandshakeAccept)
		}
		if c.Handshake.Iterations <= 0 {
			return fmt.Errorf("handshake.iterations must be positive")
		}
	}
	return nil
}

func (c *Config) TunNet() (ip.IP4Net, error) {
	return ip.ParseIP4Net(c.Tun.Address)
}

func (c *Config) Role() (link.Role, error) {
	switch strings.ToLower(c.Link.Role) {
	case "primary", "0", "":
		return link.RolePrimary, nil
	case "secondary", "1":
		return link.RoleSecondary, nil
	}
	return 0, fmt.Errorf("link.role %q must be primary or secondary", c.Link.Role)
}

// Codec derives the frame layout; data frames are tagged whenever the
// handshake control plane is on.
func (c *Config) Codec() (frag.Codec, error) {
	format, err := frag.ParseFormat(c.Frag.Format)
	if err != nil {
		return frag.Codec{}, fmt.Errorf("frag.format: %w", err)
	}
	return frag.Codec{Format: format, FrameSize: c.Link.FrameSize, Tagged: c.Handshake.Enabled}, nil
}

// Tunnel builds the driver configuration. nodeID is announced on
// shutdown when the handshake is enabled.
func (c *Config) Tunnel(nodeID string) (tunnel.Config, error) {
	codec, err := c.Codec()
	if err != nil {
		return tunnel.Config{}, err
	}
	return tunnel.Config{
		Codec: codec,
		Retry: &frag.RetryPolicy{
			MaxAttempts: c.Frag.MaxAttempts,
			Delay:       c.Frag.RetryDelay,
			Fast:        c.Frag.Fast,
		},
		Gap:         c.Frag.Gap,
		MTU:         c.Tun.MTU,
		BufLen:      c.Frag.BufLen,
		IdleTimeout: c.Frag.IdleTimeout,
		PollWait:    c.Frag.PollWait,
		NodeID:      nodeID,
		Trace:       c.Log.Debug,
	}, nil
}

func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(out)
}
