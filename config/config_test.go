package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/easymesh/rftun/frag"
	"github.com/easymesh/rftun/link"
	"github.com/easymesh/rftun/util/ip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rftun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	codec, err := cfg.Codec()
	require.NoError(t, err)
	assert.Equal(t, frag.Codec{Format: frag.FormatSequenced, FrameSize: 32}, codec)
	assert.Equal(t, 31, codec.PayloadSize())
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
tun:
  address: 192.168.50.2/30
link:
  kind: loop
  role: secondary
  frame_size: 31
  shared: true
  tx:
    channel: 90
    addrs: ["10.0.0.1:9000", "10.0.0.2:9000"]
frag:
  format: length
  retry_delay: 100us
  idle_timeout: 2s
handshake:
  enabled: true
  role: accept
  node_id: north
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, LinkLoop, cfg.Link.Kind)
	assert.True(t, cfg.Link.Shared)
	assert.Equal(t, uint8(90), cfg.Link.TX.Channel)
	assert.Equal(t, [2]string{"10.0.0.1:9000", "10.0.0.2:9000"}, cfg.Link.TX.Addrs)
	assert.Equal(t, 100*time.Microsecond, cfg.Frag.RetryDelay)
	assert.Equal(t, 2*time.Second, cfg.Frag.IdleTimeout)
	assert.Equal(t, frag.DefaultMaxAttempts, cfg.Frag.MaxAttempts)
	assert.Equal(t, "north", cfg.Handshake.NodeID)

	role, err := cfg.Role()
	require.NoError(t, err)
	assert.Equal(t, link.RoleSecondary, role)

	ipn, err := cfg.TunNet()
	require.NoError(t, err)
	assert.Equal(t, ip.MustParseIP4("192.168.50.2"), ipn.IP)
	assert.Equal(t, uint(30), ipn.PrefixLen)

	tc, err := cfg.Tunnel("north")
	require.NoError(t, err)
	assert.Equal(t, frag.Codec{Format: frag.FormatLength, FrameSize: 31, Tagged: true}, tc.Codec)
	assert.Equal(t, 2*time.Second, tc.IdleTimeout)
	assert.Equal(t, "north", tc.NodeID)
	assert.Equal(t, 5, tc.Retry.MaxAttempts)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "tun: [unterminated"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "link:\n  tx:\n    addrs: [a, b, c]\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(c *Config)
	}{
		{"bad address", func(c *Config) { c.Tun.Address = "10.8.0.1" }},
		{"ipv6 address", func(c *Config) { c.Tun.Address = "fd00::1/64" }},
		{"mtu too large", func(c *Config) { c.Tun.MTU = 9000 }},
		{"unknown link", func(c *Config) { c.Link.Kind = "serial" }},
		{"unknown role", func(c *Config) { c.Link.Role = "tertiary" }},
		{"loss", func(c *Config) { c.Link.Loss = 1 }},
		{"frame too large", func(c *Config) { c.Link.FrameSize = 64 }},
		{"frame too small", func(c *Config) { c.Link.FrameSize = 4 }},
		{"format", func(c *Config) { c.Frag.Format = "zip" }},
		{"attempts", func(c *Config) { c.Frag.MaxAttempts = 0 }},
		{"buflen", func(c *Config) { c.Frag.BufLen = 1000 }},
		{"negative gap", func(c *Config) { c.Frag.Gap = -time.Second }},
		{"handshake role", func(c *Config) { c.Handshake.Enabled = true; c.Handshake.Role = "both" }},
		{"handshake iterations", func(c *Config) { c.Handshake.Enabled = true; c.Handshake.Iterations = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.edit(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStringRoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Handshake.Enabled = true
	path := writeConfig(t, cfg.String())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
