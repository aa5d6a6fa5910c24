package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "10.1.10.1", cfg.TunAddress().String())
	require.Equal(t, 30*time.Second, cfg.Proxy.Linger)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baotun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tun:
  name: utun7
proxy:
  mark: 255
  dial_timeout: 3s
mitm:
  http2: false
bypass:
  hosts: ["*.apple.com"]
  ips: ["17.0.0.1"]
log:
  level: DEBUG
headers:
  set:
    X-Intercepted: "1"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "utun7", cfg.Tun.Name)
	require.Equal(t, 1500, cfg.Tun.MTU)
	require.Equal(t, 255, cfg.Proxy.Mark)
	require.Equal(t, 3*time.Second, cfg.Proxy.DialTimeout)
	require.False(t, cfg.MITM.HTTP2)
	require.True(t, cfg.MITM.Enabled)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, []string{"*.apple.com"}, cfg.Bypass.Hosts)
	require.Len(t, cfg.BypassIPs(), 1)
	require.Equal(t, "1", cfg.Headers.Set["X-Intercepted"])
	require.Contains(t, cfg.Headers.Remove, "Proxy-Authorization")
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Tun.Address = "fe80::1"
	cfg.Tun.MTU = 100
	cfg.Bypass.IPs = []string{"nope"}
	cfg.Log.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	for _, s := range []string{"tun.address", "tun.mtu", "bypass.ips", "log.format"} {
		require.Contains(t, err.Error(), s)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
