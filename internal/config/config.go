// Package config loads the engine settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tun    Tun    `yaml:"tun"`
	Proxy  Proxy  `yaml:"proxy"`
	MITM   MITM   `yaml:"mitm"`
	Bypass Bypass `yaml:"bypass"`
	UID    UID    `yaml:"uid"`
	Log    Log    `yaml:"log"`
	// Headers edits decrypted requests.
	Headers Headers `yaml:"headers"`
}

type Tun struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	MTU     int    `yaml:"mtu"`
}

type Proxy struct {
	// Listen is the TCP redirect listener. Empty picks a free port on the
	// tun address.
	Listen string `yaml:"listen"`
	// Mark is set on upstream sockets so they can be routed around the tun.
	Mark        int           `yaml:"mark"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	UDPFlows    int           `yaml:"udp_flows"`
	// Linger keeps closed sessions resolvable for trailing packets.
	Linger time.Duration `yaml:"linger"`
}

type MITM struct {
	Enabled   bool   `yaml:"enabled"`
	CertPath  string `yaml:"cert"`
	KeyPath   string `yaml:"key"`
	CertCache string `yaml:"cert_cache"`
	HTTP2     bool   `yaml:"http2"`
	// InsecureUpstream skips verifying real servers.
	InsecureUpstream bool `yaml:"insecure_upstream"`
}

type Bypass struct {
	Hosts []string `yaml:"hosts"`
	IPs   []string `yaml:"ips"`
}

type UID struct {
	Enabled  bool          `yaml:"enabled"`
	Deadline time.Duration `yaml:"deadline"`
}

type Log struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	File    string `yaml:"file"`
	MaxSize int    `yaml:"max_size_mb"`
	Packets bool   `yaml:"packets"`
	// Exchanges logs every decoded HTTP exchange.
	Exchanges bool `yaml:"exchanges"`
}

type Headers struct {
	Remove []string          `yaml:"remove"`
	Set    map[string]string `yaml:"set"`
}

func Default() *Config {
	return &Config{
		Tun: Tun{
			Name:    "baotun0",
			Address: "10.1.10.1",
			MTU:     1500,
		},
		Proxy: Proxy{
			DialTimeout: 10 * time.Second,
			UDPFlows:    512,
			Linger:      30 * time.Second,
		},
		MITM: MITM{
			Enabled:   true,
			CertPath:  "root.crt",
			KeyPath:   "root.key",
			CertCache: "certstore.db",
			HTTP2:     true,
		},
		UID: UID{Deadline: 100 * time.Millisecond},
		Log: Log{
			Level:   "info",
			Format:  "console",
			MaxSize: 100,
		},
		Headers: Headers{
			Remove: []string{"Proxy-Connection", "Proxy-Authenticate", "Proxy-Authorization"},
		},
	}
}

// Load reads path over the defaults. A missing path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Tun.Name == "" {
		errs = append(errs, errors.New("tun.name required"))
	}
	if a, err := netip.ParseAddr(c.Tun.Address); err != nil || !a.Is4() {
		errs = append(errs, fmt.Errorf("tun.address %q is not an ipv4 address", c.Tun.Address))
	}
	if c.Tun.MTU < 576 || c.Tun.MTU > 65535 {
		errs = append(errs, fmt.Errorf("tun.mtu %d out of range", c.Tun.MTU))
	}
	if c.Proxy.Listen != "" {
		if _, err := netip.ParseAddrPort(c.Proxy.Listen); err != nil {
			errs = append(errs, fmt.Errorf("proxy.listen: %w", err))
		}
	}
	if c.Proxy.UDPFlows < 0 {
		errs = append(errs, errors.New("proxy.udp_flows must not be negative"))
	}
	if c.MITM.Enabled && (c.MITM.CertPath == "" || c.MITM.KeyPath == "") {
		errs = append(errs, errors.New("mitm.cert and mitm.key required"))
	}
	for _, ip := range c.Bypass.IPs {
		if _, err := netip.ParseAddr(ip); err != nil {
			errs = append(errs, fmt.Errorf("bypass.ips: %w", err))
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q unknown", c.Log.Level))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q unknown", c.Log.Format))
	}
	return errors.Join(errs...)
}

// TunAddress is the parsed tun address. Call Validate first.
func (c *Config) TunAddress() netip.Addr {
	a, _ := netip.ParseAddr(c.Tun.Address)
	return a
}

// BypassIPs are the parsed bypass addresses. Call Validate first.
func (c *Config) BypassIPs() []netip.Addr {
	ips := make([]netip.Addr, 0, len(c.Bypass.IPs))
	for _, s := range c.Bypass.IPs {
		if a, err := netip.ParseAddr(s); err == nil {
			ips = append(ips, a)
		}
	}
	return ips
}
