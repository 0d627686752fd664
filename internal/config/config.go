// Package config loads the proxy configuration from YAML or command-line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"obfs-proxy/internal/domain"
)

const (
	DefaultDNSTimeout     = 5 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultResolvConf     = "/etc/resolv.conf"
)

type Config struct {
	Log            LogConfig     `yaml:"log"`
	DNS            DNSConfig     `yaml:"dns"`
	Proxy          string        `yaml:"proxy"`
	ConnectTimeout time.Duration `yaml:"connect-timeout"`
	Listeners      []Listener    `yaml:"listeners"`

	proxyURL *url.URL
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
	Unsafe bool   `yaml:"unsafe"`
}

type DNSConfig struct {
	Server  string        `yaml:"server"`
	Timeout time.Duration `yaml:"timeout"`
}

type Listener struct {
	Transport      string            `yaml:"transport"`
	Mode           string            `yaml:"mode"`
	Listen         string            `yaml:"listen"`
	Dest           string            `yaml:"dest"`
	HashIterations int               `yaml:"hash-iterations"`
	Options        map[string]string `yaml:"options"`

	mode domain.Mode
	addr netip.AddrPort
}

// Flags carries the single-listener command-line form.
type Flags struct {
	Transport    string
	Mode         string
	Listen       string
	Dest         string
	SharedSecret string
	Proxy        string
	LogLevel     string
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.SetupError{Err: fmt.Errorf("read config: %w", err)}
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &domain.SetupError{Err: fmt.Errorf("parse config: %w", err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func FromFlags(f Flags) (*Config, error) {
	l := Listener{
		Transport: f.Transport,
		Mode:      f.Mode,
		Listen:    f.Listen,
		Dest:      f.Dest,
	}
	if f.SharedSecret != "" {
		l.Options = map[string]string{"shared-secret": f.SharedSecret}
	}
	cfg := &Config{
		Log:       LogConfig{Level: f.LogLevel},
		Proxy:     f.Proxy,
		Listeners: []Listener{l},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies defaults and checks every listener.
func (c *Config) Validate() error {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.DNS.Timeout <= 0 {
		c.DNS.Timeout = DefaultDNSTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.DNS.Server != "" {
		if _, err := c.DNSServer(); err != nil {
			return &domain.SetupError{Err: err}
		}
	}
	if c.Proxy != "" {
		u, err := url.Parse(c.Proxy)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &domain.SetupError{Err: fmt.Errorf("bad proxy url %q", c.Proxy)}
		}
		c.proxyURL = u
	}
	if len(c.Listeners) == 0 {
		return &domain.SetupError{Err: errors.New("no listeners configured")}
	}
	for i := range c.Listeners {
		if err := c.Listeners[i].validate(); err != nil {
			return &domain.SetupError{Transport: c.Listeners[i].Transport, Err: fmt.Errorf("listener %d: %w", i, err)}
		}
	}
	return nil
}

func (c *Config) ProxyURL() *url.URL { return c.proxyURL }

// DNSServer returns the configured nameserver, or the system one when unset.
func (c *Config) DNSServer() (netip.AddrPort, error) {
	if c.DNS.Server == "" {
		return netip.AddrPort{}, nil
	}
	if ap, err := netip.ParseAddrPort(c.DNS.Server); err == nil {
		return ap, nil
	}
	ip, err := netip.ParseAddr(c.DNS.Server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("bad dns server %q", c.DNS.Server)
	}
	return netip.AddrPortFrom(ip, 53), nil
}

func (l *Listener) validate() error {
	if l.Transport == "" {
		return errors.New("transport is required")
	}
	mode, err := domain.ParseMode(l.Mode)
	if err != nil {
		return err
	}
	l.mode = mode

	addr, err := netip.ParseAddrPort(l.Listen)
	if err != nil {
		return fmt.Errorf("bad listen address %q: %w", l.Listen, err)
	}
	l.addr = addr

	switch {
	case mode == domain.ModeSocks && l.Dest != "":
		return errors.New("dest is not used in socks mode")
	case mode != domain.ModeSocks && l.Dest == "":
		return fmt.Errorf("dest is required in %s mode", mode)
	case l.Dest != "":
		if _, _, err := SplitDest(l.Dest); err != nil {
			return err
		}
	}

	if l.HashIterations < 0 {
		return fmt.Errorf("negative hash-iterations %d", l.HashIterations)
	}
	if secret, ok := l.Options["shared-secret"]; ok && secret == "" {
		return errors.New("empty shared-secret")
	}
	return nil
}

func (l *Listener) ModeValue() domain.Mode { return l.mode }
func (l *Listener) Addr() netip.AddrPort   { return l.addr }

// SplitDest splits a host:port destination.
func SplitDest(dest string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(dest)
	if err != nil {
		return "", 0, fmt.Errorf("bad dest %q: %w", dest, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 || host == "" {
		return "", 0, fmt.Errorf("bad dest %q", dest)
	}
	return host, uint16(port), nil
}
