package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	defaultFile      string = "config.yaml"
	defaultInterface string = "127.0.0.1"
	defaultLogLevel  string = "info"
)

type Tap struct {
	Type string `yaml:"type"`
	// replace
	Match   string `yaml:"match"`
	Replace string `yaml:"replace"`
	// dump
	Hex bool `yaml:"hex"`
	// decode
	Layer string `yaml:"layer"`
}

type Proxy struct {
	Protocol           string        `yaml:"protocol"`
	UpstreamIP         string        `yaml:"upstreamIP"`
	UpstreamPort       int           `yaml:"upstreamPort"`
	BindPort           int           `yaml:"bindPort"`
	BindInterface      string        `yaml:"bindInterface"`
	Socks5             string        `yaml:"socks5"`
	SessionIdleTimeout time.Duration `yaml:"sessionIdleTimeout"`
	Taps               []Tap         `yaml:"taps"`
}

type Config struct {
	LogLevel string  `yaml:"logLevel"`
	Proxies  []Proxy `yaml:"proxies"`
}

func newWithDefaults() *Config {
	return &Config{
		LogLevel: defaultLogLevel,
	}
}

func ApplyDefaults(config *Config) {
	if config.LogLevel == "" {
		config.LogLevel = defaultLogLevel
	}
	for i := range config.Proxies {
		if config.Proxies[i].BindInterface == "" {
			config.Proxies[i].BindInterface = defaultInterface
		}
	}
}

func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if len(c.Proxies) == 0 {
		return fmt.Errorf("no proxies configured")
	}
	for i, p := range c.Proxies {
		if err := p.validate(); err != nil {
			return fmt.Errorf("proxy %d: %w", i, err)
		}
	}
	return nil
}

func (p Proxy) validate() error {
	switch p.Protocol {
	case "tcp", "udp":
	default:
		return fmt.Errorf("unsupported protocol %q", p.Protocol)
	}
	if p.UpstreamIP == "" {
		return fmt.Errorf("missing upstreamIP")
	}
	if !validPort(p.UpstreamPort, false) {
		return fmt.Errorf("invalid upstreamPort %v", p.UpstreamPort)
	}
	if !validPort(p.BindPort, true) {
		return fmt.Errorf("invalid bindPort %v", p.BindPort)
	}
	if p.SessionIdleTimeout < 0 {
		return fmt.Errorf("negative sessionIdleTimeout")
	}
	if p.Socks5 != "" && p.Protocol != "tcp" {
		return fmt.Errorf("socks5 is only supported for tcp")
	}
	for j, t := range p.Taps {
		if err := t.validate(); err != nil {
			return fmt.Errorf("tap %d: %w", j, err)
		}
	}
	return nil
}

func (t Tap) validate() error {
	switch t.Type {
	case "forward", "dump":
	case "replace":
		if t.Match == "" {
			return fmt.Errorf("replace tap needs match")
		}
	case "decode":
		if t.Layer == "" {
			return fmt.Errorf("decode tap needs layer")
		}
	default:
		return fmt.Errorf("unsupported tap type %q", t.Type)
	}
	return nil
}

func validPort(port int, allowZero bool) bool {
	if port == 0 {
		return allowZero
	}
	return port > 0 && port <= 65535
}

func Parse(data []byte) (*Config, error) {
	config := newWithDefaults()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	ApplyDefaults(config)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func FromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %v: %w", filename, err)
	}
	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", filename, err)
	}
	logrus.Debugf("Parsed config from %v: %+v", filename, config)
	return config, nil
}

func FromCmdline() (*Config, error) {
	filename := flag.String("conf", defaultFile, "Config file")
	flag.Parse()
	return FromFile(*filename)
}
