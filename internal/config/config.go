// Package config loads the TOML configuration describing listen
// addresses, local domains, and data-root paths, the concrete format
// for what spec.md leaves as an unspecified "XML configuration".
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the root of conf/epistula.toml.
type Config struct {
	Hostname string `toml:"hostname"`
	DataDir  string `toml:"data_dir"`

	SMTP    ListenConfig `toml:"smtp"`
	Submission ListenConfig `toml:"submission"`
	POP3    ListenConfig `toml:"pop3"`

	TLS TLSConfig `toml:"tls"`

	Metrics MetricsConfig `toml:"metrics"`

	Domains []string `toml:"domains"`
}

// ListenConfig describes one protocol listener.
type ListenConfig struct {
	Addr     string `toml:"addr"`
	Hostname string `toml:"hostname"`
}

// TLSConfig names the certificate and key files presented by every
// listener that requires TLS (the submission and POP3 listeners
// always; the SMTP listener when the peer sends STARTTLS).
type TLSConfig struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	// Dev, when true, tells the caller to generate a self-signed
	// certificate instead of reading CertFile/KeyFile, matching the
	// teacher's -dev flag behavior.
	Dev bool `toml:"dev"`
}

// MetricsConfig describes the Prometheus exporter's listen address.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Load reads and parses the TOML configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %v", path, err)
	}
	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %v", path, err)
	}
	c.setDefaults()
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/epistula"
	}
	if c.SMTP.Addr == "" {
		c.SMTP.Addr = ":25"
	}
	if c.Submission.Addr == "" {
		c.Submission.Addr = ":587"
	}
	if c.POP3.Addr == "" {
		c.POP3.Addr = ":110"
	}
	for _, lc := range []*ListenConfig{&c.SMTP, &c.Submission, &c.POP3} {
		if lc.Hostname == "" {
			lc.Hostname = c.Hostname
		}
	}
}
