// Package config loads the duplexcat configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/TheusHen/duplex/duplex"
)

const (
	EngineTLS   = "tls"
	EngineNoise = "noise"

	TransportTCP  = "tcp"
	TransportQUIC = "quic"

	ClientAuthNone    = "none"
	ClientAuthWant    = "want"
	ClientAuthRequire = "require"
)

// TLS names the certificate material of the tls engine. Empty Cert and Key
// select a fresh self-signed certificate.
type TLS struct {
	Cert     string `yaml:"cert" json:"cert"`
	Key      string `yaml:"key" json:"key"`
	CA       string `yaml:"ca" json:"ca"`
	Insecure bool   `yaml:"insecure" json:"insecure"`
}

// Noise holds hex encoded X25519 keys for the noise engine.
type Noise struct {
	PrivateKey string            `yaml:"private_key" json:"private_key"`
	KnownHosts map[string]string `yaml:"known_hosts" json:"known_hosts"`
	Authorized []string          `yaml:"authorized" json:"authorized"`
}

// Config holds the duplexcat configuration.
type Config struct {
	Engine     string `yaml:"engine" json:"engine"`
	Transport  string `yaml:"transport" json:"transport"`
	ServerName string `yaml:"server_name" json:"server_name"`
	ClientAuth string `yaml:"client_auth" json:"client_auth"`
	LogLevel   string `yaml:"log_level" json:"log_level"`

	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`

	TLS   TLS   `yaml:"tls" json:"tls"`
	Noise Noise `yaml:"noise" json:"noise"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Engine:       EngineTLS,
		Transport:    TransportTCP,
		ServerName:   "localhost",
		ClientAuth:   ClientAuthWant,
		LogLevel:     "info",
		DialTimeout:  10 * time.Second,
		PollInterval: duplex.DefaultPollInterval,
		MaxAttempts:  1000,
	}
}

// DefaultPath returns the default config file path: ~/.duplex/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".duplex", "config.yaml")
	}
	return filepath.Join(home, ".duplex", "config.yaml")
}

// Load reads the configuration from the given YAML file path.
// If the file does not exist, it returns the default Config with no error.
// A file holding key material that others can read is reported on log.
func Load(path string, log *logrus.Entry) (*Config, error) {
	if log == nil {
		log = logrus.WithField("component", "config")
	}
	cfg := Default()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	secret := cfg.Noise.PrivateKey != "" || cfg.TLS.Key != ""
	if perm := info.Mode().Perm(); secret && perm&0o077 != 0 {
		log.WithFields(logrus.Fields{
			"path":        path,
			"permissions": fmt.Sprintf("%04o", perm),
		}).Warn("config file holds a private key and is readable by other users, expected 0600")
	}
	return cfg, nil
}

// Validate checks the enumerated fields and the log level.
func (c *Config) Validate() error {
	var errs []error
	switch c.Engine {
	case EngineTLS, EngineNoise:
	default:
		errs = append(errs, fmt.Errorf("config: unknown engine %q", c.Engine))
	}
	switch c.Transport {
	case TransportTCP, TransportQUIC:
	default:
		errs = append(errs, fmt.Errorf("config: unknown transport %q", c.Transport))
	}
	switch c.ClientAuth {
	case ClientAuthNone, ClientAuthWant, ClientAuthRequire:
	default:
		errs = append(errs, fmt.Errorf("config: unknown client_auth %q", c.ClientAuth))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		errs = append(errs, errors.New("config: tls cert and key must be set together"))
	}
	return errors.Join(errs...)
}

// Session returns the session parameters of the given side.
func (c *Config) Session(server bool) duplex.SessionConfig {
	if !server {
		return duplex.SessionConfig{ServerName: c.ServerName}
	}
	return duplex.SessionConfig{
		ClientAuthWanted:   c.ClientAuth != ClientAuthNone,
		ClientAuthRequired: c.ClientAuth == ClientAuthRequire,
	}
}

// Channel returns the channel configuration, in simulated-blocking mode.
func (c *Config) Channel(log *logrus.Entry) duplex.Config {
	cfg := duplex.DefaultConfig()
	cfg.Logger = log
	cfg.Blocking = true
	if c.PollInterval > 0 {
		cfg.PollInterval = c.PollInterval
	}
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	return cfg
}
