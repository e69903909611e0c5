// Package config loads the node configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/ciphersuite"
)

// FileName is the configuration file looked up in the data directory when no
// path is given.
const FileName = "adtn.yaml"

// Duration is a time.Duration written as a string such as "500ms" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) { return time.Duration(d).String(), nil }

type Config struct {
	DataDir  string `yaml:"dataDir"`
	LogLevel string `yaml:"logLevel"`

	Transport    string   `yaml:"transport"` // tcp or udp
	Listen       string   `yaml:"listen"`
	Broadcast    string   `yaml:"broadcast"` // udp only
	Bootstrap    []string `yaml:"bootstrap"`
	StreamCipher string   `yaml:"streamCipher"`
	MAC          string   `yaml:"mac"`

	SendInterval    Duration `yaml:"sendInterval"`
	BatchSize       int      `yaml:"batchSize"`
	RefillThreshold int      `yaml:"refillThreshold"`

	SeenSize   int      `yaml:"seenSize"`
	SeenExpiry Duration `yaml:"seenExpiry"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Transport == "" {
		c.Transport = "tcp"
	}
	if c.Listen == "" {
		c.Listen = "0.0.0.0:4242"
	}
	if c.StreamCipher == "" {
		c.StreamCipher = "chacha20"
	}
	if c.MAC == "" {
		c.MAC = "poly1305-aes"
	}
	if c.SendInterval == 0 {
		c.SendInterval = Duration(500 * time.Millisecond)
	}
	if c.BatchSize == 0 {
		c.BatchSize = 8
	}
	if c.RefillThreshold == 0 {
		c.RefillThreshold = 64
	}
	if c.SeenSize == 0 {
		c.SeenSize = 4096
	}
	if c.SeenExpiry == 0 {
		c.SeenExpiry = Duration(10 * time.Minute)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".adtn"
	}
	return filepath.Join(home, ".adtn")
}

// Load reads path and fills unset fields with defaults. A missing file yields
// the defaults.
func Load(path string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, err
	default:
		if err := yaml.UnmarshalStrict(data, &c); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	c.applyDefaults()
	return c, c.Validate()
}

// Save writes c to path.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: logLevel: %w", err)
	}
	switch c.Transport {
	case "tcp", "udp":
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if _, err := ciphersuite.StreamCipherByName(c.StreamCipher); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := ciphersuite.MACByName(c.MAC); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.SendInterval < 0 || c.SeenExpiry < 0 {
		return errors.New("config: negative duration")
	}
	if c.BatchSize < 0 || c.RefillThreshold < 0 || c.SeenSize < 0 {
		return errors.New("config: negative size")
	}
	return nil
}

// Logger returns a logrus logger at the configured level.
func (c Config) Logger() *logrus.Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		l.SetLevel(lvl)
	}
	return l
}
