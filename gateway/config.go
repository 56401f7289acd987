package gateway

import (
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	onvif "github.com/SridarDhandapani/onvif-session"
)

// EnvPrefix prefixes every environment override, e.g. ONVIF_GATEWAY_LISTEN
const EnvPrefix = "ONVIF_GATEWAY"

// CameraConfig describes one device the gateway keeps a session with
type CameraConfig struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url"` // device service address; built from Host and Port when empty
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Events   bool   `yaml:"events"`
}

// DeviceURL returns the configured device service address
func (c CameraConfig) DeviceURL() string {
	if c.URL != "" {
		return c.URL
	}
	return onvif.CreateURL(c.Host, c.Port)
}

// EventConfig maps onto onvif.EventOptions
type EventConfig struct {
	TerminationTime    time.Duration `yaml:"termination_time" split_words:"true"`
	PullTimeout        time.Duration `yaml:"pull_timeout" split_words:"true"`
	MessageLimit       int           `yaml:"message_limit" split_words:"true"`
	RenewInterval      time.Duration `yaml:"renew_interval" split_words:"true"`
	RetryBackoff       time.Duration `yaml:"retry_backoff" split_words:"true"`
	UnsubscribeTimeout time.Duration `yaml:"unsubscribe_timeout" split_words:"true"`

	// RestartBackoff spaces attempts to start a camera's subscription
	RestartBackoff time.Duration `yaml:"restart_backoff" split_words:"true"`

	// StallLimit is how many pulls in a row may fail before the hub drops the
	// subscription and creates a new one
	StallLimit int `yaml:"stall_limit" split_words:"true"`
}

// Options returns the library options for this configuration
func (c EventConfig) Options() onvif.EventOptions {
	return onvif.EventOptions{
		TerminationTime:    c.TerminationTime,
		PullTimeout:        c.PullTimeout,
		MessageLimit:       c.MessageLimit,
		RenewInterval:      c.RenewInterval,
		RetryBackoff:       c.RetryBackoff,
		UnsubscribeTimeout: c.UnsubscribeTimeout,
	}
}

// Config is the gateway daemon configuration
type Config struct {
	Listen      string        `yaml:"listen"`
	LogLevel    string        `yaml:"log_level" split_words:"true"`
	LogFormat   string        `yaml:"log_format" split_words:"true"` // console or json
	Timeout     time.Duration `yaml:"timeout"`
	InsecureTLS bool          `yaml:"insecure_tls" envconfig:"INSECURE_TLS"`
	ServiceTTL  time.Duration `yaml:"service_ttl" split_words:"true"`
	Events      EventConfig   `yaml:"events"`

	Cameras []CameraConfig `yaml:"cameras" ignored:"true"`
}

// DefaultConfig returns the configuration used before the file and environment apply
func DefaultConfig() *Config {
	return &Config{
		Listen:     ":8080",
		LogLevel:   "info",
		LogFormat:  "console",
		Timeout:    onvif.DefaultClientTimeout,
		ServiceTTL: onvif.DefaultServiceTTL,
		Events: EventConfig{
			RestartBackoff: 10 * time.Second,
			StallLimit:     5,
		},
	}
}

// LoadConfig reads path (optional) over the defaults and then applies
// ONVIF_GATEWAY_* environment overrides
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Annotate(err, "failed to read config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Annotatef(err, "failed to parse %s", path)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, errors.Annotate(err, "failed to read environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks camera entries for missing addresses and duplicate ids
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Cameras))
	for i, cam := range c.Cameras {
		if cam.ID == "" {
			return errors.NotValidf("camera %d without id", i)
		}
		if seen[cam.ID] {
			return errors.NotValidf("duplicate camera id %q", cam.ID)
		}
		seen[cam.ID] = true
		if cam.URL == "" && cam.Host == "" {
			return errors.NotValidf("camera %q without url or host", cam.ID)
		}
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return errors.NotValidf("log format %q", c.LogFormat)
	}
	return nil
}
