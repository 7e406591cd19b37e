package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Panel   PanelConfig   `yaml:"panel"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Command CommandConfig `yaml:"command"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Zones   []ZoneConfig  `yaml:"zones"`
	Log     string        `yaml:"log"`
}

type PanelConfig struct {
	// Exactly one of Host or SerialPort selects the transport.
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`

	SiteID      int    `yaml:"site_id"`
	PCPassword  string `yaml:"pc_password"`
	PollSecs    int    `yaml:"poll_interval"`
	PollMisses  int    `yaml:"poll_misses"`
	AuthSecs    int    `yaml:"auth_timeout"`
	BackoffSecs int    `yaml:"backoff_initial"`
	BackoffMax  int    `yaml:"backoff_max"`
}

type MQTTConfig struct {
	ClientID  string `yaml:"client_id"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Keepalive int    `yaml:"keepalive"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	QOS       int    `yaml:"qos"`
	Prefix    string `yaml:"prefix"`
	Clean     bool   `yaml:"clean"`
}

type CommandConfig struct {
	TimeoutSecs int `yaml:"timeout"`
	// Retries is a pointer so an explicit 0 (no retries) survives
	// defaulting.
	Retries *int `yaml:"retries"`
}

type TunnelConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type ZoneConfig struct {
	Number int    `yaml:"number"`
	Name   string `yaml:"name"`
}

func (p PanelConfig) PollInterval() time.Duration {
	return time.Duration(p.PollSecs) * time.Second
}

func (p PanelConfig) AuthTimeout() time.Duration {
	return time.Duration(p.AuthSecs) * time.Second
}

func (p PanelConfig) BackoffInitial() time.Duration {
	return time.Duration(p.BackoffSecs) * time.Second
}

func (p PanelConfig) BackoffCeiling() time.Duration {
	return time.Duration(p.BackoffMax) * time.Second
}

func (c CommandConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

func (c CommandConfig) RetryCount() int {
	if c.Retries == nil {
		return 3
	}
	return *c.Retries
}

func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Panel.Port == 0 {
		c.Panel.Port = 10000
	}
	if c.Panel.BaudRate == 0 {
		c.Panel.BaudRate = 9600
	}
	if c.Panel.PCPassword == "" {
		c.Panel.PCPassword = "0000"
	}
	if c.Panel.PollSecs == 0 {
		c.Panel.PollSecs = 5
	}
	if c.Panel.PollMisses == 0 {
		c.Panel.PollMisses = 3
	}
	if c.Panel.AuthSecs == 0 {
		c.Panel.AuthSecs = 10
	}
	if c.Panel.BackoffSecs == 0 {
		c.Panel.BackoffSecs = 1
	}
	if c.Panel.BackoffMax == 0 {
		c.Panel.BackoffMax = 60
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "paradox2mqtt"
	}
	if c.MQTT.Host == "" {
		c.MQTT.Host = "localhost"
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.Keepalive == 0 {
		c.MQTT.Keepalive = 60
	}
	if c.MQTT.Prefix == "" {
		c.MQTT.Prefix = "paradox2mqtt"
	}
	if c.MQTT.QOS == 0 {
		// Command topics need at-least-once delivery.
		c.MQTT.QOS = 1
	}
	if c.Command.TimeoutSecs == 0 {
		c.Command.TimeoutSecs = 5
	}
	if c.Tunnel.Listen == "" {
		c.Tunnel.Listen = ":10001"
	}
	if c.Log == "" {
		c.Log = "info"
	}
}

// Validate rejects configurations the bridge cannot run with. These are
// the only fatal errors in the process; everything past startup retries.
func (c *Config) Validate() error {
	if c.Panel.Host == "" && c.Panel.SerialPort == "" {
		return fmt.Errorf("config: panel host or serial_port is required")
	}
	if c.Panel.Host != "" && c.Panel.SerialPort != "" {
		return fmt.Errorf("config: panel host and serial_port are mutually exclusive")
	}
	if len(c.Panel.PCPassword) != 4 {
		return fmt.Errorf("config: pc_password must be 4 digits, got %d characters", len(c.Panel.PCPassword))
	}
	for _, r := range c.Panel.PCPassword {
		if r < '0' || r > '9' {
			return fmt.Errorf("config: pc_password must be numeric")
		}
	}
	if c.MQTT.QOS < 1 || c.MQTT.QOS > 2 {
		return fmt.Errorf("config: mqtt qos must be 1 or 2, commands need at-least-once delivery")
	}
	if c.Command.Retries != nil && *c.Command.Retries < 0 {
		return fmt.Errorf("config: command retries must not be negative")
	}
	return nil
}
