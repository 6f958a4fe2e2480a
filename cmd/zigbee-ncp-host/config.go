package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"zigbee-ncp-host/internal/bootstrap"
	"zigbee-ncp-host/internal/ncp"
)

const defaultExtendedPanID = "DDDDDDDDDDDDDDDD"

type Config struct {
	Serial struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"serial"`
	NCP struct {
		ResetPin int `yaml:"reset_pin"` // BCM pin wired to the NCP reset line, 0 disables
	} `yaml:"ncp"`
	Network struct {
		PanID         uint16  `yaml:"pan_id"`
		ExtendedPanID string  `yaml:"extended_pan_id"`
		ChannelList   []uint8 `yaml:"channel_list"`
		NetworkKey    string  `yaml:"network_key"`
	} `yaml:"network"`
	Adapter struct {
		DispatchDelay   time.Duration `yaml:"dispatch_delay"`
		MaxRetries      int           `yaml:"max_retries"`
		TransmitPower   *int8         `yaml:"transmit_power"`
		BackupPath      string        `yaml:"backup_path"`
		Endpoint        uint8         `yaml:"endpoint"`
		MulticastGroups []uint16      `yaml:"multicast_groups"`
		StartTimeout    time.Duration `yaml:"start_timeout"`
	} `yaml:"adapter"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		ClientID        string `yaml:"client_id"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		TopicPrefix     string `yaml:"topic_prefix"`
		Discovery       bool   `yaml:"discovery"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MDNS struct {
		Enabled   bool   `yaml:"enabled"`
		Instance  string `yaml:"instance"`
		Interface string `yaml:"interface"`
	} `yaml:"mdns"`
	Exec struct {
		Allowlist []string      `yaml:"allowlist"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
	Logging    struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

func (c *Config) validate() error {
	if c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required")
	}
	if len(c.Network.ChannelList) == 0 {
		return fmt.Errorf("network.channel_list must not be empty")
	}
	for _, ch := range c.Network.ChannelList {
		if ch < 11 || ch > 26 {
			return fmt.Errorf("network.channel_list: channel must be 11-26, got %d", ch)
		}
	}
	if c.Network.PanID == 0 || c.Network.PanID == 0xFFFF {
		return fmt.Errorf("network.pan_id must not be 0x0000 or 0xFFFF")
	}
	if c.Network.NetworkKey == "" {
		return fmt.Errorf("network.network_key is required (generate one with -gen-key)")
	}
	if c.Adapter.MaxRetries < 0 {
		return fmt.Errorf("adapter.max_retries must not be negative")
	}
	if _, err := c.network(); err != nil {
		return err
	}
	return nil
}

// network converts the network section into bootstrap parameters.
func (c *Config) network() (bootstrap.Network, error) {
	ext, err := ncp.ParseExtendedPanID(c.Network.ExtendedPanID)
	if err != nil {
		return bootstrap.Network{}, fmt.Errorf("network.extended_pan_id: %w", err)
	}
	key, err := ncp.ParseKey(c.Network.NetworkKey)
	if err != nil {
		return bootstrap.Network{}, fmt.Errorf("network.network_key: %w", err)
	}
	return bootstrap.Network{
		PanID:         c.Network.PanID,
		ExtendedPanID: ext,
		ChannelList:   c.Network.ChannelList,
		NetworkKey:    key,
	}, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Serial.Baud == 0 {
		c.Serial.Baud = 115200
	}
	if c.Network.ExtendedPanID == "" {
		c.Network.ExtendedPanID = defaultExtendedPanID
	}
	if len(c.Network.ChannelList) == 0 {
		c.Network.ChannelList = []uint8{11}
	}
	if c.Adapter.BackupPath == "" {
		c.Adapter.BackupPath = "coordinator_backup.json"
	}
	if c.Adapter.StartTimeout <= 0 {
		c.Adapter.StartTimeout = 2 * time.Minute
	}
	if c.Database.Path == "" {
		c.Database.Path = "zigbee-ncp-host.db"
	}
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.Exec.Timeout <= 0 {
		c.Exec.Timeout = 10 * time.Second
	}
	if c.ScriptsDir == "" {
		c.ScriptsDir = "scripts"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "zigbee"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}
