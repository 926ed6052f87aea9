package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "stegofed"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host          string
		HttpPort      int              `yaml:"httpPort"`
		SslDomain     string           `yaml:"sslDomain"`
		DbPath        string           `yaml:"dbPath"`
		LogLevel      string           `yaml:"logLevel"`
		InstanceActor string           `yaml:"instanceActor"`
		Federation    FederationConfig `yaml:"federation"`
	}
}

// FederationConfig tunes delivery, discovery and signature verification.
type FederationConfig struct {
	DeliveryWorkers  int           `yaml:"deliveryWorkers"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	DiscoveryTimeout time.Duration `yaml:"discoveryTimeout"`
	CacheTTL         time.Duration `yaml:"cacheTTL"`
	KeyTTL           time.Duration `yaml:"keyTTL"`
	ClockSkew        time.Duration `yaml:"clockSkew"`
	RetryQueue       string        `yaml:"retryQueue"`
	MaxAttempts      int           `yaml:"maxAttempts"`
	WorkerInterval   time.Duration `yaml:"workerInterval"`
	SignedFetch      bool          `yaml:"signedFetch"`
}

// DefaultFederationConfig returns the values used for unset keys.
func DefaultFederationConfig() FederationConfig {
	return FederationConfig{
		DeliveryWorkers:  4,
		RequestTimeout:   30 * time.Second,
		DiscoveryTimeout: 10 * time.Second,
		CacheTTL:         24 * time.Hour,
		KeyTTL:           time.Hour,
		ClockSkew:        12 * time.Hour,
		RetryQueue:       "activitypub",
		MaxAttempts:      10,
		WorkerInterval:   10 * time.Second,
		SignedFetch:      true,
	}
}

// ApplyDefaults fills zero values with DefaultFederationConfig.
func (f *FederationConfig) ApplyDefaults() {
	d := DefaultFederationConfig()
	if f.DeliveryWorkers <= 0 {
		f.DeliveryWorkers = d.DeliveryWorkers
	}
	if f.RequestTimeout <= 0 {
		f.RequestTimeout = d.RequestTimeout
	}
	if f.DiscoveryTimeout <= 0 {
		f.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if f.CacheTTL <= 0 {
		f.CacheTTL = d.CacheTTL
	}
	if f.KeyTTL <= 0 {
		f.KeyTTL = d.KeyTTL
	}
	// a key must never outlive the general cache entry it came from
	if f.KeyTTL > f.CacheTTL {
		f.KeyTTL = f.CacheTTL
	}
	if f.ClockSkew <= 0 {
		f.ClockSkew = d.ClockSkew
	}
	if f.RetryQueue == "" {
		f.RetryQueue = d.RetryQueue
	}
	if f.MaxAttempts <= 0 {
		f.MaxAttempts = d.MaxAttempts
	}
	if f.WorkerInterval <= 0 {
		f.WorkerInterval = d.WorkerInterval
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Info("Config file not found, using embedded defaults", "path", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Warn("Could not write default config", "path", userConfigPath, "err", writeErr)
			} else {
				log.Info("Created default config file", "path", userConfigPath)
			}
		}
	}

	if err = yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := applyEnv(c); err != nil {
		return nil, err
	}

	if c.Conf.DbPath == "" {
		c.Conf.DbPath = "database.db"
	}
	c.Conf.Federation.ApplyDefaults()

	return c, nil
}

func applyEnv(c *AppConfig) error {
	if v := os.Getenv("STEGOFED_HOST"); v != "" {
		c.Conf.Host = v
	}

	if v := os.Getenv("STEGOFED_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STEGOFED_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}

	if v := os.Getenv("STEGOFED_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}

	if v := os.Getenv("STEGOFED_DBPATH"); v != "" {
		c.Conf.DbPath = v
	}

	if v := os.Getenv("STEGOFED_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}

	if v := os.Getenv("STEGOFED_INSTANCE_ACTOR"); v != "" {
		c.Conf.InstanceActor = v
	}

	if v := os.Getenv("STEGOFED_DELIVERY_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STEGOFED_DELIVERY_WORKERS: %w", err)
		}
		c.Conf.Federation.DeliveryWorkers = n
	}

	if v := os.Getenv("STEGOFED_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STEGOFED_CACHE_TTL: %w", err)
		}
		c.Conf.Federation.CacheTTL = d
	}

	if v := os.Getenv("STEGOFED_KEY_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STEGOFED_KEY_TTL: %w", err)
		}
		c.Conf.Federation.KeyTTL = d
	}

	return nil
}
