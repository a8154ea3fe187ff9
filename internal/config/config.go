package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config defines the borne (terminal) configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"BORNE_HTTP_PORT"`
	} `yaml:"http"`
	Directory struct {
		BaseURL                  string `yaml:"baseUrl" env:"DIRECTORY_BASE_URL"`
		APIKey                   string `yaml:"apiKey" env:"DIRECTORY_API_KEY"`
		TerminalID               string `yaml:"terminalId" env:"DIRECTORY_TERMINAL_ID"`
		TimeoutSeconds           int    `yaml:"timeoutSeconds" env:"DIRECTORY_TIMEOUT"`
		SyncIntervalSeconds      int    `yaml:"syncIntervalSeconds" env:"DIRECTORY_SYNC_INTERVAL"`
		HeartbeatIntervalSeconds int    `yaml:"heartbeatIntervalSeconds" env:"DIRECTORY_HEARTBEAT_INTERVAL"`
	} `yaml:"directory"`
	MQTT struct {
		BrokerURL   string `yaml:"brokerUrl" env:"MQTT_BROKER_URL"`
		Username    string `yaml:"username" env:"MQTT_USERNAME"`
		Password    string `yaml:"password" env:"MQTT_PASSWORD"`
		ClientID    string `yaml:"clientId" env:"MQTT_CLIENT_ID"`
		TopicPrefix string `yaml:"topicPrefix" env:"MQTT_TOPIC_PREFIX"`
		QoS         int    `yaml:"qos" env:"MQTT_QOS"`
	} `yaml:"mqtt"`
	Lockers struct {
		Count         int      `yaml:"count" env:"LOCKERS_COUNT"`
		FallbackCodes []string `yaml:"fallbackCodes" env:"LOCKERS_FALLBACK_CODES"`
		RelockSeconds int      `yaml:"relockSeconds" env:"LOCKERS_RELOCK_SECONDS"`
	} `yaml:"lockers"`
	State struct {
		Path string `yaml:"path" env:"BORNE_STATE_PATH"`
	} `yaml:"state"`
}

// Load uses the shared loader and validates required fields. The Directory
// and MQTT sections are optional: an empty base URL or broker URL puts the
// terminal in the corresponding degraded mode.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.HTTP.Port = "8080"
	cfg.Directory.TerminalID = "borne1"
	cfg.Directory.TimeoutSeconds = 10
	cfg.Directory.SyncIntervalSeconds = 15
	cfg.Directory.HeartbeatIntervalSeconds = 30
	cfg.MQTT.QoS = 1
	cfg.Lockers.Count = 2
	cfg.Lockers.FallbackCodes = []string{"1234", "5678"}
	cfg.Lockers.RelockSeconds = 20
	cfg.State.Path = "data/locker_state.json"

	if err := load(cfg); err != nil {
		return nil, err
	}

	if cfg.Lockers.Count <= 0 {
		return nil, errors.New("config: lockers count must be positive")
	}
	if len(cfg.Lockers.FallbackCodes) != cfg.Lockers.Count {
		return nil, fmt.Errorf("config: expected %d fallback codes, got %d", cfg.Lockers.Count, len(cfg.Lockers.FallbackCodes))
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return nil, fmt.Errorf("config: invalid mqtt qos %d", cfg.MQTT.QoS)
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = cfg.Directory.TerminalID
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = fmt.Sprintf("solary_%s", cfg.Directory.TerminalID)
	}

	return cfg, nil
}

// HTTPAddress returns :port style address.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// DirectoryTimeout returns the per-call timeout for Directory requests.
func (c *Config) DirectoryTimeout() time.Duration {
	if c.Directory.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Directory.TimeoutSeconds) * time.Second
}

// SyncInterval returns the periodic reconciliation interval.
func (c *Config) SyncInterval() time.Duration {
	if c.Directory.SyncIntervalSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Directory.SyncIntervalSeconds) * time.Second
}

// HeartbeatInterval returns the Directory heartbeat interval.
func (c *Config) HeartbeatInterval() time.Duration {
	if c.Directory.HeartbeatIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Directory.HeartbeatIntervalSeconds) * time.Second
}

// RelockDelay returns how long a locker stays physically open after an unlock.
func (c *Config) RelockDelay() time.Duration {
	if c.Lockers.RelockSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.Lockers.RelockSeconds) * time.Second
}

// MQTTQoS returns the publish QoS as a byte.
func (c *Config) MQTTQoS() byte {
	return byte(c.MQTT.QoS)
}
