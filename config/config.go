// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the cluster controller.
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Routing      RoutingConfig      `yaml:"routing"`
	Router       RouterConfig       `yaml:"router"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Storage      StorageConfig      `yaml:"storage"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Otel         OtelConfig         `yaml:"otel"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// RoutingConfig holds routing table and address resolution settings.
type RoutingConfig struct {
	GracePeriod   time.Duration `yaml:"grace_period"`
	PurgeInterval time.Duration `yaml:"purge_interval"`

	// Transport used for multicasts when more than one is configured.
	// Empty is only valid with a single global transport.
	PrimaryGlobalTransport string `yaml:"primary_global_transport"`

	MulticastTopicPrefix string `yaml:"multicast_topic_prefix"`
}

// RouterConfig holds delivery retry and worker settings.
type RouterConfig struct {
	RetryInterval    time.Duration `yaml:"retry_interval"`
	MaxRetryDelay    time.Duration `yaml:"max_retry_delay"` // ignored when below retry_interval
	Workers          int           `yaml:"workers"`
	QueueSize        int           `yaml:"queue_size"`
	QueueFullBackoff time.Duration `yaml:"queue_full_backoff"`
	QueueFullRetries int           `yaml:"queue_full_retries"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// BreakerConfig holds per-address circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"` // 0 disables breakers
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// StorageConfig holds routing table persistence settings.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger, redis

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`

	// Redis settings
	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`
	RedisKeyPrefix string `yaml:"redis_key_prefix"`
}

// MQTTConfig holds the global MQTT transport settings.
type MQTTConfig struct {
	Enabled bool `yaml:"enabled"`

	// Brokers maps each GBID to its broker URI. The first GBID in sorted
	// order is the default backend.
	Brokers        map[string]string `yaml:"brokers"`
	ClientID       string            `yaml:"client_id"`
	KeepAlive      time.Duration     `yaml:"keep_alive"`
	ConnectTimeout time.Duration     `yaml:"connect_timeout"`
	QoS            byte              `yaml:"qos"`
	ReplyToTopic   string            `yaml:"reply_to_topic"`
}

// WebSocketConfig holds the local WebSocket server settings.
type WebSocketConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr"`
	Path            string        `yaml:"path"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Handshakes per second and burst allowed per remote IP. 0 disables.
	ConnectionRate  float64 `yaml:"connection_rate"`
	ConnectionBurst int     `yaml:"connection_burst"`
}

// SubscriptionConfig holds subscription defaults.
type SubscriptionConfig struct {
	RequestTTL            time.Duration `yaml:"request_ttl"`
	ReplyTTL              time.Duration `yaml:"reply_ttl"`
	MulticastTTL          time.Duration `yaml:"multicast_ttl"`
	DefaultValidity       time.Duration `yaml:"default_validity"`
	DefaultPublicationTTL time.Duration `yaml:"default_publication_ttl"`
	DefaultMinInterval    time.Duration `yaml:"default_min_interval"`
	DefaultMaxInterval    time.Duration `yaml:"default_max_interval"`
	DefaultPeriod         time.Duration `yaml:"default_period"`
}

// OtelConfig holds OpenTelemetry settings.
type OtelConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"`
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Routing: RoutingConfig{
			GracePeriod:            30 * time.Minute,
			PurgeInterval:          time.Minute,
			PrimaryGlobalTransport: "mqtt",
			MulticastTopicPrefix:   "",
		},
		Router: RouterConfig{
			RetryInterval:    3 * time.Second,
			MaxRetryDelay:    time.Minute,
			Workers:          20,
			QueueSize:        1000,
			QueueFullBackoff: 100 * time.Millisecond,
			QueueFullRetries: 10,
			ShutdownTimeout:  10 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		Storage: StorageConfig{
			Type:           "badger",
			BadgerDir:      "/tmp/joynr/routing",
			RedisAddr:      "localhost:6379",
			RedisKeyPrefix: "joynr:",
		},
		MQTT: MQTTConfig{
			Enabled:        true,
			Brokers:        map[string]string{"joynrdefaultgbid": "tcp://localhost:1883"},
			ClientID:       "joynr-cc",
			KeepAlive:      60 * time.Second,
			ConnectTimeout: 10 * time.Second,
			QoS:            1,
			ReplyToTopic:   "joynr-cc/replyto",
		},
		WebSocket: WebSocketConfig{
			Enabled:         true,
			ListenAddr:      ":4242",
			Path:            "/",
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			ConnectionRate:  10,
			ConnectionBurst: 20,
		},
		Subscription: SubscriptionConfig{
			RequestTTL:            time.Minute,
			ReplyTTL:              time.Minute,
			MulticastTTL:          time.Minute,
			DefaultValidity:       time.Hour,
			DefaultPublicationTTL: 10 * time.Second,
			DefaultMinInterval:    time.Second,
			DefaultMaxInterval:    time.Minute,
			DefaultPeriod:         time.Minute,
		},
		Otel: OtelConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "joynr-cluster-controller",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  true,
			TracesEnabled:   false, // Disabled by default for performance
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	// Decoding merges into maps, so configured brokers must replace the default.
	defaultBrokers := cfg.MQTT.Brokers
	cfg.MQTT.Brokers = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.MQTT.Brokers == nil {
		cfg.MQTT.Brokers = defaultBrokers
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Routing.GracePeriod < 0 {
		return fmt.Errorf("routing.grace_period cannot be negative")
	}
	if c.Routing.PurgeInterval <= 0 {
		return fmt.Errorf("routing.purge_interval must be positive")
	}
	validTransports := map[string]bool{"": true, "mqtt": true, "websocket": true}
	if !validTransports[c.Routing.PrimaryGlobalTransport] {
		return fmt.Errorf("routing.primary_global_transport must be one of: mqtt, websocket or empty")
	}

	if c.Router.RetryInterval <= 0 {
		return fmt.Errorf("router.retry_interval must be positive")
	}
	if c.Router.Workers < 1 {
		return fmt.Errorf("router.workers must be at least 1")
	}
	if c.Router.QueueSize < 1 {
		return fmt.Errorf("router.queue_size must be at least 1")
	}
	if c.Router.QueueFullRetries < 0 {
		return fmt.Errorf("router.queue_full_retries cannot be negative")
	}

	if c.Breaker.FailureThreshold > 0 && c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker.reset_timeout must be positive when breakers are enabled")
	}

	validStorage := map[string]bool{"memory": true, "badger": true, "redis": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger, redis")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}
	if c.Storage.Type == "redis" && c.Storage.RedisAddr == "" {
		return fmt.Errorf("storage.redis_addr required when type is redis")
	}

	if c.MQTT.Enabled {
		if len(c.MQTT.Brokers) == 0 {
			return fmt.Errorf("mqtt.brokers required when mqtt is enabled")
		}
		for gbid, uri := range c.MQTT.Brokers {
			if gbid == "" || uri == "" {
				return fmt.Errorf("mqtt.brokers entries need a gbid and a uri")
			}
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id cannot be empty")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if c.MQTT.ReplyToTopic == "" {
			return fmt.Errorf("mqtt.reply_to_topic cannot be empty")
		}
	}

	if c.WebSocket.Enabled && c.WebSocket.ListenAddr == "" {
		return fmt.Errorf("websocket.listen_addr cannot be empty when websocket is enabled")
	}
	if c.WebSocket.ConnectionRate < 0 {
		return fmt.Errorf("websocket.connection_rate cannot be negative")
	}

	if c.Subscription.RequestTTL <= 0 || c.Subscription.ReplyTTL <= 0 || c.Subscription.MulticastTTL <= 0 {
		return fmt.Errorf("subscription ttls must be positive")
	}

	if c.Routing.PrimaryGlobalTransport == "mqtt" && !c.MQTT.Enabled {
		return fmt.Errorf("routing.primary_global_transport is mqtt but mqtt is disabled")
	}

	// OpenTelemetry validation (only if enabled)
	if c.Otel.Enabled {
		if c.Otel.ServiceName == "" {
			return fmt.Errorf("otel.service_name cannot be empty when otel enabled")
		}
		if c.Otel.TraceSampleRate < 0.0 || c.Otel.TraceSampleRate > 1.0 {
			return fmt.Errorf("otel.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
