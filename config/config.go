package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	TransportMQTT   = "mqtt"
	TransportRedis  = "redis"
	TransportMemory = "memory"
)

type Config struct {
	Port           string   `yaml:"port"`
	Environment    string   `yaml:"environment"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	JWTSecret      string   `yaml:"jwtSecret"`

	LocalUserID string   `yaml:"localUserId"`
	Room        string   `yaml:"room"`
	Transport   string   `yaml:"transport"`
	TopicPrefix string   `yaml:"topicPrefix"`
	VideoSource string   `yaml:"videoSource"`
	ICEServers  []string `yaml:"iceServers"`

	// MaxPendingCandidates caps the ICE candidates buffered per peer before
	// its remote description arrives. Zero means unbounded.
	MaxPendingCandidates int    `yaml:"maxPendingCandidates"`
	AutoCall             bool   `yaml:"autoCall"`
	LogLevel             string `yaml:"logLevel"`

	MQTT  MQTTConfig  `yaml:"mqtt"`
	Redis RedisConfig `yaml:"redis"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func defaults() *Config {
	return &Config{
		Port:           "8080",
		Environment:    "development",
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		JWTSecret:      "change-me-in-production",
		LocalUserID:    "user-" + uuid.New().String()[:8],
		Room:           "lobby",
		Transport:      TransportMQTT,
		TopicPrefix:    "webrtc",
		ICEServers:     []string{"stun:stun.l.google.com:19302"},
		LogLevel:       "info",
		MQTT: MQTTConfig{
			Broker: "tcp://localhost:1883",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (or CONFIG_FILE) if any, then environment variables.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", c.AllowedOrigins)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)

	c.LocalUserID = getEnv("LOCAL_USER_ID", c.LocalUserID)
	c.Room = getEnv("ROOM", c.Room)
	c.Transport = getEnv("TRANSPORT", c.Transport)
	c.TopicPrefix = getEnv("TOPIC_PREFIX", c.TopicPrefix)
	c.VideoSource = getEnv("VIDEO_SOURCE", c.VideoSource)
	c.ICEServers = getEnvList("ICE_SERVERS", c.ICEServers)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.MQTT.Broker = getEnv("MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.Username = getEnv("MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnv("MQTT_PASSWORD", c.MQTT.Password)

	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnv("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	var err error
	if c.MaxPendingCandidates, err = getEnvInt("MAX_PENDING_CANDIDATES", c.MaxPendingCandidates); err != nil {
		return err
	}
	if c.MQTT.QoS, err = getEnvInt("MQTT_QOS", c.MQTT.QoS); err != nil {
		return err
	}
	if c.Redis.DB, err = getEnvInt("REDIS_DB", c.Redis.DB); err != nil {
		return err
	}
	if c.AutoCall, err = getEnvBool("AUTO_CALL", c.AutoCall); err != nil {
		return err
	}
	return nil
}

// Validate reports the first setting the service cannot run with.
func (c *Config) Validate() error {
	if err := validID("local user id", c.LocalUserID); err != nil {
		return err
	}
	if err := validID("room", c.Room); err != nil {
		return err
	}
	switch c.Transport {
	case TransportMQTT:
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt broker is required")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	case TransportRedis:
		if c.Redis.Host == "" {
			return fmt.Errorf("redis host is required")
		}
	case TransportMemory:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.MaxPendingCandidates < 0 {
		return fmt.Errorf("max pending candidates must not be negative")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// IDs end up as topic segments, so wildcards and separators are rejected.
func validID(name, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", name)
	}
	if strings.ContainsAny(id, "/+#") {
		return fmt.Errorf("%s %q must not contain '/', '+' or '#'", name, id)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
