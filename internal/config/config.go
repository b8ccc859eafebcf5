package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all application configuration values.
type Config struct {
	// MQTT
	MQTTBroker         string `validate:"required,url"`
	MQTTClientIDPrefix string `validate:"required"`
	MQTTQoS            byte   `validate:"max=2"`
	MQTTRetain         bool

	// Connection timing: MQTTKeepAlive in seconds, the rest in milliseconds
	MQTTKeepAlive     int `validate:"min=1"`
	ConnectTimeout    int `validate:"min=100"`
	ReconnectInitial  int `validate:"min=100"`
	ReconnectMax      int `validate:"gtefield=ReconnectInitial"`
	DisconnectTimeout int `validate:"min=0"`
	PublishTimeout    int `validate:"min=100"`

	// Topic
	Topic string `validate:"required,excludesall=+#"`

	// Remote (intervals in milliseconds)
	StartLatitude      float64 `validate:"min=-90,max=90"`
	StartLongitude     float64 `validate:"min=-180,max=180"`
	DiscreteStep       float64 `validate:"gt=0,lte=1"`
	ContinuousStep     float64 `validate:"gt=0,lte=1"`
	DiscreteInterval   int     `validate:"min=10"`
	ContinuousInterval int     `validate:"min=10"`

	// Command queue
	QueuePause    int    `validate:"min=0"` // milliseconds
	QueueLimit    int    `validate:"min=0"` // 0 = unbounded
	QueueOverflow string `validate:"oneof=drop_oldest reject_newest"`

	// Tracker
	TrackLimit int `validate:"min=0"` // 0 = unbounded

	// Web Server
	WebServerPort int `validate:"min=1,max=65535"`

	// GPS
	GPSSerialPort string
	GPSBaudRate   int `validate:"min=0"`

	// Replay
	ReplayFile     string
	ReplayInterval int `validate:"min=1"` // milliseconds
	ReplayLoop     bool

	// Logging
	LogFile       string
	LogMaxSizeMB  int `validate:"min=1"`
	LogMaxBackups int `validate:"min=0"`
	LogMaxAgeDays int `validate:"min=0"`
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		MQTTBroker:         "tcp://broker.emqx.io:1883",
		MQTTClientIDPrefix: "mqtt-remote-gps",
		MQTTKeepAlive:      30,
		ConnectTimeout:     5000,
		ReconnectInitial:   1000,
		ReconnectMax:       30000,
		DisconnectTimeout:  2000,
		PublishTimeout:     5000,

		Topic: "user/gps/realtime_track",

		StartLatitude:      30.6578,
		StartLongitude:     104.0658,
		DiscreteStep:       0.0005,
		ContinuousStep:     0.001,
		DiscreteInterval:   200,
		ContinuousInterval: 150,

		QueuePause:    50,
		QueueLimit:    64,
		QueueOverflow: "drop_oldest",

		WebServerPort: 8080,

		GPSBaudRate: 9600,

		ReplayInterval: 2000,

		LogMaxSizeMB:  10,
		LogMaxBackups: 3,
		LogMaxAgeDays: 28,
	}
}

// Package-level unexported variables for singleton pattern:
//   - globalConfig: only reachable through InitGlobal() and Get().
//   - configOnce: ensures InitGlobal() only runs once, even if called multiple times.
//   - configMu: RWMutex; write lock for initialization, read lock for Get().
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex

	validate = validator.New()
)

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return Parse(file)
}

// Parse reads KEY=VALUE lines on top of Default() and validates the result.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_PREFIX":
		c.MQTTClientIDPrefix = value
	case "MQTT_QOS":
		var qos int
		qos, err = parseInt(key, value)
		if err == nil && (qos < 0 || qos > 2) {
			return fmt.Errorf("MQTT_QOS must be 0-2, got %d", qos)
		}
		c.MQTTQoS = byte(qos)
	case "MQTT_RETAIN":
		c.MQTTRetain, err = parseBool(key, value)
	case "MQTT_KEEPALIVE_S":
		c.MQTTKeepAlive, err = parseInt(key, value)
	case "CONNECT_TIMEOUT_MS":
		c.ConnectTimeout, err = parseInt(key, value)
	case "RECONNECT_INITIAL_MS":
		c.ReconnectInitial, err = parseInt(key, value)
	case "RECONNECT_MAX_MS":
		c.ReconnectMax, err = parseInt(key, value)
	case "DISCONNECT_TIMEOUT_MS":
		c.DisconnectTimeout, err = parseInt(key, value)
	case "PUBLISH_TIMEOUT_MS":
		c.PublishTimeout, err = parseInt(key, value)

	// Topic
	case "TOPIC":
		c.Topic = value

	// Remote
	case "START_LATITUDE":
		c.StartLatitude, err = parseFloat(key, value)
	case "START_LONGITUDE":
		c.StartLongitude, err = parseFloat(key, value)
	case "DISCRETE_STEP":
		c.DiscreteStep, err = parseFloat(key, value)
	case "CONTINUOUS_STEP":
		c.ContinuousStep, err = parseFloat(key, value)
	case "DISCRETE_INTERVAL_MS":
		c.DiscreteInterval, err = parseInt(key, value)
	case "CONTINUOUS_INTERVAL_MS":
		c.ContinuousInterval, err = parseInt(key, value)

	// Command queue
	case "QUEUE_PAUSE_MS":
		c.QueuePause, err = parseInt(key, value)
	case "QUEUE_LIMIT":
		c.QueueLimit, err = parseInt(key, value)
	case "QUEUE_OVERFLOW":
		c.QueueOverflow = strings.ToLower(value)

	// Tracker
	case "TRACK_LIMIT":
		c.TrackLimit, err = parseInt(key, value)

	// Web Server
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = parseInt(key, value)

	// GPS
	case "GPS_SERIAL_PORT":
		c.GPSSerialPort = value
	case "GPS_BAUD_RATE":
		c.GPSBaudRate, err = parseInt(key, value)

	// Replay
	case "REPLAY_FILE":
		c.ReplayFile = value
	case "REPLAY_INTERVAL_MS":
		c.ReplayInterval, err = parseInt(key, value)
	case "REPLAY_LOOP":
		c.ReplayLoop, err = parseBool(key, value)

	// Logging
	case "LOG_FILE":
		c.LogFile = value
	case "LOG_MAX_SIZE_MB":
		c.LogMaxSizeMB, err = parseInt(key, value)
	case "LOG_MAX_BACKUPS":
		c.LogMaxBackups, err = parseInt(key, value)
	case "LOG_MAX_AGE_DAYS":
		c.LogMaxAgeDays, err = parseInt(key, value)

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

func parseInt(key, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

func parseFloat(key, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

func parseBool(key, value string) (bool, error) {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

// validate checks ranges and required fields.
func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Durations

func (c *Config) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Millisecond
}

func (c *Config) ReconnectInitialDuration() time.Duration {
	return time.Duration(c.ReconnectInitial) * time.Millisecond
}

func (c *Config) ReconnectMaxDuration() time.Duration {
	return time.Duration(c.ReconnectMax) * time.Millisecond
}

func (c *Config) DisconnectTimeoutDuration() time.Duration {
	return time.Duration(c.DisconnectTimeout) * time.Millisecond
}

func (c *Config) PublishTimeoutDuration() time.Duration {
	return time.Duration(c.PublishTimeout) * time.Millisecond
}

func (c *Config) KeepAliveDuration() time.Duration {
	return time.Duration(c.MQTTKeepAlive) * time.Second
}

func (c *Config) DiscreteIntervalDuration() time.Duration {
	return time.Duration(c.DiscreteInterval) * time.Millisecond
}

func (c *Config) ContinuousIntervalDuration() time.Duration {
	return time.Duration(c.ContinuousInterval) * time.Millisecond
}

func (c *Config) QueuePauseDuration() time.Duration {
	return time.Duration(c.QueuePause) * time.Millisecond
}

func (c *Config) ReplayIntervalDuration() time.Duration {
	return time.Duration(c.ReplayInterval) * time.Millisecond
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
