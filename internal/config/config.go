package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/musthaq16/live-route-tracker/internal/monitoring"
	"github.com/musthaq16/live-route-tracker/types"
)

var (
	configMutex   sync.RWMutex
	currentConfig *AppConfig
	listeners     []func(*AppConfig)
)

// DestinationConfig is the fixed point the tracker routes to. It is read once
// at startup; reloads do not move it.
type DestinationConfig struct {
	Name     string `mapstructure:"name"`
	Location string `mapstructure:"location" validate:"required,latlon"` // "lat,lon"
}

type OSRMConfig struct {
	BaseUrl        string `mapstructure:"base_url" validate:"required,url"`
	Profile        string `mapstructure:"profile" validate:"required"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"gt=0"`
}

// LocationConfig selects the position source and the watcher knobs.
type LocationConfig struct {
	Source         string       `mapstructure:"source" validate:"oneof=serial mqtt avl"`
	HighAccuracy   bool         `mapstructure:"high_accuracy"`
	TimeoutSeconds int          `mapstructure:"timeout_seconds" validate:"gte=0"`
	MaximumAgeMs   int          `mapstructure:"maximum_age_ms" validate:"gte=0"`
	Serial         SerialConfig `mapstructure:"serial"`
	MQTT           MQTTConfig   `mapstructure:"mqtt"`
	AVL            AVLConfig    `mapstructure:"avl"`
}

type SerialConfig struct {
	Port     string  `mapstructure:"port"`
	BaudRate int     `mapstructure:"baud_rate" validate:"gt=0"`
	MaxHDOP  float64 `mapstructure:"max_hdop" validate:"gte=0"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
	QoS      int    `mapstructure:"qos" validate:"gte=0,lte=2"`
}

type AVLConfig struct {
	Listen             string `mapstructure:"listen"`
	Imei               string `mapstructure:"imei" validate:"omitempty,len=15,numeric"`
	IdleTimeoutSeconds int    `mapstructure:"idle_timeout_seconds" validate:"gte=0"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// RabbitMQConfig enables event publishing when URL is set.
type RabbitMQConfig struct {
	URL      string `mapstructure:"url" validate:"omitempty,url"`
	Exchange string `mapstructure:"exchange"`
}

// RouteConfig defines a simulated vehicle driving from source to target
type RouteConfig struct {
	VehicleID string       `mapstructure:"vehicle_id" validate:"required"`
	Imei      string       `mapstructure:"imei" validate:"required,len=15,numeric"`
	Source    string       `mapstructure:"source" validate:"required,latlon"` // "lat,lon"
	Target    string       `mapstructure:"target" validate:"required,latlon"` // "lat,lon"
	Stops     []StopConfig `mapstructure:"stops" validate:"dive"`
}

// StopConfig makes a simulated vehicle wait near a location.
type StopConfig struct {
	Location string `mapstructure:"location" validate:"required,latlon"`
	Duration int    `mapstructure:"duration" validate:"gte=0"` // seconds
}

// SimulatorConfig contains frequency and the tracker address
type SimulatorConfig struct {
	FrequencySeconds int    `mapstructure:"frequency_seconds" validate:"gt=0"`
	Client           string `mapstructure:"client"`
}

// AppConfig holds entire config
type AppConfig struct {
	Destination DestinationConfig `mapstructure:"destination"`
	OSRM        OSRMConfig        `mapstructure:"osrm"`
	Location    LocationConfig    `mapstructure:"location"`
	Server      ServerConfig      `mapstructure:"server"`
	RabbitMQ    RabbitMQConfig    `mapstructure:"rabbitmq"`
	Simulator   SimulatorConfig   `mapstructure:"simulator"`
	Routes      []RouteConfig     `mapstructure:"routes" validate:"dive"`
}

// DestinationPoint parses the configured destination.
func (c *AppConfig) DestinationPoint() (types.GeoPoint, error) {
	return types.ParseGeoPoint(c.Destination.Location)
}

func (c *AppConfig) OSRMTimeout() time.Duration {
	return time.Duration(c.OSRM.TimeoutSeconds) * time.Second
}

func (c *AppConfig) LocationTimeout() time.Duration {
	return time.Duration(c.Location.TimeoutSeconds) * time.Second
}

func (c *AppConfig) MaximumAge() time.Duration {
	return time.Duration(c.Location.MaximumAgeMs) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("destination.name", "")
	v.SetDefault("destination.location", "")
	v.SetDefault("osrm.base_url", "https://router.project-osrm.org")
	v.SetDefault("osrm.profile", "driving")
	v.SetDefault("osrm.timeout_seconds", 10)
	v.SetDefault("location.source", "serial")
	v.SetDefault("location.high_accuracy", true)
	v.SetDefault("location.timeout_seconds", 60)
	v.SetDefault("location.maximum_age_ms", 0)
	v.SetDefault("location.serial.port", "")
	v.SetDefault("location.serial.baud_rate", 9600)
	v.SetDefault("location.serial.max_hdop", 0)
	v.SetDefault("location.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("location.mqtt.client_id", "live-route-tracker")
	v.SetDefault("location.mqtt.topic", "tracker/location")
	v.SetDefault("location.mqtt.qos", 1)
	v.SetDefault("location.avl.listen", ":5027")
	v.SetDefault("location.avl.imei", "")
	v.SetDefault("location.avl.idle_timeout_seconds", 300)
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "tracking.events")
	v.SetDefault("simulator.frequency_seconds", 1)
	v.SetDefault("simulator.client", "localhost:5027")
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("latlon", func(fl validator.FieldLevel) bool {
		_, err := types.ParseGeoPoint(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks field constraints and the settings the selected source needs.
func (c *AppConfig) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		return err
	}
	switch c.Location.Source {
	case "serial":
		// an empty port is reported when the source is opened
	case "mqtt":
		if c.Location.MQTT.Broker == "" || c.Location.MQTT.Topic == "" {
			return fmt.Errorf("location.mqtt: broker and topic are required")
		}
	case "avl":
		if c.Location.AVL.Listen == "" {
			return fmt.Errorf("location.avl: listen is required")
		}
	}
	return nil
}

func unmarshal(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig initializes and loads the configuration, then keeps
// GetCurrentConfig up to date as the file changes. An edit that fails
// validation is logged and the previous configuration stays current.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Explicitly set the config type if not using file extension
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	configMutex.Lock()
	currentConfig = cfg
	configMutex.Unlock()

	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg, err := unmarshal(v)
		if err != nil {
			monitoring.Logf("[config] ignoring change to %s: %v", e.Name, err)
			return
		}

		configMutex.Lock()
		currentConfig = newCfg
		notify := append([]func(*AppConfig){}, listeners...)
		configMutex.Unlock()

		monitoring.Logf("[config] reloaded %s", e.Name)
		for _, fn := range notify {
			fn(newCfg)
		}
	})
	v.WatchConfig()

	return cfg, nil
}

// OnChange registers fn to run after every successful reload.
func OnChange(fn func(*AppConfig)) {
	configMutex.Lock()
	defer configMutex.Unlock()
	listeners = append(listeners, fn)
}

// GetCurrentConfig returns the current configuration in a thread-safe way
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return currentConfig
}
