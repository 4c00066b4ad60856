package utils

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the structure of the configuration file.
type Config struct {
	MQTT struct {
		Broker        string `yaml:"broker" validate:"required"` // MQTT broker address
		ClientID      string `yaml:"client_id" validate:"required"`
		CACertificate string `yaml:"ca_certificate"`              // Path to the CA certificate, empty for plain TCP
		QOS           int    `yaml:"qos" validate:"min=0,max=2"`  // QoS level for published envelopes
		TopicPrefix   string `yaml:"topic_prefix"`                // Root of the per-delivery topic tree
	} `yaml:"mqtt"`

	Tracking struct {
		SessionTTL    time.Duration `yaml:"session_ttl"`    // Inactivity window before a session expires
		SweepSchedule string        `yaml:"sweep_schedule"` // Cron spec for the expiry sweep
	} `yaml:"tracking"`

	Privacy struct {
		Seed int64 `yaml:"seed"` // Offset RNG seed, 0 seeds from the clock
	} `yaml:"privacy"`

	Routing struct {
		MapsAPIKey              string  `yaml:"maps_api_key"` // Google maps API Key
		PerKmRate               float64 `yaml:"per_km_rate"`
		TrafficPenaltyPerSecond float64 `yaml:"traffic_penalty_per_second"`
		StepPenalty             float64 `yaml:"step_penalty"`
	} `yaml:"routing"`

	Emergency struct {
		SearchRadiusMeters float64 `yaml:"search_radius_meters" validate:"min=0"`
		ResponseSpeedKmh   float64 `yaml:"response_speed_kmh" validate:"min=0"`
	} `yaml:"emergency"`

	GPS struct {
		Enabled    bool   `yaml:"enabled"`         // Read fixes from a local NMEA device
		DevicePort string `yaml:"device_port"`     // UNIX port where the GPS sensor is mounted
		BaudRate   int    `yaml:"baud_rate"`       // Baud rate for the GPS sensor
		DeliveryID string `yaml:"delivery_id"`     // Session the local feed reports into
		UserID     string `yaml:"user_id"`         // Courier the local feed reports as
	} `yaml:"gps"`

	Store struct {
		Path string `yaml:"path" validate:"required"` // SQLite database file
	} `yaml:"store"`

	Dispatcher struct {
		Workers int `yaml:"workers" validate:"min=0"` // Keyed worker count, 0 uses the default
	} `yaml:"dispatcher"`
}

// LoadConfig loads and validates the YAML configuration from the specified
// file. It returns a pointer to the Config struct and an error if loading
// fails.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}
