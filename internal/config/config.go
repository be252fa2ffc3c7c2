// Package config loads the pod service configuration from a single YAML
// file. Every field has a default, so an absent file section keeps the
// reference configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Redis     RedisConfig     `yaml:"redis"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Auth      AuthConfig      `yaml:"auth"`
	Router    RouterConfig    `yaml:"router"`
	Devices   DevicesConfig   `yaml:"devices"`
	Trip      TripConfig      `yaml:"trip"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	EStop     EStopConfig     `yaml:"estop"`
	BrakeLamp BrakeLampConfig `yaml:"brake_lamp"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	DB   int    `yaml:"db"`
}

type GatewayConfig struct {
	// Listen is the HTTP address serving /ws and /metrics.
	Listen string `yaml:"listen"`

	// BrakeOnDisconnect fires the emergency path when the last operator
	// connection drops.
	BrakeOnDisconnect bool `yaml:"brake_on_disconnect"`
}

type AuthConfig struct {
	Secret        string        `yaml:"secret"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	AdminPassword string        `yaml:"admin_password"`
}

type RouterConfig struct {
	// QueueSize bounds every inter-service queue.
	QueueSize int `yaml:"queue_size"`

	// MaxInFlight is the number of commands the router works on at once.
	// 1 keeps strict arrival order.
	MaxInFlight int `yaml:"max_in_flight"`
}

type DevicesConfig struct {
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Timeout bounds a single request/response round trip.
	Timeout time.Duration `yaml:"timeout"`
}

type TripConfig struct {
	DefaultDistance float64 `yaml:"default_distance"`
	DefaultMaxSpeed float64 `yaml:"default_max_speed"`
}

type TelemetryConfig struct {
	Interval    time.Duration `yaml:"interval"`
	PollDevices bool          `yaml:"poll_devices"`
	ArchivePath string        `yaml:"archive_path"`

	// ArchiveLimit is the number of snapshots kept; older ones are pruned.
	ArchiveLimit int `yaml:"archive_limit"`
}

type EStopConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Chip     string        `yaml:"chip"`
	Line     int           `yaml:"line"`
	Debounce time.Duration `yaml:"debounce"`
}

type BrakeLampConfig struct {
	Enabled bool   `yaml:"enabled"`
	Chip    string `yaml:"chip"`
	Line    int    `yaml:"line"`
}

func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Host: "127.0.0.1",
			Port: 6379,
		},
		Gateway: GatewayConfig{
			Listen:            ":6007",
			BrakeOnDisconnect: true,
		},
		Auth: AuthConfig{
			Secret:        "openlink",
			TokenTTL:      12 * time.Hour,
			AdminPassword: "password",
		},
		Router: RouterConfig{
			QueueSize:   32,
			MaxInFlight: 1,
		},
		Devices: DevicesConfig{
			DialTimeout: 2 * time.Second,
			Timeout:     2 * time.Second,
		},
		Trip: TripConfig{
			DefaultDistance: 100,
			DefaultMaxSpeed: 50,
		},
		Telemetry: TelemetryConfig{
			Interval:     time.Second,
			PollDevices:  true,
			ArchivePath:  "/var/lib/pod-service/telemetry.db",
			ArchiveLimit: 86400,
		},
		EStop: EStopConfig{
			Chip:     "gpiochip0",
			Line:     17,
			Debounce: 20 * time.Millisecond,
		},
		BrakeLamp: BrakeLampConfig{
			Chip: "gpiochip0",
			Line: 27,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("redis.port %d out of range", c.Redis.Port))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret must not be empty"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if c.Router.QueueSize <= 0 {
		errs = append(errs, errors.New("router.queue_size must be positive"))
	}
	if c.Router.MaxInFlight <= 0 {
		errs = append(errs, errors.New("router.max_in_flight must be positive"))
	}
	if c.Devices.Timeout <= 0 || c.Devices.DialTimeout <= 0 {
		errs = append(errs, errors.New("devices timeouts must be positive"))
	}
	if c.Trip.DefaultDistance <= 0 || c.Trip.DefaultDistance >= 250 {
		errs = append(errs, fmt.Errorf("trip.default_distance %g out of range", c.Trip.DefaultDistance))
	}
	if c.Trip.DefaultMaxSpeed <= 0 || c.Trip.DefaultMaxSpeed >= 111 {
		errs = append(errs, fmt.Errorf("trip.default_max_speed %g out of range", c.Trip.DefaultMaxSpeed))
	}
	if c.Telemetry.Interval <= 0 {
		errs = append(errs, errors.New("telemetry.interval must be positive"))
	}
	if c.Telemetry.ArchiveLimit < 0 {
		errs = append(errs, errors.New("telemetry.archive_limit must not be negative"))
	}
	return errors.Join(errs...)
}
