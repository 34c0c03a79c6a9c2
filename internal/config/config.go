package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrNoChargePoints is returned when the configuration lists no charge points.
var ErrNoChargePoints = errors.New("no charge points configured")

// Config holds all configuration options for socest
type Config struct {
	// State Configuration
	Store    string `mapstructure:"store"`     // State backend: "file" or "redis"
	StateDir string `mapstructure:"state_dir"` // Directory for file-backed state records
	RedisURL string `mapstructure:"redis_url"` // Redis URL for the redis backend

	// MQTT Configuration
	MQTTUrl         string `mapstructure:"mqtt_url"`         // MQTT URL (supports both WebSocket and standard MQTT)
	DiscoveryPrefix string `mapstructure:"discovery_prefix"` // Home Assistant discovery prefix

	// Application Configuration
	Verbose             bool          `mapstructure:"verbose"`               // Enable verbose (debug) logging
	LogFile             string        `mapstructure:"log_file"`              // Append log lines here instead of stderr
	PollInterval        time.Duration `mapstructure:"poll_interval"`         // Invocation cadence in --loop mode
	ForceUpdateInterval time.Duration `mapstructure:"force_update_interval"` // Republish unchanged state after this long (0 = never)

	Telemetry    Telemetry     `mapstructure:"telemetry"`
	ChargePoints []ChargePoint `mapstructure:"charge_points"`
}

// Telemetry configures the remote vehicle-telemetry service
type Telemetry struct {
	BaseURL        string        `mapstructure:"base_url"`
	TokenPath      string        `mapstructure:"token_path"`
	SoCPath        string        `mapstructure:"soc_path"`
	Timeout        time.Duration `mapstructure:"timeout"`
	BreakerTimeout time.Duration `mapstructure:"breaker_timeout"`
}

// ChargePoint is the immutable per-charge-point configuration handed to the
// estimator. It is resolved once at startup.
type ChargePoint struct {
	ID int `mapstructure:"id"`

	// Credentials for the telemetry service
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`

	BatteryCapacity  float64 `mapstructure:"battery_capacity"`  // kWh
	ChargeEfficiency float64 `mapstructure:"charge_efficiency"` // percent

	// Timer thresholds, counted in invocations
	FetchInterval    int `mapstructure:"fetch_interval"`
	EstimateInterval int `mapstructure:"estimate_interval"`

	Input Input `mapstructure:"input"`

	SoCOutputFile string `mapstructure:"soc_output_file"` // optional ramdisk style soc slot
}

// Input selects where the charging flag and the meter reading come from
type Input struct {
	Source string `mapstructure:"source"` // "file" or "mqtt"

	ChargingActiveFile string `mapstructure:"charging_active_file"`
	MeterFile          string `mapstructure:"meter_file"`

	ChargingActiveTopic string        `mapstructure:"charging_active_topic"`
	MeterTopic          string        `mapstructure:"meter_topic"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

// Load reads the YAML configuration at path (or the default search paths
// when path is empty), applies SOCEST_ environment overrides and validates
// the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("socest")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/socest")
	}

	v.SetEnvPrefix("SOCEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	raw, _ := v.Get("charge_points").([]interface{})
	for i := range cfg.ChargePoints {
		var set map[string]interface{}
		if i < len(raw) {
			set, _ = raw[i].(map[string]interface{})
		}
		cfg.ChargePoints[i].applyDefaults(set)
		cfg.ChargePoints[i].applyEnv()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store", StoreFile)
	v.SetDefault("state_dir", DefaultStateDir)
	v.SetDefault("discovery_prefix", "homeassistant")
	v.SetDefault("verbose", false)
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("force_update_interval", time.Duration(0))
	v.SetDefault("telemetry.token_path", "/oauth/token")
	v.SetDefault("telemetry.soc_path", "/api/v1/vehicle/soc")
	v.SetDefault("telemetry.timeout", TelemetryTimeout)
	v.SetDefault("telemetry.breaker_timeout", BreakerTimeout)
}

// applyDefaults fills in what a charge point entry left out. Intervals and
// efficiency are looked up in the raw entry: an explicit 0 is meaningful for
// the intervals and must reach validation for the efficiency.
func (cp *ChargePoint) applyDefaults(set map[string]interface{}) {
	if _, ok := set["charge_efficiency"]; !ok {
		cp.ChargeEfficiency = DefaultChargeEfficiency
	}
	if _, ok := set["fetch_interval"]; !ok {
		cp.FetchInterval = DefaultFetchInterval
	}
	if _, ok := set["estimate_interval"]; !ok {
		cp.EstimateInterval = DefaultEstimateInterval
	}
	if cp.Input.Source == "" {
		cp.Input.Source = InputFile
	}
	if cp.Input.Timeout == 0 {
		cp.Input.Timeout = InputTimeout
	}
}

// applyEnv lets secrets live outside the config file.
func (cp *ChargePoint) applyEnv() {
	prefix := fmt.Sprintf("SOCEST_CP%d_", cp.ID)
	cp.Username = getEnv(prefix+"USERNAME", cp.Username)
	cp.Password = getEnv(prefix+"PASSWORD", cp.Password)
	cp.ClientID = getEnv(prefix+"CLIENT_ID", cp.ClientID)
	cp.ClientSecret = getEnv(prefix+"CLIENT_SECRET", cp.ClientSecret)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Store {
	case StoreFile:
		if c.StateDir == "" {
			return fmt.Errorf("state_dir is required for the file store")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis_url is required for the redis store")
		}
	default:
		return fmt.Errorf("unsupported store %q (supported: file, redis)", c.Store)
	}

	// MQTT validation - support both WebSocket and standard MQTT protocols
	if c.MQTTUrl != "" {
		if !strings.HasPrefix(c.MQTTUrl, "ws://") &&
			!strings.HasPrefix(c.MQTTUrl, "wss://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtt://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtts://") {
			return fmt.Errorf("MQTT URL must use supported protocol (ws://, wss://, mqtt://, or mqtts://)")
		}
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}

	if len(c.ChargePoints) == 0 {
		return ErrNoChargePoints
	}

	seen := make(map[int]bool, len(c.ChargePoints))
	for _, cp := range c.ChargePoints {
		if seen[cp.ID] {
			return fmt.Errorf("charge point %d configured twice", cp.ID)
		}
		seen[cp.ID] = true
		if err := cp.validate(c.MQTTUrl != ""); err != nil {
			return fmt.Errorf("charge point %d: %w", cp.ID, err)
		}
	}
	return nil
}

func (cp ChargePoint) validate(hasMQTT bool) error {
	if cp.ID < 1 {
		return fmt.Errorf("id must be >= 1")
	}
	if cp.BatteryCapacity <= 0 {
		return fmt.Errorf("battery_capacity must be positive")
	}
	if cp.ChargeEfficiency <= 0 || cp.ChargeEfficiency > 100 {
		return fmt.Errorf("charge_efficiency must be in (0,100]")
	}
	if cp.FetchInterval < 0 || cp.EstimateInterval < 0 {
		return fmt.Errorf("intervals must not be negative")
	}

	switch cp.Input.Source {
	case InputFile:
		if cp.Input.ChargingActiveFile == "" || cp.Input.MeterFile == "" {
			return fmt.Errorf("file input needs charging_active_file and meter_file")
		}
	case InputMQTT:
		if !hasMQTT {
			return fmt.Errorf("mqtt input needs mqtt_url")
		}
		if cp.Input.ChargingActiveTopic == "" || cp.Input.MeterTopic == "" {
			return fmt.Errorf("mqtt input needs charging_active_topic and meter_topic")
		}
	default:
		return fmt.Errorf("unsupported input source %q (supported: file, mqtt)", cp.Input.Source)
	}
	return nil
}

// HasMQTT returns true if MQTT is configured
func (c *Config) HasMQTT() bool {
	return c.MQTTUrl != ""
}

// ChargePoint resolves the configuration for id. Unknown ids fall back to
// charge point 1; the second return value reports whether that happened.
func (c *Config) ChargePoint(id int) (ChargePoint, bool, error) {
	for _, cp := range c.ChargePoints {
		if cp.ID == id {
			return cp, false, nil
		}
	}
	for _, cp := range c.ChargePoints {
		if cp.ID == DefaultChargePoint {
			return cp, true, nil
		}
	}
	return ChargePoint{}, false, fmt.Errorf("charge point %d not configured and no fallback charge point %d", id, DefaultChargePoint)
}

// Name is the identifier used in topics, keys and log fields.
func (cp ChargePoint) Name() string {
	return fmt.Sprintf("cp%d", cp.ID)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
