/**
 * @description
 * Configuration for the kiosk-service. Values come from the environment (and an
 * optional .env file) through Viper, with defaults for every timing and limit so
 * a kiosk only has to provide its endpoints and credentials.
 *
 * @dependencies
 * - github.com/spf13/viper
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	AttemptBackendPostgres = "postgres"
	AttemptBackendRedis    = "redis"
)

// Config holds all the configuration variables for the kiosk-service.
type Config struct {
	ServerPort          string `mapstructure:"SERVER_PORT"`
	DatabaseURL         string `mapstructure:"DATABASE_URL"`
	RedisURL            string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix      string `mapstructure:"REDIS_KEY_PREFIX"`
	AttemptBackend      string `mapstructure:"ATTEMPT_BACKEND"`
	RabbitMQURL         string `mapstructure:"RABBITMQ_URL"`
	KioskEventsExchange string `mapstructure:"KIOSK_EVENTS_EXCHANGE"`
	KioskID             string `mapstructure:"KIOSK_ID"`
	KioskAPIKey         string `mapstructure:"KIOSK_API_KEY"`
	AdminJWKSURL        string `mapstructure:"ADMIN_JWKS_URL"`
	CORSAllowedOrigins  string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	HardwareAPIBaseURL string `mapstructure:"HARDWARE_API_BASE_URL"`
	HardwareAPIKey     string `mapstructure:"HARDWARE_API_KEY"`
	ActuatorAPIBaseURL string `mapstructure:"ACTUATOR_API_BASE_URL"`
	ActuatorAPIKey     string `mapstructure:"ACTUATOR_API_KEY"`
	VerifyAPIBaseURL   string `mapstructure:"VERIFY_API_BASE_URL"`

	CardPollIntervalMS       int `mapstructure:"CARD_POLL_INTERVAL_MS"`
	FaceTickIntervalMS       int `mapstructure:"FACE_TICK_INTERVAL_MS"`
	MaxAttempts              int `mapstructure:"MAX_ATTEMPTS"`
	PinLength                int `mapstructure:"PIN_LENGTH"`
	SuccessCountdownSeconds  int `mapstructure:"SUCCESS_COUNTDOWN_SECONDS"`
	FailureCountdownSeconds  int `mapstructure:"FAILURE_COUNTDOWN_SECONDS"`
	LockedCountdownSeconds   int `mapstructure:"LOCKED_COUNTDOWN_SECONDS"`
	StepDelayMS              int `mapstructure:"STEP_DELAY_MS"`
	LockoutWindowMinutes     int `mapstructure:"LOCKOUT_WINDOW_MINUTES"`
	ActivationTimeoutSeconds int `mapstructure:"ACTIVATION_TIMEOUT_SECONDS"`

	VerifyModelName        string `mapstructure:"VERIFY_MODEL_NAME"`
	VerifyDetectorBackend  string `mapstructure:"VERIFY_DETECTOR_BACKEND"`
	VerifyDistanceMetric   string `mapstructure:"VERIFY_DISTANCE_METRIC"`
	VerifyAlign            bool   `mapstructure:"VERIFY_ALIGN"`
	VerifyAntiSpoofing     bool   `mapstructure:"VERIFY_ANTI_SPOOFING"`
	VerifyEnforceDetection bool   `mapstructure:"VERIFY_ENFORCE_DETECTION"`

	LockoutReconcileSchedule string `mapstructure:"LOCKOUT_RECONCILE_SCHEDULE"`
}

var configKeys = []string{
	"SERVER_PORT",
	"DATABASE_URL",
	"REDIS_URL",
	"REDIS_KEY_PREFIX",
	"ATTEMPT_BACKEND",
	"RABBITMQ_URL",
	"KIOSK_EVENTS_EXCHANGE",
	"KIOSK_ID",
	"KIOSK_API_KEY",
	"ADMIN_JWKS_URL",
	"CORS_ALLOWED_ORIGINS",
	"HARDWARE_API_BASE_URL",
	"HARDWARE_API_KEY",
	"ACTUATOR_API_BASE_URL",
	"ACTUATOR_API_KEY",
	"VERIFY_API_BASE_URL",
	"CARD_POLL_INTERVAL_MS",
	"FACE_TICK_INTERVAL_MS",
	"MAX_ATTEMPTS",
	"PIN_LENGTH",
	"SUCCESS_COUNTDOWN_SECONDS",
	"FAILURE_COUNTDOWN_SECONDS",
	"LOCKED_COUNTDOWN_SECONDS",
	"STEP_DELAY_MS",
	"LOCKOUT_WINDOW_MINUTES",
	"ACTIVATION_TIMEOUT_SECONDS",
	"VERIFY_MODEL_NAME",
	"VERIFY_DETECTOR_BACKEND",
	"VERIFY_DISTANCE_METRIC",
	"VERIFY_ALIGN",
	"VERIFY_ANTI_SPOOFING",
	"VERIFY_ENFORCE_DETECTION",
	"LOCKOUT_RECONCILE_SCHEDULE",
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "securegate:attempts")
	viper.SetDefault("ATTEMPT_BACKEND", AttemptBackendPostgres)
	viper.SetDefault("KIOSK_EVENTS_EXCHANGE", "securegate.events")
	viper.SetDefault("KIOSK_ID", "kiosk-1")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	viper.SetDefault("HARDWARE_API_BASE_URL", "http://localhost:3002")
	viper.SetDefault("VERIFY_API_BASE_URL", "http://localhost:5000")
	viper.SetDefault("CARD_POLL_INTERVAL_MS", 100)
	viper.SetDefault("FACE_TICK_INTERVAL_MS", 100)
	viper.SetDefault("MAX_ATTEMPTS", 3)
	viper.SetDefault("PIN_LENGTH", 4)
	viper.SetDefault("SUCCESS_COUNTDOWN_SECONDS", 10)
	viper.SetDefault("FAILURE_COUNTDOWN_SECONDS", 10)
	viper.SetDefault("LOCKED_COUNTDOWN_SECONDS", 10)
	viper.SetDefault("STEP_DELAY_MS", 1000)
	viper.SetDefault("LOCKOUT_WINDOW_MINUTES", 15)
	viper.SetDefault("ACTIVATION_TIMEOUT_SECONDS", 10)
	viper.SetDefault("VERIFY_MODEL_NAME", "Facenet")
	viper.SetDefault("VERIFY_DETECTOR_BACKEND", "mediapipe")
	viper.SetDefault("VERIFY_DISTANCE_METRIC", "cosine")
	viper.SetDefault("VERIFY_ALIGN", true)
	viper.SetDefault("VERIFY_ANTI_SPOOFING", false)
	viper.SetDefault("VERIFY_ENFORCE_DETECTION", false)
	viper.SetDefault("LOCKOUT_RECONCILE_SCHEDULE", "@every 1m")

	for _, key := range configKeys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")

	// The .env file is optional.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()

	if config.DatabaseURL == "" {
		return config, fmt.Errorf("DATABASE_URL is required")
	}
	if config.AttemptBackend == AttemptBackendRedis && config.RedisURL == "" {
		return config, fmt.Errorf("REDIS_URL is required when ATTEMPT_BACKEND=%s", AttemptBackendRedis)
	}
	return config, nil
}

func (c *Config) normalize() {
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.KioskAPIKey = strings.TrimSpace(c.KioskAPIKey)
	c.AdminJWKSURL = strings.TrimSpace(c.AdminJWKSURL)
	c.HardwareAPIBaseURL = strings.TrimRight(strings.TrimSpace(c.HardwareAPIBaseURL), "/")
	c.VerifyAPIBaseURL = strings.TrimRight(strings.TrimSpace(c.VerifyAPIBaseURL), "/")

	c.RedisKeyPrefix = strings.TrimSpace(c.RedisKeyPrefix)
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "securegate:attempts"
	}

	c.AttemptBackend = strings.ToLower(strings.TrimSpace(c.AttemptBackend))
	switch c.AttemptBackend {
	case AttemptBackendPostgres, AttemptBackendRedis:
	default:
		log.Printf("level=warn component=config msg=\"unknown ATTEMPT_BACKEND; using postgres\" value=%q", c.AttemptBackend)
		c.AttemptBackend = AttemptBackendPostgres
	}

	// The actuator usually sits behind the same hardware gateway as the reader.
	c.ActuatorAPIBaseURL = strings.TrimRight(strings.TrimSpace(c.ActuatorAPIBaseURL), "/")
	if c.ActuatorAPIBaseURL == "" {
		c.ActuatorAPIBaseURL = c.HardwareAPIBaseURL
	}
	c.ActuatorAPIKey = strings.TrimSpace(c.ActuatorAPIKey)
	if c.ActuatorAPIKey == "" {
		c.ActuatorAPIKey = c.HardwareAPIKey
	}

	if c.MaxAttempts <= 0 {
		log.Printf("level=warn component=config msg=\"invalid MAX_ATTEMPTS; using default\" value=%d", c.MaxAttempts)
		c.MaxAttempts = 3
	}
	if c.PinLength <= 0 {
		log.Printf("level=warn component=config msg=\"invalid PIN_LENGTH; using default\" value=%d", c.PinLength)
		c.PinLength = 4
	}
	if c.CardPollIntervalMS <= 0 {
		c.CardPollIntervalMS = 100
	}
	if c.FaceTickIntervalMS <= 0 {
		c.FaceTickIntervalMS = 100
	}
	if c.SuccessCountdownSeconds <= 0 {
		c.SuccessCountdownSeconds = 10
	}
	if c.FailureCountdownSeconds <= 0 {
		c.FailureCountdownSeconds = 10
	}
	if c.LockedCountdownSeconds <= 0 {
		c.LockedCountdownSeconds = 10
	}
	if c.StepDelayMS < 0 {
		log.Printf("level=warn component=config msg=\"negative STEP_DELAY_MS; coercing to zero\" value=%d", c.StepDelayMS)
		c.StepDelayMS = 0
	}
	if c.LockoutWindowMinutes <= 0 {
		c.LockoutWindowMinutes = 15
	}
	if c.ActivationTimeoutSeconds <= 0 {
		c.ActivationTimeoutSeconds = 10
	}
	if strings.TrimSpace(c.LockoutReconcileSchedule) == "" {
		c.LockoutReconcileSchedule = "@every 1m"
	}
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func (c Config) CardPollInterval() time.Duration {
	return time.Duration(c.CardPollIntervalMS) * time.Millisecond
}

func (c Config) FaceTickInterval() time.Duration {
	return time.Duration(c.FaceTickIntervalMS) * time.Millisecond
}

func (c Config) StepDelay() time.Duration {
	return time.Duration(c.StepDelayMS) * time.Millisecond
}

func (c Config) SuccessCountdown() time.Duration {
	return time.Duration(c.SuccessCountdownSeconds) * time.Second
}

func (c Config) FailureCountdown() time.Duration {
	return time.Duration(c.FailureCountdownSeconds) * time.Second
}

func (c Config) LockedCountdown() time.Duration {
	return time.Duration(c.LockedCountdownSeconds) * time.Second
}

func (c Config) LockoutWindow() time.Duration {
	return time.Duration(c.LockoutWindowMinutes) * time.Minute
}

func (c Config) ActivationTimeout() time.Duration {
	return time.Duration(c.ActivationTimeoutSeconds) * time.Second
}
