/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables,
 * providing a centralized and straightforward way to manage application
 * settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the loyalty-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	CommerceEventQueue       string `mapstructure:"COMMERCE_EVENT_QUEUE"`
	CommerceAPIBaseURL       string `mapstructure:"COMMERCE_API_BASE_URL"`
	CommerceAPIKey           string `mapstructure:"COMMERCE_API_KEY"`
	MailerAPIBaseURL         string `mapstructure:"MAILER_API_BASE_URL"`
	MailerAPIKey             string `mapstructure:"MAILER_API_KEY"`
	MailerFromAddress        string `mapstructure:"MAILER_FROM_ADDRESS"`
	JWKSURL                  string `mapstructure:"JWKS_URL"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	AppliedEventRetention    int    `mapstructure:"APPLIED_EVENT_RETENTION"`
	IssuanceMaxAttempts      int    `mapstructure:"ISSUANCE_MAX_ATTEMPTS"`
	IssuanceRetryBaseSeconds int    `mapstructure:"ISSUANCE_RETRY_BASE_SECONDS"`
	IssuanceSweepSchedule    string `mapstructure:"ISSUANCE_SWEEP_SCHEDULE"`
	RedeemRateLimitPerMinute int    `mapstructure:"REDEEM_RATE_LIMIT_PER_MINUTE"`
	EventRateLimitPerMinute  int    `mapstructure:"EVENT_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "loyalty:rate_limit")
	viper.SetDefault("COMMERCE_EVENT_QUEUE", "loyalty_service.commerce_events")
	viper.SetDefault("APPLIED_EVENT_RETENTION", 1000)
	viper.SetDefault("ISSUANCE_MAX_ATTEMPTS", 5)
	viper.SetDefault("ISSUANCE_RETRY_BASE_SECONDS", 30)
	viper.SetDefault("ISSUANCE_SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("REDEEM_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("EVENT_RATE_LIMIT_PER_MINUTE", 0)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LOYALTY_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("COMMERCE_EVENT_QUEUE")
	_ = viper.BindEnv("COMMERCE_API_BASE_URL")
	_ = viper.BindEnv("COMMERCE_API_KEY")
	_ = viper.BindEnv("MAILER_API_BASE_URL")
	_ = viper.BindEnv("MAILER_API_KEY")
	_ = viper.BindEnv("MAILER_FROM_ADDRESS")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LOYALTY_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("APPLIED_EVENT_RETENTION")
	_ = viper.BindEnv("ISSUANCE_MAX_ATTEMPTS")
	_ = viper.BindEnv("ISSUANCE_RETRY_BASE_SECONDS")
	_ = viper.BindEnv("ISSUANCE_SWEEP_SCHEDULE")
	_ = viper.BindEnv("REDEEM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("EVENT_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("LOYALTY_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "loyalty:rate_limit"
	}

	if config.AppliedEventRetention <= 0 {
		log.Printf("level=warn component=config msg=\"invalid applied-event retention; using default\" value=%d", config.AppliedEventRetention)
		config.AppliedEventRetention = 1000
	}
	if config.IssuanceMaxAttempts <= 0 {
		config.IssuanceMaxAttempts = 5
	}
	if config.IssuanceRetryBaseSeconds <= 0 {
		config.IssuanceRetryBaseSeconds = 30
	}
	if strings.TrimSpace(config.IssuanceSweepSchedule) == "" {
		config.IssuanceSweepSchedule = "@every 1m"
	}
	if config.RedeemRateLimitPerMinute < 0 {
		config.RedeemRateLimitPerMinute = 0
	}
	if config.EventRateLimitPerMinute < 0 {
		config.EventRateLimitPerMinute = 0
	}

	return
}
