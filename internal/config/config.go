/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
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

// Config holds all the configuration variables for the payment-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	SettlementEventQueue string `mapstructure:"SETTLEMENT_EVENT_QUEUE"`

	ComplianceAPIBaseURL string `mapstructure:"COMPLIANCE_API_BASE_URL"`
	ComplianceAPIKey     string `mapstructure:"COMPLIANCE_API_KEY"`
	EVMDispatcherURL     string `mapstructure:"EVM_DISPATCHER_URL"`
	EVMDispatcherKey     string `mapstructure:"EVM_DISPATCHER_KEY"`
	AccountDispatcherURL string `mapstructure:"ACCOUNT_DISPATCHER_URL"`
	AccountDispatcherKey string `mapstructure:"ACCOUNT_DISPATCHER_KEY"`
	ShardSignerURL       string `mapstructure:"SHARD_SIGNER_URL"`
	ShardSignerKey       string `mapstructure:"SHARD_SIGNER_KEY"`

	AgentJWKSURL   string `mapstructure:"AGENT_JWKS_URL"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	FeeBPS                    int64   `mapstructure:"FEE_BPS"`
	RiskScoreThreshold        float64 `mapstructure:"RISK_SCORE_THRESHOLD"`
	ReservationTTLSeconds     int     `mapstructure:"RESERVATION_TTL_SECONDS"`
	SigningTimeoutSeconds     int     `mapstructure:"SIGNING_TIMEOUT_SECONDS"`
	SigningMaxAttempts        int     `mapstructure:"SIGNING_MAX_ATTEMPTS"`
	UtilizationCapBPS         int64   `mapstructure:"UTILIZATION_CAP_BPS"`
	PaymentRateLimitPerMinute int     `mapstructure:"PAYMENT_RATE_LIMIT_PER_MINUTE"`
	ReconcileBatchSize        int     `mapstructure:"RECONCILE_BATCH_SIZE"`
	SweepCronSpec             string  `mapstructure:"SWEEP_CRON_SPEC"`
	ReconcileCronSpec         string  `mapstructure:"RECONCILE_CRON_SPEC"`
	DelinquencyCronSpec       string  `mapstructure:"DELINQUENCY_CRON_SPEC"`
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
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("SETTLEMENT_EVENT_QUEUE", "payment_service.settlement_updates")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "agentrail:rate_limit")
	viper.SetDefault("FEE_BPS", 100) // 1%
	viper.SetDefault("RISK_SCORE_THRESHOLD", 75.0)
	viper.SetDefault("RESERVATION_TTL_SECONDS", 300)
	viper.SetDefault("SIGNING_TIMEOUT_SECONDS", 30)
	viper.SetDefault("SIGNING_MAX_ATTEMPTS", 3)
	viper.SetDefault("UTILIZATION_CAP_BPS", 8000) // 80% of vault assets
	viper.SetDefault("PAYMENT_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("RECONCILE_BATCH_SIZE", 50)
	viper.SetDefault("SWEEP_CRON_SPEC", "@every 1m")
	viper.SetDefault("RECONCILE_CRON_SPEC", "@every 2m")
	viper.SetDefault("DELINQUENCY_CRON_SPEC", "@every 1h")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SETTLEMENT_EVENT_QUEUE")
	_ = viper.BindEnv("COMPLIANCE_API_BASE_URL")
	_ = viper.BindEnv("COMPLIANCE_API_KEY")
	_ = viper.BindEnv("EVM_DISPATCHER_URL")
	_ = viper.BindEnv("EVM_DISPATCHER_KEY")
	_ = viper.BindEnv("ACCOUNT_DISPATCHER_URL")
	_ = viper.BindEnv("ACCOUNT_DISPATCHER_KEY")
	_ = viper.BindEnv("SHARD_SIGNER_URL")
	_ = viper.BindEnv("SHARD_SIGNER_KEY")
	_ = viper.BindEnv("AGENT_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("FEE_BPS")
	_ = viper.BindEnv("RISK_SCORE_THRESHOLD")
	_ = viper.BindEnv("RESERVATION_TTL_SECONDS")
	_ = viper.BindEnv("SIGNING_TIMEOUT_SECONDS")
	_ = viper.BindEnv("SIGNING_MAX_ATTEMPTS")
	_ = viper.BindEnv("UTILIZATION_CAP_BPS")
	_ = viper.BindEnv("PAYMENT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")
	_ = viper.BindEnv("SWEEP_CRON_SPEC")
	_ = viper.BindEnv("RECONCILE_CRON_SPEC")
	_ = viper.BindEnv("DELINQUENCY_CRON_SPEC")

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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("PAYMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "agentrail:rate_limit"
	}

	if config.FeeBPS < 0 {
		log.Printf("level=warn component=config msg=\"negative fee configured; coercing to zero\" fee_bps=%d", config.FeeBPS)
		config.FeeBPS = 0
	}
	if config.FeeBPS > 10000 {
		log.Printf("level=warn component=config msg=\"fee above 100%%; capping\" fee_bps=%d", config.FeeBPS)
		config.FeeBPS = 10000
	}
	if config.RiskScoreThreshold <= 0 {
		config.RiskScoreThreshold = 75.0
	}
	if config.ReservationTTLSeconds <= 0 {
		config.ReservationTTLSeconds = 300
	}
	if config.SigningTimeoutSeconds <= 0 {
		config.SigningTimeoutSeconds = 30
	}
	if config.SigningMaxAttempts <= 0 {
		config.SigningMaxAttempts = 3
	}
	if config.UtilizationCapBPS <= 0 || config.UtilizationCapBPS > 10000 {
		log.Printf("level=warn component=config msg=\"utilization cap out of range; using default\" utilization_cap_bps=%d", config.UtilizationCapBPS)
		config.UtilizationCapBPS = 8000
	}
	if config.PaymentRateLimitPerMinute < 0 {
		config.PaymentRateLimitPerMinute = 0
	}
	if config.ReconcileBatchSize <= 0 {
		config.ReconcileBatchSize = 50
	}
	if strings.TrimSpace(config.SweepCronSpec) == "" {
		config.SweepCronSpec = "@every 1m"
	}
	if strings.TrimSpace(config.ReconcileCronSpec) == "" {
		config.ReconcileCronSpec = "@every 2m"
	}
	if strings.TrimSpace(config.DelinquencyCronSpec) == "" {
		config.DelinquencyCronSpec = "@every 1h"
	}

	return
}
