/**
 * @description
 * This package handles the configuration management for the billing service. It uses
 * Viper to read configuration from environment variables and an optional .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading and env binding.
 */

package config

import (
	"fmt"
	"log"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultRateLimitPrefix = "billing:rate_limit"
	minJWTSecretLength     = 32
)

// Config holds all the configuration variables for the billing service.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	RedisURL                       string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix           string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RegistrationRateLimitPerMinute int    `mapstructure:"REGISTRATION_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                    string `mapstructure:"RABBITMQ_URL"`
	ManualPaymentExchange          string `mapstructure:"MANUAL_PAYMENT_EXCHANGE"`
	ManualPaymentRoutingKey        string `mapstructure:"MANUAL_PAYMENT_ROUTING_KEY"`
	PayPalBaseURL                  string `mapstructure:"PAYPAL_BASE_URL"`
	PayPalClientID                 string `mapstructure:"PAYPAL_CLIENT_ID"`
	PayPalClientSecret             string `mapstructure:"PAYPAL_CLIENT_SECRET"`
	PaymentCurrency                string `mapstructure:"PAYMENT_CURRENCY"`
	GatewayWebhookSecret           string `mapstructure:"GATEWAY_WEBHOOK_SECRET"`
	GatewayAttemptTimeoutMinutes   int    `mapstructure:"GATEWAY_ATTEMPT_TIMEOUT_MINUTES"`
	AttemptExpiryJobSchedule       string `mapstructure:"ATTEMPT_EXPIRY_JOB_SCHEDULE"`
	JWTSecret                      string `mapstructure:"JWT_SECRET"`
	JWTIssuer                      string `mapstructure:"JWT_ISSUER"`
	SessionTTLHours                int    `mapstructure:"SESSION_TTL_HOURS"`
	BcryptCost                     int    `mapstructure:"BCRYPT_COST"`
	SeedSuperAdminEmail            string `mapstructure:"SEED_SUPERADMIN_EMAIL"`
	SeedSuperAdminPassword         string `mapstructure:"SEED_SUPERADMIN_PASSWORD"`
	ManualDispatchTimeoutSeconds   int    `mapstructure:"MANUAL_DISPATCH_TIMEOUT_SECONDS"`
	TrustedProxyCIDRs              string `mapstructure:"TRUSTED_PROXY_CIDRS"`
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("REGISTRATION_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("MANUAL_PAYMENT_EXCHANGE", "billing.manual_payments")
	viper.SetDefault("MANUAL_PAYMENT_ROUTING_KEY", "manual_payment.requested")
	viper.SetDefault("PAYPAL_BASE_URL", "https://api-m.sandbox.paypal.com")
	viper.SetDefault("PAYMENT_CURRENCY", "USD")
	viper.SetDefault("GATEWAY_ATTEMPT_TIMEOUT_MINUTES", 30)
	viper.SetDefault("ATTEMPT_EXPIRY_JOB_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("JWT_ISSUER", "billing-service")
	viper.SetDefault("SESSION_TTL_HOURS", 12)
	viper.SetDefault("BCRYPT_COST", 10)
	viper.SetDefault("MANUAL_DISPATCH_TIMEOUT_SECONDS", 10)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("REGISTRATION_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("MANUAL_PAYMENT_EXCHANGE")
	_ = viper.BindEnv("MANUAL_PAYMENT_ROUTING_KEY")
	_ = viper.BindEnv("PAYPAL_BASE_URL")
	_ = viper.BindEnv("PAYPAL_CLIENT_ID")
	_ = viper.BindEnv("PAYPAL_CLIENT_SECRET")
	_ = viper.BindEnv("PAYMENT_CURRENCY")
	_ = viper.BindEnv("GATEWAY_WEBHOOK_SECRET")
	_ = viper.BindEnv("GATEWAY_ATTEMPT_TIMEOUT_MINUTES")
	_ = viper.BindEnv("ATTEMPT_EXPIRY_JOB_SCHEDULE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("SESSION_TTL_HOURS")
	_ = viper.BindEnv("BCRYPT_COST")
	_ = viper.BindEnv("SEED_SUPERADMIN_EMAIL")
	_ = viper.BindEnv("SEED_SUPERADMIN_PASSWORD")
	_ = viper.BindEnv("MANUAL_DISPATCH_TIMEOUT_SECONDS")
	_ = viper.BindEnv("TRUSTED_PROXY_CIDRS")

	// The .env file is optional.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	config.PaymentCurrency = strings.ToUpper(strings.TrimSpace(config.PaymentCurrency))
	if config.GatewayAttemptTimeoutMinutes <= 0 {
		config.GatewayAttemptTimeoutMinutes = 30
	}
	if config.SessionTTLHours <= 0 {
		config.SessionTTLHours = 12
	}

	if strings.TrimSpace(config.DatabaseURL) == "" {
		return config, fmt.Errorf("DATABASE_URL is required")
	}
	if len(strings.TrimSpace(config.JWTSecret)) < minJWTSecretLength {
		return config, fmt.Errorf("JWT_SECRET is required and must be at least %d characters", minJWTSecretLength)
	}
	if len(config.PaymentCurrency) != 3 {
		return config, fmt.Errorf("PAYMENT_CURRENCY must be a 3-letter ISO code, got %q", config.PaymentCurrency)
	}
	if _, err := config.TrustedProxies(); err != nil {
		return config, err
	}

	return config, nil
}

// GatewayAttemptTimeout is how long an instant payment may wait on the gateway before it expires.
func (c Config) GatewayAttemptTimeout() time.Duration {
	return time.Duration(c.GatewayAttemptTimeoutMinutes) * time.Minute
}

// SessionTTL is the lifetime of issued session tokens.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

// ManualDispatchTimeout bounds a single manual-channel publish.
func (c Config) ManualDispatchTimeout() time.Duration {
	if c.ManualDispatchTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ManualDispatchTimeoutSeconds) * time.Second
}

// TrustedProxies parses TrustedProxyCIDRs, the comma separated reverse proxies
// allowed to set X-Forwarded-For. A bare address is taken as a single host. An
// empty list means the peer address is always the client.
func (c Config) TrustedProxies() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range strings.Split(c.TrustedProxyCIDRs, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXY_CIDRS: invalid address %q: %w", raw, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXY_CIDRS: invalid prefix %q: %w", raw, err)
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}
