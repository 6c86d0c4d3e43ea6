package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Rate-limited endpoint keys.
const (
	EndpointLogin          = "login"
	EndpointVerifyOTP      = "verify-otp"
	EndpointVerifyResetOTP = "verify-otp-password"
	EndpointForgotPassword = "forgot-password"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	DynamoDB  DynamoDBConfig
	Redis     RedisConfig
	JWT       JWTConfig
	OTP       OTPConfig
	RateLimit RateLimitConfig
	Auth      AuthConfig
	Mail      MailConfig
	Audit     AuditConfig
}

type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

type LogConfig struct {
	Level string
}

type DynamoDBConfig struct {
	Endpoint  string
	Region    string
	TableName string
}

type RedisConfig struct {
	Endpoint  string
	Password  string
	DB        int
	KeyPrefix string
}

type JWTConfig struct {
	SecretKey     string
	Issuer        string
	SessionExpiry time.Duration
}

type OTPConfig struct {
	Length                int
	Expiry                time.Duration
	MaxGenerationAttempts int
	PurgeInterval         time.Duration
}

// RateLimitPolicy is the lockout policy of a single endpoint.
type RateLimitPolicy struct {
	MaxAttempts   int
	BlockDuration time.Duration
	ResetWindow   time.Duration
}

type RateLimitConfig struct {
	Policies map[string]RateLimitPolicy
	Default  RateLimitPolicy
}

// Policy returns the policy configured for endpoint, or the default one.
func (c RateLimitConfig) Policy(endpoint string) RateLimitPolicy {
	if p, ok := c.Policies[endpoint]; ok {
		return p
	}
	return c.Default
}

type AuthConfig struct {
	UnknownEmailDelayMin time.Duration
	UnknownEmailDelayMax time.Duration
	PasswordMinLength    int
	ResetTicketTTL       time.Duration
	BcryptCost           int
}

type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	UseTLS   bool
	UseSSL   bool
}

type AuditConfig struct {
	BufferSize int
}

func Load() (*Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:  getEnv("DYNAMODB_ENDPOINT", ""),
			Region:    getEnv("DYNAMODB_REGION", "us-east-1"),
			TableName: getEnv("DYNAMODB_TABLE_NAME", "StockAuthTable"),
		},
		Redis: RedisConfig{
			Endpoint:  getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "stockauth"),
		},
		JWT: JWTConfig{
			SecretKey:     getEnv("JWT_SECRET_KEY", ""),
			Issuer:        getEnv("JWT_ISSUER", "stockauth"),
			SessionExpiry: getEnvAsDuration("JWT_SESSION_EXPIRY", time.Hour),
		},
		OTP: OTPConfig{
			Length:                getEnvAsInt("OTP_LENGTH", 6),
			Expiry:                getEnvAsDuration("OTP_EXPIRY", 10*time.Minute),
			MaxGenerationAttempts: getEnvAsInt("OTP_MAX_GENERATION_ATTEMPTS", 20),
			PurgeInterval:         getEnvAsDuration("OTP_PURGE_INTERVAL", 24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Policies: map[string]RateLimitPolicy{
				EndpointLogin:          loadPolicy(EndpointLogin, RateLimitPolicy{5, 30 * time.Minute, 15 * time.Minute}),
				EndpointVerifyOTP:      loadPolicy(EndpointVerifyOTP, RateLimitPolicy{3, 15 * time.Minute, 15 * time.Minute}),
				EndpointVerifyResetOTP: loadPolicy(EndpointVerifyResetOTP, RateLimitPolicy{3, 15 * time.Minute, 15 * time.Minute}),
				EndpointForgotPassword: loadPolicy(EndpointForgotPassword, RateLimitPolicy{5, 30 * time.Minute, 15 * time.Minute}),
			},
			Default: RateLimitPolicy{MaxAttempts: 5, BlockDuration: 30 * time.Minute, ResetWindow: 15 * time.Minute},
		},
		Auth: AuthConfig{
			UnknownEmailDelayMin: getEnvAsDuration("AUTH_UNKNOWN_EMAIL_DELAY_MIN", 1500*time.Millisecond),
			UnknownEmailDelayMax: getEnvAsDuration("AUTH_UNKNOWN_EMAIL_DELAY_MAX", 3*time.Second),
			PasswordMinLength:    getEnvAsInt("PASSWORD_MIN_LENGTH", 8),
			ResetTicketTTL:       getEnvAsDuration("RESET_TICKET_TTL", 10*time.Minute),
			BcryptCost:           getEnvAsInt("BCRYPT_COST", 12),
		},
		Mail: MailConfig{
			Host:     getEnv("MAIL_HOST", ""),
			Port:     getEnvAsInt("MAIL_PORT", 587),
			Username: getEnv("MAIL_USERNAME", ""),
			Password: getEnv("MAIL_PASSWORD", ""),
			From:     getEnv("MAIL_FROM", getEnv("MAIL_USERNAME", "")),
			UseTLS:   getEnvAsBool("MAIL_USE_TLS", true),
			UseSSL:   getEnvAsBool("MAIL_USE_SSL", false),
		},
		Audit: AuditConfig{
			BufferSize: getEnvAsInt("AUDIT_BUFFER_SIZE", 256),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWT.SecretKey == "" {
		return fmt.Errorf("JWT_SECRET_KEY environment variable is required")
	}

	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 bytes (256 bits)")
	}

	if c.OTP.Length < 4 || c.OTP.Length > 10 {
		return fmt.Errorf("OTP_LENGTH must be between 4 and 10, got %d", c.OTP.Length)
	}

	if c.OTP.MaxGenerationAttempts <= 0 {
		return fmt.Errorf("OTP_MAX_GENERATION_ATTEMPTS must be positive, got %d", c.OTP.MaxGenerationAttempts)
	}

	if c.Auth.UnknownEmailDelayMax < c.Auth.UnknownEmailDelayMin {
		return fmt.Errorf("AUTH_UNKNOWN_EMAIL_DELAY_MAX must not be lower than AUTH_UNKNOWN_EMAIL_DELAY_MIN")
	}

	for endpoint, p := range c.RateLimit.Policies {
		if p.MaxAttempts <= 0 || p.BlockDuration <= 0 || p.ResetWindow <= 0 {
			return fmt.Errorf("rate limit policy for %q must have positive values", endpoint)
		}
	}

	if c.Mail.Host != "" && c.Mail.From == "" {
		return fmt.Errorf("MAIL_FROM or MAIL_USERNAME is required when MAIL_HOST is set")
	}

	return nil
}

// loadPolicy reads RATE_LIMIT_<ENDPOINT>_* overrides, e.g. RATE_LIMIT_VERIFY_OTP_MAX_ATTEMPTS.
func loadPolicy(endpoint string, def RateLimitPolicy) RateLimitPolicy {
	prefix := "RATE_LIMIT_" + strings.ToUpper(strings.ReplaceAll(endpoint, "-", "_")) + "_"
	return RateLimitPolicy{
		MaxAttempts:   getEnvAsInt(prefix+"MAX_ATTEMPTS", def.MaxAttempts),
		BlockDuration: getEnvAsDuration(prefix+"BLOCK_DURATION", def.BlockDuration),
		ResetWindow:   getEnvAsDuration(prefix+"RESET_WINDOW", def.ResetWindow),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
