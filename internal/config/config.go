package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	ServiceName string
	HTTPPort    string

	// Token issuance and validation.
	JWTAlgorithm     string
	Issuer           string
	ClockTolerance   time.Duration
	KeysDirectory    string
	PlatformKeyID    string
	EnableTenantKeys bool
	MaxTokenSize     int
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	ServiceTokenTTL  time.Duration

	// Refresh token rotation.
	RotationEnabled bool
	ReuseDetection  bool
	RevokeFamily    bool

	// Sessions.
	SessionTTL              time.Duration
	SessionMaxPerUser       int
	SessionRenewalEnabled   bool
	SessionRenewalCooldown  time.Duration
	SessionMaxLifetime      time.Duration
	SessionRenewalThreshold time.Duration
	SessionCleanupInterval  time.Duration

	// MFA challenges.
	MFAChallengeTTL time.Duration
	MFAMaxAttempts  int
	MFAMaxSwitches  int

	// Backing stores and event log.
	RedisAddr            string
	RedisPassword        string
	KafkaBrokers         []string
	KafkaRevocationTopic string
	DatabaseURL          string
}

var allowedAlgorithms = map[string]bool{"RS256": true, "ES256": true}

// Load reads configuration from environment variables with sane defaults.
// Validation failures here are fatal: the service must not serve traffic
// with an unsafe token configuration.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		ServiceName: getEnv("SERVICE_NAME", "auth-core"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),

		JWTAlgorithm:     getEnv("JWT_ALGORITHM", "RS256"),
		Issuer:           getEnv("JWT_ISSUER", "caas.io"),
		ClockTolerance:   getDuration("JWT_CLOCK_TOLERANCE", 30*time.Second),
		KeysDirectory:    getEnv("JWT_KEYS_DIRECTORY", "keys"),
		PlatformKeyID:    getEnv("JWT_PLATFORM_KEY_ID", "platform-key-1"),
		EnableTenantKeys: getBool("JWT_ENABLE_TENANT_KEYS", false),
		MaxTokenSize:     getInt("TOKEN_MAX_SIZE_BYTES", 8192),
		AccessTokenTTL:   getDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:  getDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		ServiceTokenTTL:  getDuration("SERVICE_TOKEN_TTL", time.Hour),

		RotationEnabled: getBool("ROTATION_ENABLED", true),
		ReuseDetection:  getBool("REUSE_DETECTION", true),
		RevokeFamily:    getBool("REVOKE_FAMILY", true),

		SessionTTL:              getDuration("SESSION_TTL", 24*time.Hour),
		SessionMaxPerUser:       getInt("SESSION_MAX_PER_USER", 5),
		SessionRenewalEnabled:   getBool("SESSION_RENEWAL_ENABLED", true),
		SessionRenewalCooldown:  getDuration("SESSION_RENEWAL_COOLDOWN", time.Minute),
		SessionMaxLifetime:      getDuration("SESSION_MAX_LIFETIME", 7*24*time.Hour),
		SessionRenewalThreshold: getDuration("SESSION_RENEWAL_THRESHOLD", time.Hour),
		SessionCleanupInterval:  getDuration("SESSION_CLEANUP_INTERVAL", 5*time.Minute),

		MFAChallengeTTL: getDuration("MFA_CHALLENGE_TTL", 5*time.Minute),
		MFAMaxAttempts:  getInt("MFA_MAX_ATTEMPTS", 5),
		MFAMaxSwitches:  getInt("MFA_MAX_SWITCHES", 3),

		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		KafkaBrokers:         getList("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaRevocationTopic: getEnv("KAFKA_REVOCATION_TOPIC", "auth.revocation.events"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if !allowedAlgorithms[c.JWTAlgorithm] {
		return fmt.Errorf("JWT_ALGORITHM %q is not allowed (want RS256 or ES256)", c.JWTAlgorithm)
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("JWT_ISSUER is required")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 || c.ServiceTokenTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		return fmt.Errorf("REFRESH_TOKEN_TTL (%s) must exceed ACCESS_TOKEN_TTL (%s)", c.RefreshTokenTTL, c.AccessTokenTTL)
	}
	if c.RevokeFamily && !c.ReuseDetection {
		return fmt.Errorf("REVOKE_FAMILY requires REUSE_DETECTION")
	}
	if c.SessionTTL <= 0 || c.SessionMaxLifetime <= 0 {
		return fmt.Errorf("session TTLs must be positive")
	}
	if c.MFAChallengeTTL <= 0 || c.MFAMaxAttempts <= 0 {
		return fmt.Errorf("MFA challenge TTL and max attempts must be positive")
	}
	return nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
