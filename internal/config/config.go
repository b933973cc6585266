package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"p8fs-auth/pkg/derive"
	"p8fs-auth/pkg/jwt"

	"github.com/joho/godotenv"
)

const (
	BackendCouchDB = "couchdb"
	BackendMemory  = "memory"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	JWT          JWTConfig
	Registration RegistrationConfig
	Pairing      PairingConfig
	Credentials  CredentialsConfig
	S3           S3Config
	Webhook      WebhookConfig
	WebSocket    WebSocketConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Logging      LoggingConfig
	Dev          DevConfig
}

type ServerConfig struct {
	Port    string
	Host    string
	Env     string
	BaseURL string
}

func (s ServerConfig) IsDevelopment() bool {
	return s.Env == "development"
}

type DatabaseConfig struct {
	Backend  string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

type JWTConfig struct {
	PrivateKey             ed25519.PrivateKey
	Issuer                 string
	Audience               string
	Expiration             time.Duration
	RefreshTokenExpiration time.Duration
}

type RegistrationConfig struct {
	CodeTTL     time.Duration
	MaxAttempts int
	// RevealCodes logs verification codes in full. Development only.
	RevealCodes bool
}

type PairingConfig struct {
	SessionTTL      time.Duration
	PollInterval    time.Duration
	APIKeyTTL       time.Duration
	APIKeyEnabled   bool
	VerificationURI string
}

type CredentialsConfig struct {
	RootKey    []byte
	SessionTTL time.Duration
}

type S3Config struct {
	Endpoint        string
	Region          string
	AdminAccessKey  string
	AdminSecretKey  string
	ProvisionBucket bool
}

type WebhookConfig struct {
	Secret       string
	MaxClockSkew time.Duration
	CacheTTL     time.Duration
}

type WebSocketConfig struct {
	ReadBufferSize   int
	WriteBufferSize  int
	MaxMessageSize   int64
	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	MaxConnPerTenant int
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
	Enabled           bool
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Level string
}

type DevConfig struct {
	TokenSecret string
}

func Load() (*Config, error) {
	godotenv.Load()

	env := getEnv("ENV", "development")
	dev := env == "development"

	jwtExp, err := getEnvAsDuration("JWT_EXPIRATION", "15m")
	if err != nil {
		return nil, err
	}
	refreshExp, err := getEnvAsDuration("REFRESH_TOKEN_EXPIRATION", "720h")
	if err != nil {
		return nil, err
	}
	codeTTL, err := getEnvAsDuration("REGISTRATION_CODE_TTL", "10m")
	if err != nil {
		return nil, err
	}
	sessionTTL, err := getEnvAsDuration("DEVICE_SESSION_TTL", "600s")
	if err != nil {
		return nil, err
	}
	pollInterval, err := getEnvAsDuration("DEVICE_POLL_INTERVAL", "5s")
	if err != nil {
		return nil, err
	}
	apiKeyTTL, err := getEnvAsDuration("PAIRING_API_KEY_TTL", "15m")
	if err != nil {
		return nil, err
	}
	credTTL, err := getEnvAsDuration("CREDENTIALS_SESSION_TTL", "12h")
	if err != nil {
		return nil, err
	}
	skew, err := getEnvAsDuration("WEBHOOK_MAX_CLOCK_SKEW", "15m")
	if err != nil {
		return nil, err
	}
	cacheTTL, err := getEnvAsDuration("WEBHOOK_CACHE_TTL", "5m")
	if err != nil {
		return nil, err
	}

	privateKey, err := loadPrivateKey(os.Getenv("JWT_PRIVATE_KEY"), dev)
	if err != nil {
		return nil, err
	}
	rootKey, err := loadRootKey(os.Getenv("CREDENTIALS_ROOT_KEY"), dev)
	if err != nil {
		return nil, err
	}

	backend := strings.ToLower(getEnv("STORAGE_BACKEND", BackendCouchDB))
	if backend != BackendCouchDB && backend != BackendMemory {
		return nil, fmt.Errorf("invalid STORAGE_BACKEND %q", backend)
	}

	baseURL := strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/")

	return &Config{
		Server: ServerConfig{
			Port:    getEnv("PORT", "8080"),
			Host:    getEnv("HOST", "0.0.0.0"),
			Env:     env,
			BaseURL: baseURL,
		},
		Database: DatabaseConfig{
			Backend:  backend,
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5984"),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			Name:     getEnv("DB_NAME", "p8fs_auth"),
		},
		JWT: JWTConfig{
			PrivateKey:             privateKey,
			Issuer:                 getEnv("JWT_ISSUER", "p8fs"),
			Audience:               getEnv("JWT_AUDIENCE", "p8fs-api"),
			Expiration:             jwtExp,
			RefreshTokenExpiration: refreshExp,
		},
		Registration: RegistrationConfig{
			CodeTTL:     codeTTL,
			MaxAttempts: getEnvAsInt("REGISTRATION_MAX_ATTEMPTS", 5),
			RevealCodes: dev && getEnvAsBool("REVEAL_CODES", true),
		},
		Pairing: PairingConfig{
			SessionTTL:      sessionTTL,
			PollInterval:    pollInterval,
			APIKeyTTL:       apiKeyTTL,
			APIKeyEnabled:   getEnvAsBool("PAIRING_API_KEY_ENABLED", dev),
			VerificationURI: getEnv("VERIFICATION_URI", baseURL+"/oauth/device"),
		},
		Credentials: CredentialsConfig{
			RootKey:    rootKey,
			SessionTTL: credTTL,
		},
		S3: S3Config{
			Endpoint:        getEnv("S3_ENDPOINT", "http://localhost:8333"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			AdminAccessKey:  getEnv("S3_ADMIN_ACCESS_KEY", ""),
			AdminSecretKey:  getEnv("S3_ADMIN_SECRET_KEY", ""),
			ProvisionBucket: getEnvAsBool("S3_PROVISION_BUCKETS", true),
		},
		Webhook: WebhookConfig{
			Secret:       getEnv("SEAWEEDFS_WEBHOOK_SECRET", ""),
			MaxClockSkew: skew,
			CacheTTL:     cacheTTL,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:   getEnvAsInt("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize:  getEnvAsInt("WS_WRITE_BUFFER_SIZE", 1024),
			MaxMessageSize:   int64(getEnvAsInt("WS_MAX_MESSAGE_SIZE", 4096)),
			WriteWait:        10 * time.Second,
			PongWait:         60 * time.Second,
			PingPeriod:       54 * time.Second,
			MaxConnPerTenant: getEnvAsInt("WS_MAX_CONN_PER_TENANT", 20),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvAsInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 60),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
			Enabled:           getEnvAsBool("RATE_LIMIT_ENABLED", true),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Dev: DevConfig{
			TokenSecret: getEnv("DEV_TOKEN_SECRET", ""),
		},
	}, nil
}

func loadPrivateKey(value string, dev bool) (ed25519.PrivateKey, error) {
	if value == "" {
		if !dev {
			return nil, errors.New("JWT_PRIVATE_KEY is required")
		}
		log.Printf("[Config] JWT_PRIVATE_KEY not set; using an ephemeral key, tokens will not survive a restart")
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate jwt key: %w", err)
		}
		return priv, nil
	}
	priv, err := jwt.ParsePrivateKey(value)
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_PRIVATE_KEY: %w", err)
	}
	return priv, nil
}

func loadRootKey(value string, dev bool) ([]byte, error) {
	if value == "" {
		if !dev {
			return nil, errors.New("CREDENTIALS_ROOT_KEY is required")
		}
		log.Printf("[Config] CREDENTIALS_ROOT_KEY not set; using an ephemeral key, issued storage credentials will not survive a restart")
		key := make([]byte, derive.MinRootKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate root key: %w", err)
		}
		return key, nil
	}
	key, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("invalid CREDENTIALS_ROOT_KEY: %w", err)
	}
	if len(key) < derive.MinRootKeySize {
		return nil, fmt.Errorf("invalid CREDENTIALS_ROOT_KEY: %w", derive.ErrRootKeyTooShort)
	}
	return key, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
