package config

import "time"

// EngineConfig holds runtime configuration for the engine API service.
type EngineConfig struct {
	Environment         string
	Addr                string
	DatabaseURL         string
	MigrationsDir       string
	JWTSecret           string
	PlatformAPIVersion  string
	ConnectionsURL      string
	ConnectionsToken    string
	DeployPollInterval  time.Duration
	DeployTimeout       time.Duration
	PushBatchSize       int
	PushConcurrency     int
	DescribeConcurrency int
	RateLimitRedisAddr  string
	RateLimitRedisPass  string
	RateLimitRedisDB    int
}

// LoadEngineConfig constructs an EngineConfig from environment variables.
func LoadEngineConfig() EngineConfig {
	return EngineConfig{
		Environment:         GetString("APP_ENV", "development"),
		Addr:                GetString("API_ADDR", ":4100"),
		DatabaseURL:         GetString("DATABASE_URL", "postgres://engine:engine@db:5432/engine?sslmode=disable"),
		MigrationsDir:       GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:           GetString("JWT_SECRET", "supersecuresecret"),
		PlatformAPIVersion:  GetString("SFDC_API_VERSION", "v61.0"),
		ConnectionsURL:      GetString("CONNECTIONS_SERVICE_URL", "http://connections:4200"),
		ConnectionsToken:    GetString("CONNECTIONS_SERVICE_TOKEN", ""),
		DeployPollInterval:  GetSeconds("DEPLOY_POLL_INTERVAL_SECONDS", 3*time.Second),
		DeployTimeout:       GetSeconds("DEPLOY_TIMEOUT_SECONDS", 10*time.Minute),
		PushBatchSize:       GetInt("PUSH_BATCH_SIZE", 200),
		PushConcurrency:     GetInt("PUSH_CONCURRENCY", 4),
		DescribeConcurrency: GetInt("TOPOLOGY_DESCRIBE_CONCURRENCY", 10),
		RateLimitRedisAddr:  GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:  GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:    GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
