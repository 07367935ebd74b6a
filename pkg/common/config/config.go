package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers    []string
	KafkaGroupID    string
	KafkaAuditTopic string

	// Warehouse (CDR BigQuery dataset)
	WarehouseEndpoint     string
	WarehouseProject      string
	WarehouseDataset      string
	WarehouseQueryTimeout time.Duration
	WarehousePollInterval time.Duration
	WarehouseMaxRetries   int
	WarehouseTokenURL     string
	WarehouseClientID     string
	WarehouseClientSecret string

	// CDR schema
	CdrSchemaPath string

	// Criteria resolver cache
	CriteriaCacheTTL time.Duration

	// Materialization
	DefaultPageSize int
	MaxPageSize     int
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 4*1024*1024)),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "cohortworks"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "cohortworks123"),
		PostgresDB:       getEnv("POSTGRES_DB", "cohortworks"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:    getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:    getEnv("KAFKA_GROUP_ID", "cohortworks-platform"),
		KafkaAuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "cohort.audit"),

		WarehouseEndpoint:     getEnv("WAREHOUSE_ENDPOINT", "https://bigquery.googleapis.com/bigquery/v2"),
		WarehouseProject:      getEnv("WAREHOUSE_PROJECT", ""),
		WarehouseDataset:      getEnv("WAREHOUSE_DATASET", ""),
		WarehouseQueryTimeout: getDuration("WAREHOUSE_QUERY_TIMEOUT", 2*time.Minute),
		WarehousePollInterval: getDuration("WAREHOUSE_POLL_INTERVAL", 500*time.Millisecond),
		WarehouseMaxRetries:   getIntEnv("WAREHOUSE_MAX_RETRIES", 3),
		WarehouseTokenURL:     getEnv("WAREHOUSE_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		WarehouseClientID:     getEnv("WAREHOUSE_CLIENT_ID", ""),
		WarehouseClientSecret: getEnv("WAREHOUSE_CLIENT_SECRET", ""),

		CdrSchemaPath: getEnv("CDR_SCHEMA_PATH", ""),

		CriteriaCacheTTL: getDuration("CRITERIA_CACHE_TTL", 10*time.Minute),

		DefaultPageSize: getIntEnv("DEFAULT_PAGE_SIZE", 1000),
		MaxPageSize:     getIntEnv("MAX_PAGE_SIZE", 10000),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return []string{value}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
