// Package config loads the runtime configuration for the journal server
// from environment variables. Input handler instances are configured
// separately, in the YAML file named by INGEST_HANDLERS_FILE.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config captures the full runtime configuration for the journal server.
type Config struct {
	App      AppConfig
	HTTP     HTTPConfig
	Database DatabaseConfig
	Storage  StorageConfig
	Kafka    KafkaConfig
	Tracing  TracingConfig
	Ingest   IngestConfig
	Upload   UploadConfig
}

type AppConfig struct {
	Name        string `env:"APP_NAME" envDefault:"journal-server"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	Version     string `env:"APP_VERSION" envDefault:"0.1.0"`
	LogLevel    string `env:"APP_LOG_LEVEL" envDefault:"info"`
}

type HTTPConfig struct {
	Addr         string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
}

type DatabaseConfig struct {
	DataDir string `env:"DB_DATA_DIR" envDefault:"./data"`
}

type StorageConfig struct {
	Provider     string        `env:"STORAGE_PROVIDER" envDefault:"minio"`
	Endpoint     string        `env:"STORAGE_ENDPOINT" envDefault:"localhost:9000"`
	Region       string        `env:"STORAGE_REGION" envDefault:"us-east-1"`
	Bucket       string        `env:"STORAGE_BUCKET" envDefault:"journal-files"`
	AccessKey    string        `env:"STORAGE_ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey    string        `env:"STORAGE_SECRET_KEY" envDefault:"minioadmin"`
	UseSSL       bool          `env:"STORAGE_USE_SSL" envDefault:"false"`
	CreateBucket bool          `env:"STORAGE_CREATE_BUCKET" envDefault:"true"`
	PresignTTL   time.Duration `env:"STORAGE_PRESIGN_TTL" envDefault:"15m"`
}

type KafkaConfig struct {
	// Enabled turns entry lifecycle eventing on; with it off the server
	// runs without a broker.
	Enabled          bool          `env:"KAFKA_ENABLED" envDefault:"false"`
	Brokers          []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	EntriesTopic     string        `env:"KAFKA_ENTRIES_TOPIC" envDefault:"journal.entries"`
	Retries          int           `env:"KAFKA_RETRIES" envDefault:"3"`
	CompressionCodec string        `env:"KAFKA_COMPRESSION_CODEC" envDefault:"snappy"`
	BatchSize        int           `env:"KAFKA_BATCH_SIZE" envDefault:"100"`
	BatchTimeout     time.Duration `env:"KAFKA_BATCH_TIMEOUT" envDefault:"1s"`
}

type TracingConfig struct {
	Endpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	Insecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1.0"`
	ResourceAttr string  `env:"OTEL_RESOURCE_ATTRIBUTES" envDefault:"service.namespace=journal"`
}

type IngestConfig struct {
	// InputDir is the root under which each file-accepting handler gets
	// a watched per-instance directory.
	InputDir string `env:"INGEST_INPUT_DIR" envDefault:"./input"`
	// HandlersFile names the YAML file listing input handler instances.
	HandlersFile   string        `env:"INGEST_HANDLERS_FILE" envDefault:"./handlers.yaml"`
	RescanInterval time.Duration `env:"INGEST_RESCAN_INTERVAL" envDefault:"5s"`
	// ConflictPolicy decides how an entry UUID collision with different
	// content resolves: "overwrite" or "reject".
	ConflictPolicy string `env:"INGEST_CONFLICT_POLICY" envDefault:"overwrite"`
}

type UploadConfig struct {
	MaxSizeBytes      int64 `env:"UPLOAD_MAX_SIZE_BYTES" envDefault:"10737418240"`
	MultipartMemBytes int64 `env:"UPLOAD_MULTIPART_MEM_BYTES" envDefault:"52428800"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
