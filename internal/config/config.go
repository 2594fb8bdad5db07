// Package config loads YAML configuration with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL string `yaml:"databaseURL"`
	RedisAddr   string `yaml:"redisAddr"`
	RedisPass   string `yaml:"redisPassword"`
	QueueStream string `yaml:"queueStream"`
	QueueGroup  string `yaml:"queueGroup"`
	Workers     int    `yaml:"workers"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	GeminiAPIKey    string `yaml:"geminiAPIKey"`
	GenerationModel string `yaml:"generationModel"`

	ChunkMaxWords      int `yaml:"chunkMaxWords"`
	ChunkOverlapWords  int `yaml:"chunkOverlapWords"`
	RetrievalTopK      int `yaml:"retrievalTopK"`
	RetryAttempts      int `yaml:"retryAttempts"`
	RetryBaseSeconds   int `yaml:"retryBaseSeconds"`
	PersonaPaceSeconds int `yaml:"personaPaceSeconds"`
	TemplateTTLSeconds int `yaml:"templateTTLSeconds"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPass = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("GEMINI_GENERATION_MODEL"); v != "" {
		cfg.GenerationModel = v
	}
	if v := os.Getenv("CHUNK_MAX_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkMaxWords = n
		}
	}
	if v := os.Getenv("CHUNK_OVERLAP_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkOverlapWords = n
		}
	}
	if v := os.Getenv("RETRIEVAL_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetrievalTopK = n
		}
	}
	if v := os.Getenv("QUEUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.QueueStream == "" {
		cfg.QueueStream = "bookpersona:jobs"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "bookpersona"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MinioBucket == "" {
		cfg.MinioBucket = "bookpersona"
	}
	if cfg.ChunkMaxWords <= 0 {
		cfg.ChunkMaxWords = 1000
	}
	if cfg.ChunkOverlapWords <= 0 {
		cfg.ChunkOverlapWords = 100
	}
	if cfg.RetrievalTopK <= 0 {
		cfg.RetrievalTopK = 5
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseSeconds <= 0 {
		cfg.RetryBaseSeconds = 5
	}
	if cfg.PersonaPaceSeconds <= 0 {
		cfg.PersonaPaceSeconds = 2
	}
	if cfg.TemplateTTLSeconds <= 0 {
		cfg.TemplateTTLSeconds = 60
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.GeminiAPIKey == "" {
		return errors.New("config: geminiAPIKey is required (set in config.yaml or GEMINI_API_KEY)")
	}
	if cfg.GenerationModel == "" {
		return errors.New("config: generationModel is required (set in config.yaml)")
	}
	return nil
}
