// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads memcore settings from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/groundchat/memcore/pkg/provider"
)

// Config represents the main configuration
type Config struct {
	Log           LogConfig           `yaml:"log"`
	Registry      RegistryConfig      `yaml:"registry"`
	DocumentStore DocumentStoreConfig `yaml:"document_store"`
	Index         IndexConfig         `yaml:"index"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Generation    GenerationConfig    `yaml:"generation"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Memory        MemoryConfig        `yaml:"memory"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
}

// LogConfig contains logger configuration
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
}

// RegistryConfig contains the ownership database configuration
type RegistryConfig struct {
	Driver     string `yaml:"driver"` // "sqlite" (default) or "postgres"
	DSN        string `yaml:"dsn"`
	BcryptCost int    `yaml:"bcrypt_cost"`
}

// DocumentStoreConfig contains document store backend configuration
type DocumentStoreConfig struct {
	Type       string `yaml:"type"`     // "filesystem" (default), "memory" or "s3"
	BaseDir    string `yaml:"base_dir"` // filesystem root
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Prefix   string `yaml:"s3_prefix"`
	S3Endpoint string `yaml:"s3_endpoint"` // MinIO
}

// IndexConfig contains similarity index backend configuration
type IndexConfig struct {
	Type          string `yaml:"type"` // "chromem" (default), "memory", "milvus" or "qdrant"
	Path          string `yaml:"path"` // chromem persistence directory
	Compress      bool   `yaml:"compress"`
	Collection    string `yaml:"collection"`
	MilvusAddress string `yaml:"milvus_address"` // e.g. "localhost:19530"
	QdrantHost    string `yaml:"qdrant_host"`
	QdrantPort    int    `yaml:"qdrant_port"`
	QdrantAPIKey  string `yaml:"qdrant_api_key"`
}

// EmbeddingConfig contains embedding service configuration
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // "openai" (default) or "hash"
	Endpoint   string `yaml:"endpoint"` // e.g. "https://api.openai.com/v1"
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`      // e.g. "text-embedding-3-small"
	Dimensions int    `yaml:"dimensions"` // default 1536
}

// GenerationConfig contains chat model configuration
type GenerationConfig struct {
	Provider  string `yaml:"provider"` // "openai" (default) or "static"
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	Response  string `yaml:"response"` // static provider answer
}

// IngestConfig contains chunking and batching settings
type IngestConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	BatchSize    int `yaml:"batch_size"`
	Concurrency  int `yaml:"concurrency"`
}

// MemoryConfig contains conversation memory settings
type MemoryConfig struct {
	Limit         int           `yaml:"limit"`
	ChunkSize     int           `yaml:"chunk_size"`
	ChunkOverlap  int           `yaml:"chunk_overlap"`
	RedisAddr     string        `yaml:"redis_addr"` // enables the history cache
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	HistoryTTL    time.Duration `yaml:"history_ttl"`
}

// RetrievalConfig contains prompt assembly settings
type RetrievalConfig struct {
	KMemory   int `yaml:"k_memory"`
	KDocs     int `yaml:"k_docs"`
	Overfetch int `yaml:"overfetch"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns default configuration with environment overrides applied.
func Default() (*Config, error) {
	var cfg Config
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no backend could honor.
func (c *Config) Validate() error {
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest: chunk_overlap (%d) must be smaller than chunk_size (%d)", c.Ingest.ChunkOverlap, c.Ingest.ChunkSize)
	}
	if c.Memory.ChunkOverlap >= c.Memory.ChunkSize {
		return fmt.Errorf("memory: chunk_overlap (%d) must be smaller than chunk_size (%d)", c.Memory.ChunkOverlap, c.Memory.ChunkSize)
	}
	if c.Memory.Limit < 1 {
		return fmt.Errorf("memory: limit must be positive, got %d", c.Memory.Limit)
	}
	if c.DocumentStore.Type == "s3" && c.DocumentStore.S3Bucket == "" {
		return fmt.Errorf("document_store: s3_bucket is required for the s3 backend")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	// Generation uses the standard OpenAI variables, like the embedder.
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Generation.APIKey = v
		if cfg.Embedding.APIKey == "" {
			cfg.Embedding.APIKey = v
		}
	}
	if v := os.Getenv("OPENAI_API_ENDPOINT"); v != "" {
		cfg.Generation.Endpoint = v
	}
	if os.Getenv("FAKE_LLM") != "" {
		cfg.Generation.Provider = "static"
	}

	// Embedding env overrides
	if v := os.Getenv("EMBEDDING_ENDPOINT"); v != "" {
		cfg.Embedding.Endpoint = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}

	// Registry env overrides
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Registry.DSN = v
		cfg.Registry.Driver = "postgres"
	}

	// Document store env overrides
	if v := os.Getenv("DOCUMENT_DIR"); v != "" {
		cfg.DocumentStore.BaseDir = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.DocumentStore.S3Bucket = v
		cfg.DocumentStore.Type = "s3"
	}

	// Index env overrides
	if v := os.Getenv("CHROMA_PERSIST_DIR"); v != "" {
		cfg.Index.Path = v
	}
	if v := os.Getenv("MILVUS_ADDRESS"); v != "" {
		cfg.Index.MilvusAddress = v
		cfg.Index.Type = "milvus"
	}
	if v := os.Getenv("QDRANT_HOST"); v != "" {
		cfg.Index.QdrantHost = v
		cfg.Index.Type = "qdrant"
	}

	// Memory env overrides
	if v := os.Getenv("CHAT_HISTORY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHAT_HISTORY_LIMIT: %w", err)
		}
		cfg.Memory.Limit = n
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Memory.RedisAddr = v
	}
	return nil
}

func applyDefaults(cfg *Config) {
	applyLogDefaults(&cfg.Log)
	applyRegistryDefaults(&cfg.Registry)
	applyDocumentStoreDefaults(&cfg.DocumentStore)
	applyIndexDefaults(&cfg.Index)
	applyEmbeddingDefaults(&cfg.Embedding)
	applyGenerationDefaults(&cfg.Generation)
	applyIngestDefaults(&cfg.Ingest)
	applyMemoryDefaults(&cfg.Memory)
	applyRetrievalDefaults(&cfg.Retrieval)
}

func applyLogDefaults(cfg *LogConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
}

func applyRegistryDefaults(cfg *RegistryConfig) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	if cfg.DSN == "" && cfg.Driver == "sqlite" {
		cfg.DSN = "memcore.db"
	}
}

func applyDocumentStoreDefaults(cfg *DocumentStoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = "data"
	}
}

func applyIndexDefaults(cfg *IndexConfig) {
	if cfg.Type == "" {
		cfg.Type = "chromem"
	}
	if cfg.Path == "" {
		cfg.Path = "chroma"
	}
	if cfg.Collection == "" {
		cfg.Collection = "documents"
	}
	if cfg.MilvusAddress == "" {
		cfg.MilvusAddress = "localhost:19530"
	}
	if cfg.QdrantHost == "" {
		cfg.QdrantHost = "localhost"
	}
	if cfg.QdrantPort == 0 {
		cfg.QdrantPort = 6334
	}
}

func applyEmbeddingDefaults(cfg *EmbeddingConfig) {
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimensions == 0 {
		if cfg.Provider == "hash" {
			cfg.Dimensions = 256
		} else {
			cfg.Dimensions = 1536
		}
	}
}

func applyGenerationDefaults(cfg *GenerationConfig) {
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4"
	}
	if cfg.Response == "" {
		cfg.Response = "dummy response"
	}
}

func applyIngestDefaults(cfg *IngestConfig) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 500
	}
	if cfg.ChunkOverlap == 0 {
		cfg.ChunkOverlap = 50
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 64
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
}

func applyMemoryDefaults(cfg *MemoryConfig) {
	if cfg.Limit == 0 {
		cfg.Limit = 10
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 300
	}
	if cfg.ChunkOverlap == 0 {
		cfg.ChunkOverlap = 50
	}
	if cfg.HistoryTTL == 0 {
		cfg.HistoryTTL = time.Minute
	}
}

func applyRetrievalDefaults(cfg *RetrievalConfig) {
	if cfg.KMemory == 0 {
		cfg.KMemory = 3
	}
	if cfg.KDocs == 0 {
		cfg.KDocs = 3
	}
	if cfg.Overfetch == 0 {
		cfg.Overfetch = 4
	}
}

// DocumentStoreParams returns the provider parameters for the document store.
func (c *Config) DocumentStoreParams() provider.Params {
	d := c.DocumentStore
	return provider.Params{
		"base_dir": d.BaseDir,
		"bucket":   d.S3Bucket,
		"region":   d.S3Region,
		"prefix":   d.S3Prefix,
		"endpoint": d.S3Endpoint,
	}
}

// IndexParams returns the provider parameters for the similarity index.
func (c *Config) IndexParams() provider.Params {
	x := c.Index
	return provider.Params{
		"path":       x.Path,
		"compress":   strconv.FormatBool(x.Compress),
		"dimensions": strconv.Itoa(c.Embedding.Dimensions),
		"address":    x.MilvusAddress,
		"host":       x.QdrantHost,
		"port":       strconv.Itoa(x.QdrantPort),
		"api_key":    x.QdrantAPIKey,
	}
}

// EmbeddingParams returns the provider parameters for the embedder.
func (c *Config) EmbeddingParams() provider.Params {
	e := c.Embedding
	return provider.Params{
		"endpoint":   e.Endpoint,
		"api_key":    e.APIKey,
		"model":      e.Model,
		"dimensions": strconv.Itoa(e.Dimensions),
	}
}

// GenerationParams returns the provider parameters for the generator.
func (c *Config) GenerationParams() provider.Params {
	g := c.Generation
	return provider.Params{
		"endpoint":   g.Endpoint,
		"api_key":    g.APIKey,
		"model":      g.Model,
		"max_tokens": strconv.Itoa(g.MaxTokens),
		"response":   g.Response,
	}
}
