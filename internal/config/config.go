// Package config provides configuration loading for docqa.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/amirshahdadian/document-qa/internal/logging"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// EmbeddingsConfig holds embedding backend settings.
type EmbeddingsConfig struct {
	BaseURL string        `koanf:"base_url"`
	Model   string        `koanf:"model"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`
}

// ArchiveConfig holds remote archive settings.
type ArchiveConfig struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	Prefix    string `koanf:"prefix"`
	UseSSL    bool   `koanf:"use_ssl"`
}

// OpenAIConfig holds answer generation settings.
type OpenAIConfig struct {
	APIKey      string  `koanf:"api_key"`
	Model       string  `koanf:"model"`
	Temperature float64 `koanf:"temperature"`
}

// ChunkingConfig holds text splitting settings.
type ChunkingConfig struct {
	Size    int `koanf:"size"`
	Overlap int `koanf:"overlap"`
}

// RetrievalConfig holds similarity search settings.
type RetrievalConfig struct {
	TopK         int     `koanf:"top_k"`
	FetchK       int     `koanf:"fetch_k"`
	Lambda       float32 `koanf:"lambda"`
	HistoryLimit int     `koanf:"history_limit"`
}

// UploadConfig bounds document uploads.
type UploadConfig struct {
	MaxFileSize int64 `koanf:"max_file_size"`
}

// Config is the full service configuration.
type Config struct {
	// ProductionMode hardens the service: JSON logs and a mandatory
	// archive backend.
	ProductionMode bool `koanf:"production_mode"`

	// DataDir is the root for local state (vector indexes, session DB).
	// Default: ./data
	DataDir string `koanf:"data_dir"`

	Server     ServerConfig     `koanf:"server"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Archive    ArchiveConfig    `koanf:"archive"`
	OpenAI     OpenAIConfig     `koanf:"openai"`
	Chunking   ChunkingConfig   `koanf:"chunking"`
	Retrieval  RetrievalConfig  `koanf:"retrieval"`
	Upload     UploadConfig     `koanf:"upload"`
	Logging    logging.Config   `koanf:"logging"`
}

// ApplyDefaults sets default values for unset fields. Component
// packages apply their own defaults on top of these.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = "http://localhost:8080"
	}
	if c.ProductionMode && c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	c.Logging.ApplyDefaults()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai api key required")
	}
	if c.ProductionMode && c.Archive.Endpoint == "" {
		return fmt.Errorf("archive endpoint required in production mode")
	}
	return nil
}

// sections lists the nested config groups env vars can address.
var sections = map[string]bool{
	"server":     true,
	"embeddings": true,
	"archive":    true,
	"openai":     true,
	"chunking":   true,
	"retrieval":  true,
	"upload":     true,
	"logging":    true,
}

// Load loads configuration from an optional YAML file, then overrides
// with DOCQA_-prefixed environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (DOCQA_SERVER_PORT, DOCQA_OPENAI_API_KEY, ...)
//  2. YAML config file
//  3. Defaults
//
// Environment variables map section-first:
//
//	DOCQA_SERVER_PORT     -> server.port
//	DOCQA_OPENAI_API_KEY  -> openai.api_key
//	DOCQA_DATA_DIR        -> data_dir
//	DOCQA_PRODUCTION_MODE -> production_mode
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("DOCQA_", ".", transformEnvKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// transformEnvKey maps DOCQA_SECTION_FIELD_NAME to section.field_name.
// Keys whose first token is not a known section stay top-level.
func transformEnvKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, "DOCQA_"))
	if idx := strings.Index(key, "_"); idx > 0 && sections[key[:idx]] {
		return key[:idx] + "." + key[idx+1:]
	}
	return key
}
