// Package config loads server configuration from the environment with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the full server configuration. Every knob has a usable default
// except the auth secret, which must be provided.
type Config struct {
	Database DatabaseConfig `env-prefix:"ATLAS_DB_"`
	Auth     AuthConfig     `env-prefix:"ATLAS_AUTH_"`
	Search   SearchConfig   `env-prefix:"ATLAS_SEARCH_"`
	Log      LogConfig      `env-prefix:"ATLAS_LOG_"`
}

// DatabaseConfig controls the SQLite store.
type DatabaseConfig struct {
	// DataDir holds the database file. Empty means ~/.atlas.
	DataDir      string        `env:"DATA_DIR" env-default:""`
	QueryTimeout time.Duration `env:"QUERY_TIMEOUT" env-default:"5s"`
}

// AuthConfig controls principal token verification.
type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET"`
	Issuer    string `env:"ISSUER" env-default:"atlas"`
}

// SearchConfig controls the hybrid search engine. With no API key the
// engine falls back to the deterministic local embedder.
type SearchConfig struct {
	OpenAIAPIKey        string        `env:"OPENAI_API_KEY" env-default:""`
	EmbeddingModel      string        `env:"EMBEDDING_MODEL" env-default:"text-embedding-3-small"`
	EmbedTimeout        time.Duration `env:"EMBED_TIMEOUT" env-default:"10s"`
	SimilarityThreshold float64       `env:"SIMILARITY_THRESHOLD" env-default:"0.30"`
	KeywordWeight       float64       `env:"KEYWORD_WEIGHT" env-default:"0.5"`
	SemanticWeight      float64       `env:"SEMANTIC_WEIGHT" env-default:"0.5"`
	MaxCandidates       int           `env:"MAX_CANDIDATES" env-default:"500"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `env:"LEVEL" env-default:"info"`
}

// Load reads configuration from the environment, layering an optional .env
// file underneath when present.
func Load() (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat(".env"); err == nil {
		if err := cleanenv.ReadConfig(".env", cfg); err != nil {
			return nil, fmt.Errorf("reading .env: %w", err)
		}
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("ATLAS_AUTH_JWT_SECRET is required")
	}
	if c.Search.SimilarityThreshold < 0 || c.Search.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold %v out of range [0,1]", c.Search.SimilarityThreshold)
	}
	if c.Search.KeywordWeight < 0 || c.Search.SemanticWeight < 0 {
		return errors.New("search weights cannot be negative")
	}
	return nil
}
