// Package config holds the settings shared by the chatmem commands and
// builds the stores and embedding provider from them.
package config

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
	_ "modernc.org/sqlite"

	"github.com/matthewjhunter/chatmem"
)

// Embedding backends.
const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
)

// Config is populated from command-line flags and CHATMEM_* environment
// variables.
type Config struct {
	DBPath      string
	PostgresDSN string
	LogLevel    string

	Backend        string
	Model          string
	OllamaURL      string
	OpenAIKey      string
	OpenAIBaseURL  string
	GeminiKey      string
	Dimensions     int64
	QueryPrefix    string
	DocumentPrefix string

	Concurrency int64
}

// Flags returns the flags that fill cfg.
func Flags(cfg *Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "db",
			Usage:       "Path to the SQLite database",
			Value:       DefaultDBPath(),
			Sources:     cli.EnvVars("CHATMEM_DB"),
			Destination: &cfg.DBPath,
		},
		&cli.StringFlag{
			Name:        "postgres-dsn",
			Usage:       "Store messages and embeddings in PostgreSQL (pgvector) instead of SQLite",
			Sources:     cli.EnvVars("CHATMEM_POSTGRES_DSN"),
			Destination: &cfg.PostgresDSN,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level: debug, info, warn, error",
			Value:       "warn",
			Sources:     cli.EnvVars("CHATMEM_LOG_LEVEL"),
			Destination: &cfg.LogLevel,
		},
		&cli.StringFlag{
			Name:        "backend",
			Aliases:     []string{"b"},
			Usage:       "Embedding backend: ollama, openai, gemini",
			Value:       BackendOllama,
			Sources:     cli.EnvVars("CHATMEM_BACKEND"),
			Destination: &cfg.Backend,
		},
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "Embedding model name (backend default when empty)",
			Sources:     cli.EnvVars("CHATMEM_MODEL"),
			Destination: &cfg.Model,
		},
		&cli.StringFlag{
			Name:        "ollama-url",
			Usage:       "Ollama base URL",
			Value:       "http://localhost:11434",
			Sources:     cli.EnvVars("CHATMEM_OLLAMA_URL", "OLLAMA_HOST"),
			Destination: &cfg.OllamaURL,
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Usage:       "OpenAI API key",
			Sources:     cli.EnvVars("CHATMEM_OPENAI_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.OpenAIKey,
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Usage:       "Base URL of an OpenAI-compatible embeddings API",
			Sources:     cli.EnvVars("CHATMEM_OPENAI_BASE_URL"),
			Destination: &cfg.OpenAIBaseURL,
		},
		&cli.StringFlag{
			Name:        "gemini-api-key",
			Usage:       "Gemini API key",
			Sources:     cli.EnvVars("CHATMEM_GEMINI_API_KEY", "GEMINI_API_KEY"),
			Destination: &cfg.GeminiKey,
		},
		&cli.IntFlag{
			Name:        "dimensions",
			Usage:       "Expected embedding dimension (0 learns it from the model)",
			Sources:     cli.EnvVars("CHATMEM_DIMENSIONS"),
			Destination: &cfg.Dimensions,
		},
		&cli.StringFlag{
			Name:        "query-prefix",
			Usage:       "Prefix added to search queries, e.g. \"search_query: \"",
			Sources:     cli.EnvVars("CHATMEM_QUERY_PREFIX"),
			Destination: &cfg.QueryPrefix,
		},
		&cli.StringFlag{
			Name:        "document-prefix",
			Usage:       "Prefix added to stored messages, e.g. \"search_document: \"",
			Sources:     cli.EnvVars("CHATMEM_DOCUMENT_PREFIX"),
			Destination: &cfg.DocumentPrefix,
		},
		&cli.IntFlag{
			Name:        "concurrency",
			Usage:       "Messages embedded in parallel",
			Value:       1,
			Sources:     cli.EnvVars("CHATMEM_CONCURRENCY"),
			Destination: &cfg.Concurrency,
		},
	}
}

// DefaultDBPath returns $XDG_DATA_HOME/chatmem/chatmem.db, falling back to
// ~/.local/share.
func DefaultDBPath() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "chatmem", "chatmem.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "chatmem.db"
	}
	return filepath.Join(home, ".local", "share", "chatmem", "chatmem.db")
}

// Validate checks that the selected backend has what it needs.
func (cfg *Config) Validate() error {
	if cfg.DBPath == "" {
		return goerr.Wrap(chatmem.ErrValidation, "db path is required")
	}
	if cfg.Dimensions < 0 {
		return goerr.Wrap(chatmem.ErrValidation, "dimensions must not be negative", goerr.V("dimensions", cfg.Dimensions))
	}
	if cfg.Concurrency < 1 {
		return goerr.Wrap(chatmem.ErrValidation, "concurrency must be at least 1", goerr.V("concurrency", cfg.Concurrency))
	}

	switch strings.ToLower(cfg.Backend) {
	case BackendOllama:
		if cfg.OllamaURL == "" {
			return goerr.Wrap(chatmem.ErrValidation, "ollama-url is required")
		}
	case BackendOpenAI:
		if cfg.OpenAIKey == "" && cfg.OpenAIBaseURL == "" {
			return goerr.Wrap(chatmem.ErrValidation, "openai-api-key is required")
		}
	case BackendGemini:
		if cfg.GeminiKey == "" {
			return goerr.Wrap(chatmem.ErrValidation, "gemini-api-key is required")
		}
	default:
		return goerr.Wrap(chatmem.ErrValidation, "unknown embedding backend", goerr.V("backend", cfg.Backend))
	}
	return nil
}

// OpenSQLite opens the database at DBPath, creating its directory.
func (cfg *Config) OpenSQLite() (*sql.DB, error) {
	if cfg.DBPath == "" {
		return nil, goerr.Wrap(chatmem.ErrValidation, "db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		return nil, goerr.Wrap(err, "creating db directory", goerr.V("path", cfg.DBPath))
	}

	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, goerr.Wrap(err, "opening database", goerr.V("path", cfg.DBPath))
	}
	// Single connection for WAL mode correctness with the store's mutex.
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewEmbedder builds the configured embedding backend.
func (cfg *Config) NewEmbedder(ctx context.Context) (chatmem.Embedder, error) {
	switch strings.ToLower(cfg.Backend) {
	case BackendOllama:
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		return chatmem.NewOllamaEmbedder(cfg.OllamaURL, model), nil

	case BackendOpenAI:
		model := cfg.Model
		if model == "" {
			model = "text-embedding-3-small"
		}
		var opts []chatmem.OpenAIOption
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, chatmem.WithOpenAIBaseURL(cfg.OpenAIBaseURL))
		}
		if cfg.Dimensions > 0 {
			opts = append(opts, chatmem.WithOpenAIDimensions(int(cfg.Dimensions)))
		}
		return chatmem.NewOpenAIEmbedder(cfg.OpenAIKey, model, opts...), nil

	case BackendGemini:
		if cfg.GeminiKey == "" {
			return nil, goerr.Wrap(chatmem.ErrValidation, "gemini-api-key is required")
		}
		return chatmem.NewGeminiEmbedder(ctx, cfg.GeminiKey, cfg.Model, int(cfg.Dimensions))

	default:
		return nil, goerr.Wrap(chatmem.ErrValidation, "unknown embedding backend", goerr.V("backend", cfg.Backend))
	}
}

// NewProvider wraps the configured backend in a Provider.
func (cfg *Config) NewProvider(ctx context.Context) (*chatmem.Provider, error) {
	embedder, err := cfg.NewEmbedder(ctx)
	if err != nil {
		return nil, err
	}
	return chatmem.NewProvider(embedder, cfg.ProviderConfig())
}

// ProviderConfig returns the provider settings carried by cfg.
func (cfg *Config) ProviderConfig() chatmem.ProviderConfig {
	return chatmem.ProviderConfig{
		Dimensions:     int(cfg.Dimensions),
		QueryPrefix:    cfg.QueryPrefix,
		DocumentPrefix: cfg.DocumentPrefix,
	}
}

// PipelineConfig returns the pipeline settings carried by cfg.
func (cfg *Config) PipelineConfig() chatmem.PipelineConfig {
	return chatmem.PipelineConfig{Concurrency: int(cfg.Concurrency)}
}

// messageStore is what the commands need from a message backend.
type messageStore interface {
	chatmem.EmbeddingStore
	chatmem.MessageWriter
}

// Stores is the opened persistence layer. Memories always live in SQLite;
// messages and embeddings live in PostgreSQL when a DSN is configured.
type Stores struct {
	DB       *sql.DB
	SQLite   *chatmem.SQLiteStore
	Postgres *chatmem.PostgresStore
}

// Messages returns the store that holds messages and their embeddings.
func (s *Stores) Messages() chatmem.EmbeddingStore { return s.messages() }

// Writer returns the store that accepts new conversations and messages.
func (s *Stores) Writer() chatmem.MessageWriter { return s.messages() }

func (s *Stores) messages() messageStore {
	if s.Postgres != nil {
		return s.Postgres
	}
	return s.SQLite
}

// Close releases every opened store.
func (s *Stores) Close() error {
	var first error
	if s.Postgres != nil {
		first = s.Postgres.Close()
	}
	if err := s.DB.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// OpenStores opens SQLite and, when configured, PostgreSQL.
func (cfg *Config) OpenStores(ctx context.Context) (*Stores, error) {
	db, err := cfg.OpenSQLite()
	if err != nil {
		return nil, err
	}

	sqlite, err := chatmem.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "initializing sqlite store")
	}
	stores := &Stores{DB: db, SQLite: sqlite}

	if cfg.PostgresDSN != "" {
		pg, err := chatmem.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			db.Close()
			return nil, goerr.Wrap(err, "initializing postgres store")
		}
		stores.Postgres = pg
	}
	return stores, nil
}
