package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config contains the complete configuration for a stackmem client.
//
// It includes settings for:
//   - Store: the persistent backend (sqlite, postgres, mysql)
//   - Narrative: the asynchronous digest enrichment pipeline (optional)
//   - Compaction: token estimation and model-profile defaults
//   - Hierarchy: retrieval index build parameters
//   - Router: query routing cache behavior
//
// Example:
//
//	config := &core.Config{
//	    Store: core.StoreConfig{
//	        Provider: "sqlite",
//	        Config: map[string]interface{}{
//	            "db_path": "./stackmem.db",
//	        },
//	    },
//	}
type Config struct {
	// Store contains persistent store configuration.
	Store StoreConfig `json:"store"`

	// Narrative contains narrative enrichment configuration (optional).
	Narrative *NarrativeConfig `json:"narrative,omitempty"`

	// Compaction contains compaction-defense configuration.
	Compaction CompactionConfig `json:"compaction"`

	// Hierarchy contains retrieval index configuration.
	Hierarchy HierarchyConfig `json:"hierarchy"`

	// Router contains query router configuration.
	Router RouterConfig `json:"router"`
}

// StoreConfig contains configuration for the persistent store.
//
// Supported providers: sqlite, postgres, mysql
type StoreConfig struct {
	// Provider is the store provider name (sqlite, postgres, mysql).
	Provider string `json:"provider"`

	// Config contains provider-specific configuration.
	// For SQLite: db_path
	// For PostgreSQL: host, port, user, password, db_name, ssl_mode
	// For MySQL: host, port, user, password, db_name
	Config map[string]interface{} `json:"config"`
}

// NarrativeConfig contains configuration for asynchronous narrative
// enrichment of frame digests.
type NarrativeConfig struct {
	// Enabled turns the background enrichment drainer on.
	Enabled bool `json:"enabled"`

	// Provider is the summarization provider name (openai).
	Provider string `json:"provider"`

	// APIKey is the API key for the provider.
	APIKey string `json:"api_key"`

	// Model is the model name to use.
	Model string `json:"model"`

	// BaseURL is the base URL for the API (optional).
	BaseURL string `json:"base_url,omitempty"`

	// MaxTokens caps the narrative length per frame.
	MaxTokens int `json:"max_tokens,omitempty"`

	// MaxRetries bounds provider retries before a job is marked
	// permanently failed.
	MaxRetries int `json:"max_retries,omitempty"`

	// IdleDelay is the quiet period before the drainer wakes. The timer
	// resets on every qualifying event.
	IdleDelay time.Duration `json:"idle_delay,omitempty"`

	// BatchSize is the number of jobs drained per wake-up.
	BatchSize int `json:"batch_size,omitempty"`

	// RequestTimeout bounds each provider call.
	RequestTimeout time.Duration `json:"request_timeout,omitempty"`
}

// CompactionConfig contains configuration for the compaction handler.
type CompactionConfig struct {
	// DefaultProfile names the model profile assumed when detection has
	// nothing better to go on.
	DefaultProfile string `json:"default_profile,omitempty"`

	// CharsPerToken overrides the length heuristic used by the token
	// estimator (0 uses the profile's value).
	CharsPerToken float64 `json:"chars_per_token,omitempty"`
}

// HierarchyConfig contains build parameters for the retrieval index.
type HierarchyConfig struct {
	// ChapterTokenCap is the hard size cap that forces a new chapter.
	ChapterTokenCap int `json:"chapter_token_cap,omitempty"`

	// SectionChildCap caps direct children per section (≤250).
	SectionChildCap int `json:"section_child_cap,omitempty"`

	// ParagraphChildCap caps direct children per paragraph (≤20).
	ParagraphChildCap int `json:"paragraph_child_cap,omitempty"`

	// SimilarityThreshold starts a new chapter when the similarity to the
	// most recently added trace falls below it.
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`

	// CompressThreshold is the leaf content size in bytes above which
	// content is stored gzip-compressed.
	CompressThreshold int `json:"compress_threshold,omitempty"`

	// RebuildSchedule is a cron expression for periodic index rebuilds
	// (empty disables the scheduler).
	RebuildSchedule string `json:"rebuild_schedule,omitempty"`
}

// RouterConfig contains configuration for the query router.
type RouterConfig struct {
	// CacheTTL is how long routing decisions stay cached (0 disables).
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`

	// CacheSize is the maximum number of cached decisions.
	CacheSize int64 `json:"cache_size,omitempty"`
}

// DefaultHierarchyConfig returns the default build parameters.
func DefaultHierarchyConfig() HierarchyConfig {
	return HierarchyConfig{
		ChapterTokenCap:     8000,
		SectionChildCap:     250,
		ParagraphChildCap:   20,
		SimilarityThreshold: 0.35,
		CompressThreshold:   2048,
	}
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables into a Config struct
//
// Supported environment variables:
//   - DATABASE_PROVIDER (sqlite, postgres, mysql)
//   - SQLITE_PATH
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD,
//     POSTGRES_DATABASE, POSTGRES_SSLMODE
//   - MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASSWORD, MYSQL_DATABASE
//   - NARRATIVE_ENABLED, NARRATIVE_PROVIDER, NARRATIVE_API_KEY,
//     NARRATIVE_MODEL, NARRATIVE_BASE_URL
//   - COMPACTION_DEFAULT_PROFILE
//   - HIERARCHY_REBUILD_SCHEDULE
//
// Returns a Config instance, or an error if loading fails.
func LoadConfigFromEnv() (*Config, error) {
	envPath, found := FindEnvFile()
	if found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	provider := getEnvOrDefault("DATABASE_PROVIDER", "sqlite")

	storeConfig := make(map[string]interface{})
	switch provider {
	case "sqlite":
		storeConfig = map[string]interface{}{
			"db_path": getEnvOrDefault("SQLITE_PATH", "./stackmem.db"),
		}
	case "postgres":
		port, _ := strconv.Atoi(getEnvOrDefault("POSTGRES_PORT", "5432"))
		storeConfig = map[string]interface{}{
			"host":     getEnvOrDefault("POSTGRES_HOST", "localhost"),
			"port":     port,
			"user":     getEnvOrDefault("POSTGRES_USER", "postgres"),
			"password": os.Getenv("POSTGRES_PASSWORD"),
			"db_name":  getEnvOrDefault("POSTGRES_DATABASE", "stackmem"),
			"ssl_mode": getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
		}
	case "mysql":
		port, _ := strconv.Atoi(getEnvOrDefault("MYSQL_PORT", "3306"))
		storeConfig = map[string]interface{}{
			"host":     getEnvOrDefault("MYSQL_HOST", "127.0.0.1"),
			"port":     port,
			"user":     getEnvOrDefault("MYSQL_USER", "root"),
			"password": os.Getenv("MYSQL_PASSWORD"),
			"db_name":  getEnvOrDefault("MYSQL_DATABASE", "stackmem"),
		}
	}

	config := &Config{
		Store: StoreConfig{
			Provider: provider,
			Config:   storeConfig,
		},
		Compaction: CompactionConfig{
			DefaultProfile: getEnvOrDefault("COMPACTION_DEFAULT_PROFILE", "default"),
		},
		Hierarchy: DefaultHierarchyConfig(),
		Router: RouterConfig{
			CacheTTL:  30 * time.Second,
			CacheSize: 1024,
		},
	}

	if schedule := os.Getenv("HIERARCHY_REBUILD_SCHEDULE"); schedule != "" {
		config.Hierarchy.RebuildSchedule = schedule
	}

	if os.Getenv("NARRATIVE_ENABLED") == "true" {
		config.Narrative = &NarrativeConfig{
			Enabled:        true,
			Provider:       getEnvOrDefault("NARRATIVE_PROVIDER", "openai"),
			APIKey:         os.Getenv("NARRATIVE_API_KEY"),
			Model:          getEnvOrDefault("NARRATIVE_MODEL", "gpt-4o-mini"),
			BaseURL:        os.Getenv("NARRATIVE_BASE_URL"),
			MaxTokens:      400,
			MaxRetries:     3,
			IdleDelay:      30 * time.Second,
			BatchSize:      8,
			RequestTimeout: 30 * time.Second,
		}
	}

	return config, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewEngineError("LoadConfigFromJSON", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, NewEngineError("LoadConfigFromJSON", err)
	}

	return &config, nil
}

// Validate validates the configuration.
//
// Checks that all required fields are set:
//   - Store provider must be specified
//   - Narrative provider must be specified when enrichment is enabled
//   - Hierarchy child caps must not exceed the structural maximums
//
// Returns an error if validation fails, nil otherwise.
func (c *Config) Validate() error {
	if c.Store.Provider == "" {
		return NewEngineError("Validate", ErrInvalidConfig)
	}
	if c.Narrative != nil && c.Narrative.Enabled && c.Narrative.Provider == "" {
		return NewEngineError("Validate", ErrInvalidConfig)
	}
	if c.Hierarchy.SectionChildCap > 250 || c.Hierarchy.ParagraphChildCap > 20 {
		return NewEngineError("Validate", ErrInvalidConfig)
	}
	return nil
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
