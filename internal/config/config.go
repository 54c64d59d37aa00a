package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ResearchConfig holds the iteration-engine budget constants. Every loop
// guard in the engine reads from here; nothing is hardcoded in the loop.
type ResearchConfig struct {
	MaxIterations        int           `mapstructure:"max_iterations"`
	MaxCredits           int           `mapstructure:"max_credits"`
	BaseCost             int           `mapstructure:"base_cost"`
	MaxExecutionTime     time.Duration `mapstructure:"max_execution_time"`
	ConfidenceThreshold  float64       `mapstructure:"confidence_threshold"`
	CoverageThreshold    float64       `mapstructure:"coverage_threshold"`
	MinContentLength     int           `mapstructure:"min_content_length"`
	MinSources           int           `mapstructure:"min_sources"`
	SearchesPerIteration int           `mapstructure:"searches_per_iteration"`
	MaxScrapePerRound    int           `mapstructure:"max_scrape_per_round"`
	BatchSize            int           `mapstructure:"batch_size"`
	DiscoveryIterations  int           `mapstructure:"discovery_iterations"` // discovery fan-out runs in the first N iterations
	ValidateEvery        int           `mapstructure:"validate_every"`       // validator cadence in rounds
	MaxContentChars      int           `mapstructure:"max_content_chars"`    // provider-safe truncation for LLM calls

	// Heuristic score weights; tunable policy, hot-reloadable.
	Weights ScoreWeights `mapstructure:"weights"`
}

// ScoreWeights combine the round metrics into confidence/coverage scalars.
type ScoreWeights struct {
	Content float64 `mapstructure:"content"`
	Sources float64 `mapstructure:"sources"`
	Domains float64 `mapstructure:"domains"`
	Scrapes float64 `mapstructure:"scrapes"`
}

// LLMProviderConfig configures one chat-completion provider endpoint.
type LLMProviderConfig struct {
	Name    string        `mapstructure:"name"` // openai | anthropic
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ProvidersConfig groups the external provider endpoints.
type ProvidersConfig struct {
	LLMPrimary   LLMProviderConfig `mapstructure:"llm_primary"`
	LLMSecondary LLMProviderConfig `mapstructure:"llm_secondary"`

	Search struct {
		BaseURL string        `mapstructure:"base_url"`
		APIKey  string        `mapstructure:"api_key"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"search"`

	Scrape struct {
		BaseURL         string        `mapstructure:"base_url"`
		APIKey          string        `mapstructure:"api_key"`
		Timeout         time.Duration `mapstructure:"timeout"`
		ExtendedTimeout time.Duration `mapstructure:"extended_timeout"` // slow-page fallback
		CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"scrape"`
}

// DatabaseConfig configures the Postgres task/source store.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// RedisConfig configures the event mirror and idempotency markers.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	RateLimitPerMin int           `mapstructure:"rate_limit_per_min"`
}

// TracingConfig configures OTLP span export.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Config is the full service configuration.
type Config struct {
	Research  ResearchConfig  `mapstructure:"research"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Server    ServerConfig    `mapstructure:"server"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("research.max_iterations", 6)
	v.SetDefault("research.max_credits", 40)
	v.SetDefault("research.base_cost", 5)
	v.SetDefault("research.max_execution_time", "4m")
	v.SetDefault("research.confidence_threshold", 0.78)
	v.SetDefault("research.coverage_threshold", 0.7)
	v.SetDefault("research.min_content_length", 4000)
	v.SetDefault("research.min_sources", 6)
	v.SetDefault("research.searches_per_iteration", 4)
	v.SetDefault("research.max_scrape_per_round", 4)
	v.SetDefault("research.batch_size", 3)
	v.SetDefault("research.discovery_iterations", 2)
	v.SetDefault("research.validate_every", 2)
	v.SetDefault("research.max_content_chars", 60000)
	v.SetDefault("research.weights.content", 0.3)
	v.SetDefault("research.weights.sources", 0.3)
	v.SetDefault("research.weights.domains", 0.2)
	v.SetDefault("research.weights.scrapes", 0.2)

	v.SetDefault("providers.llm_primary.name", "openai")
	v.SetDefault("providers.llm_primary.base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.llm_primary.model", "gpt-4o")
	v.SetDefault("providers.llm_primary.timeout", "90s")
	v.SetDefault("providers.llm_secondary.name", "anthropic")
	v.SetDefault("providers.llm_secondary.base_url", "https://api.anthropic.com")
	v.SetDefault("providers.llm_secondary.model", "claude-sonnet-4-20250514")
	v.SetDefault("providers.llm_secondary.timeout", "90s")
	v.SetDefault("providers.search.timeout", "25s")
	v.SetDefault("providers.scrape.timeout", "30s")
	v.SetDefault("providers.scrape.extended_timeout", "75s")
	v.SetDefault("providers.scrape.cache_ttl", "30m")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "research")
	v.SetDefault("database.database", "research")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.idle_connections", 5)
	v.SetDefault("database.max_lifetime", "5m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.enabled", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "mcleuker-research")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("server.addr", ":8081")
	v.SetDefault("server.metrics_addr", ":9091")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.rate_limit_per_min", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Path returns the config file location used by Load; the file watcher
// follows the same resolution.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/research.yaml"
}

// Load reads configuration from CONFIG_PATH (default config/research.yaml),
// applying RESEARCH_* env overrides for every key. A missing file is not an
// error: defaults plus env are enough to run.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(Path())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run under.
func (c *Config) Validate() error {
	r := c.Research
	if r.MaxIterations <= 0 {
		return fmt.Errorf("research.max_iterations must be positive")
	}
	if r.MaxCredits < r.BaseCost {
		return fmt.Errorf("research.max_credits (%d) must cover base_cost (%d)", r.MaxCredits, r.BaseCost)
	}
	if r.BatchSize <= 0 || r.SearchesPerIteration <= 0 {
		return fmt.Errorf("research batch sizes must be positive")
	}
	if r.ConfidenceThreshold <= 0 || r.ConfidenceThreshold > 1 ||
		r.CoverageThreshold <= 0 || r.CoverageThreshold > 1 {
		return fmt.Errorf("research thresholds must be in (0,1]")
	}
	sum := r.Weights.Content + r.Weights.Sources + r.Weights.Domains + r.Weights.Scrapes
	if sum <= 0 {
		return fmt.Errorf("research.weights must sum to a positive value")
	}
	return nil
}
