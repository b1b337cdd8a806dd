package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research agent.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Collector CollectorConfig `mapstructure:"collector"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Synthesis SynthesisConfig `mapstructure:"synthesis"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	MaxRunTime     time.Duration `mapstructure:"max_run_time"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	ScheduleCron   string        `mapstructure:"schedule_cron"` // informational: next-run display only
}

// ServerConfig contains settings for the read-only artifacts API.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"` // empty disables auth
}

// LLMConfig contains language model provider settings.
type LLMConfig struct {
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	Model         string        `mapstructure:"model"`
	Temperature   float64       `mapstructure:"temperature"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PromptVersion string        `mapstructure:"prompt_version"`
}

// TelemetryConfig contains telemetry and monitoring settings.
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PeriodicLogs bool `mapstructure:"periodic_logs"`
}

// CollectorConfig bounds the collection phase.
type CollectorConfig struct {
	AdapterTimeout time.Duration `mapstructure:"adapter_timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
}

// SourcesConfig contains per-adapter source settings.
type SourcesConfig struct {
	Search SearchConfig `mapstructure:"search"`
	Scrape ScrapeConfig `mapstructure:"scrape"`
	Social SocialConfig `mapstructure:"social"`
}

// SearchConfig contains web search adapter settings.
type SearchConfig struct {
	TavilyAPIKey string   `mapstructure:"tavily_api_key"`
	SerperAPIKey string   `mapstructure:"serper_api_key"`
	MaxResults   int      `mapstructure:"max_results"`
	Domains      []string `mapstructure:"domains"` // preferred industry domains
}

// ScrapeConfig contains website scraping settings.
type ScrapeConfig struct {
	MaxSites     int      `mapstructure:"max_sites"`
	SeedURLs     []string `mapstructure:"seed_urls"`
	RenderJS     bool     `mapstructure:"render_js"` // fall back to headless Chrome
	UserAgent    string   `mapstructure:"user_agent"`
	MaxBodyBytes int64    `mapstructure:"max_body_bytes"`
}

// SocialConfig contains social media adapter settings.
type SocialConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	AccessToken  string   `mapstructure:"access_token"`
	Endpoint     string   `mapstructure:"endpoint"`
	MaxPosts     int      `mapstructure:"max_posts"`
	CompanyPages []string `mapstructure:"company_pages"` // public-page fallback when no token
}

// DedupConfig controls canonicalization and clustering.
type DedupConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	ShingleSize         int     `mapstructure:"shingle_size"`
	Signature           int     `mapstructure:"signature"` // min-hash signature length
}

// SynthesisConfig controls LLM batching.
type SynthesisConfig struct {
	BatchTokenBudget int `mapstructure:"batch_token_budget"`
	MaxConcurrency   int `mapstructure:"max_concurrency"`
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Index    IndexConfig    `mapstructure:"index"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DSN builds a connection string from either the URL or discrete fields.
func (p PostgresConfig) DSN() (string, error) {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL, nil
	}
	if strings.TrimSpace(p.Host) == "" || strings.TrimSpace(p.DBName) == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.url or host/dbname)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains fetch cache settings. Host empty disables the cache.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// IndexConfig contains keyword index settings.
type IndexConfig struct {
	Path string `mapstructure:"path"` // empty disables the bleve index
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FACTORYSCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Config file is optional; defaults plus env are enough to run.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.debug", false)
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.max_run_time", "15m")
	v.SetDefault("general.default_timeout", "30s")
	v.SetDefault("general.schedule_cron", "0 6 1 * *") // monthly

	v.SetDefault("server.address", ":8080")

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.prompt_version", "v1")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.periodic_logs", false)

	v.SetDefault("collector.adapter_timeout", "30s")
	v.SetDefault("collector.max_concurrency", 4)
	v.SetDefault("collector.max_attempts", 3)
	v.SetDefault("collector.backoff_base", "300ms")

	v.SetDefault("sources.search.max_results", 20)
	v.SetDefault("sources.search.domains", []string{
		"industryweek.com", "iiot-world.com", "iotworldtoday.com",
		"manufacturingtomorrow.com", "machinedesign.com", "automationworld.com",
		"manufacturing.net", "mckinsey.com", "gartner.com", "deloitte.com",
	})
	v.SetDefault("sources.scrape.max_sites", 10)
	v.SetDefault("sources.scrape.render_js", false)
	v.SetDefault("sources.scrape.user_agent", "factoryscout/1.0 (+https://github.com/factoryscout/factoryscout)")
	v.SetDefault("sources.scrape.max_body_bytes", 2<<20)
	v.SetDefault("sources.social.enabled", true)
	v.SetDefault("sources.social.endpoint", "https://api.linkedin.com/v2/posts")
	v.SetDefault("sources.social.max_posts", 10)
	v.SetDefault("sources.social.company_pages", []string{
		"https://www.linkedin.com/company/siemens-digital-industries-software/posts/",
		"https://www.linkedin.com/company/rockwell-automation/posts/",
		"https://www.linkedin.com/company/ge-digital/posts/",
		"https://www.linkedin.com/company/schneider-electric/posts/",
		"https://www.linkedin.com/company/ptc/posts/",
	})

	v.SetDefault("dedup.similarity_threshold", 0.85)
	v.SetDefault("dedup.shingle_size", 4)
	v.SetDefault("dedup.signature", 128)

	v.SetDefault("synthesis.batch_token_budget", 12000)
	v.SetDefault("synthesis.max_concurrency", 2)

	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.timeout", "5s")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.timeout", "5s")
	v.SetDefault("storage.redis.ttl", "48h")
	v.SetDefault("storage.index.path", "")
}

// overrideFromEnv maps well-known secret env vars onto config keys.
func overrideFromEnv(v *viper.Viper) {
	if key := os.Getenv("TAVILY_API_KEY"); key != "" {
		v.Set("sources.search.tavily_api_key", key)
	}
	if key := os.Getenv("SERPER_API_KEY"); key != "" {
		v.Set("sources.search.serper_api_key", key)
	}
	if tok := os.Getenv("LINKEDIN_ACCESS_TOKEN"); tok != "" {
		v.Set("sources.social.access_token", tok)
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		v.Set("llm.api_key", key)
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		v.Set("storage.postgres.url", url)
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		v.Set("storage.postgres.host", host)
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		v.Set("storage.postgres.user", user)
	}
	if pass := os.Getenv("POSTGRES_PASSWORD"); pass != "" {
		v.Set("storage.postgres.password", pass)
	}
	if db := os.Getenv("POSTGRES_DB"); db != "" {
		v.Set("storage.postgres.dbname", db)
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		v.Set("storage.redis.host", host)
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		v.Set("storage.redis.password", pass)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Dedup.SimilarityThreshold <= 0 || cfg.Dedup.SimilarityThreshold > 1 {
		return fmt.Errorf("dedup.similarity_threshold must be in (0,1], got %v", cfg.Dedup.SimilarityThreshold)
	}
	if cfg.Dedup.ShingleSize <= 0 {
		return fmt.Errorf("dedup.shingle_size must be > 0")
	}
	if cfg.Dedup.Signature <= 0 {
		return fmt.Errorf("dedup.signature must be > 0")
	}
	if cfg.Collector.MaxAttempts <= 0 {
		return fmt.Errorf("collector.max_attempts must be > 0")
	}
	if cfg.Collector.MaxConcurrency <= 0 {
		return fmt.Errorf("collector.max_concurrency must be > 0")
	}
	if cfg.Synthesis.BatchTokenBudget <= 0 {
		return fmt.Errorf("synthesis.batch_token_budget must be > 0")
	}
	if cfg.Synthesis.MaxConcurrency <= 0 {
		return fmt.Errorf("synthesis.max_concurrency must be > 0")
	}
	return nil
}
