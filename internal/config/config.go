package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration, loaded once at startup from
// CONFIG_PATH (yaml) with env overrides applied on top.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Search       SearchConfig       `mapstructure:"search"`
	Fetch        FetchConfig        `mapstructure:"fetch"`
	Rerank       RerankConfig       `mapstructure:"rerank"`
	Synthesis    SynthesisConfig    `mapstructure:"synthesis"`
	DeepResearch DeepResearchConfig `mapstructure:"deep_research"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type ServerConfig struct {
	Port             int `mapstructure:"port"`
	RequestsPerMin   int `mapstructure:"requests_per_minute"`
	RateLimitBurst   int `mapstructure:"rate_limit_burst"`
	ShutdownTimeoutS int `mapstructure:"shutdown_timeout_seconds"`
}

type SearchConfig struct {
	Primary       string `mapstructure:"primary"`
	Fallback      string `mapstructure:"fallback"`
	MaxResults    int    `mapstructure:"max_results"`
	CacheSize     int    `mapstructure:"cache_size"`
	CacheTTLS     int    `mapstructure:"cache_ttl_seconds"`
	QueryLimit    int    `mapstructure:"query_rate_limit"`
	QueryWindowS  int    `mapstructure:"query_rate_window_seconds"`
	BraveAPIKey   string `mapstructure:"brave_api_key"`
	RequestTimeoS int    `mapstructure:"request_timeout_seconds"`
}

type FetchConfig struct {
	Concurrency     int      `mapstructure:"concurrency"`
	MaxFetch        int      `mapstructure:"max_fetch"`
	TimeoutS        int      `mapstructure:"timeout_seconds"`
	MaxBytes        int64    `mapstructure:"max_bytes"`
	DomainPerMin    int      `mapstructure:"domain_requests_per_minute"`
	CacheSize       int      `mapstructure:"cache_size"`
	CacheTTLS       int      `mapstructure:"cache_ttl_seconds"`
	RespectRobots   bool     `mapstructure:"respect_robots"`
	UserAgent       string   `mapstructure:"user_agent"`
	AllowedDomains  []string `mapstructure:"allowed_domains"`
	BlockedDomains  []string `mapstructure:"blocked_domains"`
	DomainsFile     string   `mapstructure:"domains_file"`
	CredibilityFile string   `mapstructure:"credibility_file"`
}

type RerankConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Model       string `mapstructure:"model"`
	TimeoutS    int    `mapstructure:"timeout_seconds"`
	WindowChars int    `mapstructure:"window_chars"`
	Overlap     int    `mapstructure:"overlap_chars"`
	TopK        int    `mapstructure:"top_k"`
}

type SynthesisConfig struct {
	CacheTTLS    int `mapstructure:"cache_ttl_seconds"`
	CacheSize    int `mapstructure:"cache_size"`
	MinDocs      int `mapstructure:"deepen_min_docs"`
	MinTokens    int `mapstructure:"deepen_min_tokens"`
	EvidenceCap  int `mapstructure:"evidence_char_cap"`
	ExtraFetches int `mapstructure:"deepen_extra_fetches"`
}

type DeepResearchConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxIterations int  `mapstructure:"max_iterations"`
	SearchPerSubQ int  `mapstructure:"search_per_subquestion"`
	FetchPerSubQ  int  `mapstructure:"fetch_per_subquestion"`
}

type LLMConfig struct {
	Backend      string `mapstructure:"backend"` // "service" | "ollama" | "gemini"
	ServiceURL   string `mapstructure:"service_url"`
	Model        string `mapstructure:"model"`
	TimeoutS     int    `mapstructure:"timeout_seconds"`
	MaxTokens    int    `mapstructure:"max_tokens"`
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type AuthConfig struct {
	Disabled  bool     `mapstructure:"disabled"`
	JWTSecret string   `mapstructure:"jwt_secret"`
	APIKeys   []string `mapstructure:"api_keys"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Load reads the yaml config from CONFIG_PATH (default ./config/citeseek.yaml),
// fills defaults and applies env overrides. A missing file is not an error;
// defaults plus env cover the zero-config case.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config/citeseek.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.requests_per_minute", 60)
	v.SetDefault("server.rate_limit_burst", 10)
	v.SetDefault("server.shutdown_timeout_seconds", 10)

	v.SetDefault("search.primary", "duckduckgo")
	v.SetDefault("search.fallback", "brave")
	v.SetDefault("search.max_results", 5)
	v.SetDefault("search.cache_size", 256)
	v.SetDefault("search.cache_ttl_seconds", 600)
	v.SetDefault("search.query_rate_limit", 10)
	v.SetDefault("search.query_rate_window_seconds", 60)
	v.SetDefault("search.request_timeout_seconds", 15)

	v.SetDefault("fetch.concurrency", 5)
	v.SetDefault("fetch.max_fetch", 5)
	v.SetDefault("fetch.timeout_seconds", 20)
	v.SetDefault("fetch.max_bytes", 2<<20)
	v.SetDefault("fetch.domain_requests_per_minute", 10)
	v.SetDefault("fetch.cache_size", 512)
	v.SetDefault("fetch.cache_ttl_seconds", 900)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.user_agent", "citeseek/1.0 (+https://github.com/citeseek/citeseek)")

	v.SetDefault("rerank.enabled", false)
	v.SetDefault("rerank.timeout_seconds", 10)
	v.SetDefault("rerank.window_chars", 600)
	v.SetDefault("rerank.overlap_chars", 60)
	v.SetDefault("rerank.top_k", 8)

	v.SetDefault("synthesis.cache_ttl_seconds", 300)
	v.SetDefault("synthesis.cache_size", 128)
	v.SetDefault("synthesis.deepen_min_docs", 2)
	v.SetDefault("synthesis.deepen_min_tokens", 500)
	v.SetDefault("synthesis.evidence_char_cap", 8000)
	v.SetDefault("synthesis.deepen_extra_fetches", 2)

	v.SetDefault("deep_research.enabled", true)
	v.SetDefault("deep_research.max_iterations", 3)
	v.SetDefault("deep_research.search_per_subquestion", 3)
	v.SetDefault("deep_research.fetch_per_subquestion", 2)

	v.SetDefault("llm.backend", "service")
	v.SetDefault("llm.service_url", "http://llm-service:8000")
	v.SetDefault("llm.timeout_seconds", 60)
	v.SetDefault("llm.max_tokens", 2048)

	v.SetDefault("auth.disabled", true)

	v.SetDefault("logging.level", "info")
}

func applyEnvOverrides(cfg *Config) {
	if p := envInt("PORT"); p > 0 {
		cfg.Server.Port = p
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("LLM_SERVICE_URL"); v != "" {
		cfg.LLM.ServiceURL = v
	}
	if v := os.Getenv("LLM_BACKEND"); v != "" {
		cfg.LLM.Backend = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("BRAVE_API_KEY"); v != "" {
		cfg.Search.BraveAPIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.LLM.GeminiAPIKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("API_KEYS"); v != "" {
		cfg.Auth.APIKeys = splitCSV(v)
	}
	if v := os.Getenv("AUTH_DISABLED"); v != "" {
		cfg.Auth.Disabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("DEEP_RESEARCH_ENABLED"); v != "" {
		cfg.DeepResearch.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("RERANK_ENDPOINT"); v != "" {
		cfg.Rerank.Endpoint = v
		cfg.Rerank.Enabled = true
	}
	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.OTLPEndpoint = v
		cfg.Tracing.Enabled = true
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func envInt(key string) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Durations derived from the integer-second fields.

func (c SearchConfig) CacheTTL() time.Duration { return time.Duration(c.CacheTTLS) * time.Second }

func (c SearchConfig) QueryWindow() time.Duration {
	return time.Duration(c.QueryWindowS) * time.Second
}

func (c SearchConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoS) * time.Second
}

func (c FetchConfig) Timeout() time.Duration { return time.Duration(c.TimeoutS) * time.Second }

func (c FetchConfig) CacheTTL() time.Duration { return time.Duration(c.CacheTTLS) * time.Second }

func (c RerankConfig) Timeout() time.Duration { return time.Duration(c.TimeoutS) * time.Second }

func (c SynthesisConfig) CacheTTL() time.Duration { return time.Duration(c.CacheTTLS) * time.Second }

func (c LLMConfig) Timeout() time.Duration { return time.Duration(c.TimeoutS) * time.Second }
