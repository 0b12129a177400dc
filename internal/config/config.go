package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the modelmux service configuration.
type Config struct {
	HTTP           HTTPConfig               `yaml:"http"`
	Auth           AuthConfig               `yaml:"auth"`
	Database       DatabaseConfig           `yaml:"database"`
	Logging        LoggingConfig            `yaml:"logging"`
	Router         RouterConfig             `yaml:"router"`
	Backends       map[string]BackendConfig `yaml:"backends"`
	Embedding      EmbeddingConfig          `yaml:"embedding"`
	EmbeddingCache EmbeddingCacheConfig     `yaml:"embedding_cache"`
	Fusion         FusionConfig             `yaml:"fusion"`
	Reranker       RerankerConfig           `yaml:"reranker"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig holds database connection settings.
// An empty Addrs list runs the service without a database.
type DatabaseConfig struct {
	Driver           string   `yaml:"driver"` // redis, valkey (default: redis)
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// Enabled reports whether a database is configured.
func (d DatabaseConfig) Enabled() bool { return len(d.Addrs) > 0 }

// ThresholdsConfig holds the default fallback thresholds.
type ThresholdsConfig struct {
	ErrorRate     float64 `yaml:"error_rate"`
	LatencyMS     int     `yaml:"latency_ms"`
	MemoryPercent float64 `yaml:"memory_percent"`
}

// RouterConfig holds routing, fallback and lifecycle settings.
type RouterConfig struct {
	WindowSize          int              `yaml:"window_size"`
	MaxConcurrent       int              `yaml:"max_concurrent"`
	ComplexityThreshold float64          `yaml:"complexity_threshold"`
	DefaultRole         string           `yaml:"default_role"`
	FastRole            string           `yaml:"fast_role"`
	CapableRole         string           `yaml:"capable_role"`
	FallbackChain       []string         `yaml:"fallback_chain"`
	Thresholds          ThresholdsConfig `yaml:"thresholds"`
	MemoryCheck         *bool            `yaml:"memory_check"` // default: true
	HistoryCapacity     int              `yaml:"history_capacity"`
	IdleUnloadAfterSec  int              `yaml:"idle_unload_after_sec"` // negative disables
	AdjustIntervalSec   int              `yaml:"adjust_interval_sec"`   // negative disables
	GenerateTimeoutSec  int              `yaml:"generate_timeout_sec"`  // 0 = no timeout
}

// BackendConfig holds one inference backend, keyed by role.
type BackendConfig struct {
	Provider       string `yaml:"provider"` // openai (any OpenAI-compatible server)
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	MaxTokens      int    `yaml:"max_tokens"`
	WarmUpMaxTries int    `yaml:"warmup_max_tries"`
}

// EmbeddingConfig holds the query embedding provider.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	// QueryInstruction is prepended to every query before embedding.
	QueryInstruction string `yaml:"query_instruction"`
}

// Enabled reports whether an embedding provider is configured.
func (e EmbeddingConfig) Enabled() bool { return e.Model != "" }

// EmbeddingCacheConfig holds embedding cache settings.
type EmbeddingCacheConfig struct {
	TTLSec     int  `yaml:"ttl_sec"`
	MaxEntries int  `yaml:"max_entries"` // 0 = unbounded
	Remote     bool `yaml:"remote"`      // also cache in the database
}

// SourceConfig describes one knowledge source.
type SourceConfig struct {
	ID     string  `yaml:"id"`
	Kind   string  `yaml:"kind"` // vector, http
	Weight float64 `yaml:"weight"`
	TopK   int     `yaml:"top_k"`
	// TimeoutMS bounds one query; fusion stops waiting after it.
	TimeoutMS int `yaml:"timeout_ms"`

	// vector
	Index        string `yaml:"index"`
	VectorField  string `yaml:"vector_field"`
	ContentField string `yaml:"content_field"`
	UserScoped   bool   `yaml:"user_scoped"`

	// http
	URL        string  `yaml:"url"`
	APIKey     string  `yaml:"api_key"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

// FusionConfig holds retrieval fusion settings.
type FusionConfig struct {
	Sources        []SourceConfig `yaml:"sources"`
	TechnicalDelta *float64       `yaml:"technical_delta"` // default: 0.1
	TechnicalFrom  string         `yaml:"technical_from"`
	TechnicalTo    string         `yaml:"technical_to"`
}

// RerankerConfig holds the cross-encoder reranker endpoint.
type RerankerConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Enabled reports whether a reranker is configured.
func (r RerankerConfig) Enabled() bool { return r.BaseURL != "" }

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (Config, error) {
	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		// generation calls are slow
		c.HTTP.WriteTimeoutSec = 120
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "redis"
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}

	r := &c.Router
	if r.WindowSize <= 0 {
		r.WindowSize = 100
	}
	if r.MaxConcurrent <= 0 {
		r.MaxConcurrent = 4
	}
	if r.ComplexityThreshold <= 0 {
		r.ComplexityThreshold = 0.7
	}
	if r.DefaultRole == "" {
		r.DefaultRole = "balanced"
	}
	if r.FastRole == "" {
		r.FastRole = "fast"
	}
	if r.CapableRole == "" {
		r.CapableRole = "precise"
	}
	if len(r.FallbackChain) == 0 {
		r.FallbackChain = []string{"fast", "balanced", "tinyllama"}
	}
	if r.Thresholds.ErrorRate <= 0 {
		r.Thresholds.ErrorRate = 0.3
	}
	if r.Thresholds.LatencyMS <= 0 {
		r.Thresholds.LatencyMS = 5000
	}
	if r.Thresholds.MemoryPercent <= 0 {
		r.Thresholds.MemoryPercent = 90
	}
	if r.MemoryCheck == nil {
		on := true
		r.MemoryCheck = &on
	}
	if r.HistoryCapacity <= 0 {
		r.HistoryCapacity = 500
	}
	if r.IdleUnloadAfterSec == 0 {
		r.IdleUnloadAfterSec = 600
	}
	if r.AdjustIntervalSec == 0 {
		r.AdjustIntervalSec = 60
	}

	for role, b := range c.Backends {
		if b.Provider == "" {
			b.Provider = "openai"
		}
		if b.MaxTokens <= 0 {
			b.MaxTokens = 512
		}
		if b.WarmUpMaxTries <= 0 {
			b.WarmUpMaxTries = 5
		}
		c.Backends[role] = b
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "openai"
	}
	if c.EmbeddingCache.TTLSec <= 0 {
		c.EmbeddingCache.TTLSec = 3600
	}

	for i := range c.Fusion.Sources {
		s := &c.Fusion.Sources[i]
		if s.TopK <= 0 {
			s.TopK = 5
		}
		if s.TimeoutMS <= 0 {
			s.TimeoutMS = 5000
		}
	}
	if c.Fusion.TechnicalDelta == nil {
		d := 0.1
		c.Fusion.TechnicalDelta = &d
	}
	if c.Fusion.TechnicalFrom == "" {
		c.Fusion.TechnicalFrom = "web"
	}
	if c.Fusion.TechnicalTo == "" {
		c.Fusion.TechnicalTo = "enterprise"
	}

	if c.Reranker.TimeoutSec <= 0 {
		c.Reranker.TimeoutSec = 10
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	switch c.Database.Driver {
	case "redis", "valkey":
	default:
		return fmt.Errorf("database.driver must be \"redis\" or \"valkey\", got %q", c.Database.Driver)
	}

	if err := c.validateRouter(); err != nil {
		return err
	}
	return c.validateFusion()
}

func (c *Config) validateRouter() error {
	if len(c.Backends) == 0 {
		return errors.New("backends: at least one backend is required")
	}
	for role, b := range c.Backends {
		if b.Provider != "openai" {
			return fmt.Errorf("backends.%s.provider must be \"openai\", got %q", role, b.Provider)
		}
		if b.Model == "" {
			return fmt.Errorf("backends.%s.model is required", role)
		}
	}

	r := c.Router
	if r.ComplexityThreshold > 1 {
		return fmt.Errorf("router.complexity_threshold must be within (0, 1], got %v", r.ComplexityThreshold)
	}
	if r.Thresholds.ErrorRate > 1 {
		return fmt.Errorf("router.thresholds.error_rate must be within (0, 1], got %v", r.Thresholds.ErrorRate)
	}
	if r.Thresholds.MemoryPercent > 100 {
		return fmt.Errorf("router.thresholds.memory_percent must be within (0, 100], got %v", r.Thresholds.MemoryPercent)
	}
	for _, rr := range []struct{ key, role string }{
		{"default_role", r.DefaultRole},
		{"fast_role", r.FastRole},
		{"capable_role", r.CapableRole},
	} {
		if _, ok := c.Backends[rr.role]; !ok {
			return fmt.Errorf("router.%s %q is not a configured backend", rr.key, rr.role)
		}
	}
	// The last chain entry is the safety net and may be absent from a deployment.
	for _, role := range r.FallbackChain[:len(r.FallbackChain)-1] {
		if _, ok := c.Backends[role]; !ok {
			return fmt.Errorf("router.fallback_chain: %q is not a configured backend", role)
		}
	}
	return nil
}

func (c *Config) validateFusion() error {
	seen := make(map[string]bool, len(c.Fusion.Sources))
	for i, s := range c.Fusion.Sources {
		if s.ID == "" {
			return fmt.Errorf("fusion.sources[%d].id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("fusion.sources: duplicate id %q", s.ID)
		}
		seen[s.ID] = true

		if s.Weight < 0 || s.Weight > 1 {
			return fmt.Errorf("fusion.sources.%s.weight must be within [0, 1], got %v", s.ID, s.Weight)
		}
		switch s.Kind {
		case "vector":
			if s.Index == "" {
				return fmt.Errorf("fusion.sources.%s.index is required", s.ID)
			}
			if !c.Database.Enabled() {
				return fmt.Errorf("fusion.sources.%s: vector sources need database.addrs", s.ID)
			}
			if !c.Embedding.Enabled() {
				return fmt.Errorf("fusion.sources.%s: vector sources need embedding.model", s.ID)
			}
		case "http":
			if s.URL == "" {
				return fmt.Errorf("fusion.sources.%s.url is required", s.ID)
			}
		default:
			return fmt.Errorf("fusion.sources.%s.kind must be \"vector\" or \"http\", got %q", s.ID, s.Kind)
		}
	}

	if d := *c.Fusion.TechnicalDelta; d < 0 || d > 1 {
		return fmt.Errorf("fusion.technical_delta must be within [0, 1], got %v", d)
	}
	if c.EmbeddingCache.Remote && !c.Database.Enabled() {
		return errors.New("embedding_cache.remote needs database.addrs")
	}
	return nil
}

// SourceIDs returns the configured source ids in order.
func (c *Config) SourceIDs() []string {
	ids := make([]string, 0, len(c.Fusion.Sources))
	for _, s := range c.Fusion.Sources {
		ids = append(ids, s.ID)
	}
	return ids
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
