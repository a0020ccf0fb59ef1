package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Research holds the tunable knobs of the agent loop. Thresholds live here
// rather than as constants so deployments can retune them without a rebuild.
type Research struct {
	MaxIterations       int     `mapstructure:"max_iterations"`
	NoGainThreshold     int     `mapstructure:"no_gain_threshold"`
	DeepNoGainThreshold int     `mapstructure:"deep_no_gain_threshold"`
	GainThreshold       float64 `mapstructure:"gain_threshold"`
	CompletionThreshold float64 `mapstructure:"completion_threshold"`

	URLSimilarityThreshold float64 `mapstructure:"url_similarity_threshold"`
	URLRevisitCap          int     `mapstructure:"url_revisit_cap"`

	RetentionSteps     int `mapstructure:"retention_steps"`
	PayloadCeiling     int `mapstructure:"payload_ceiling"`
	ObservationMaxLen  int `mapstructure:"observation_max_len"`
	MinReportSources   int `mapstructure:"min_report_sources"`
	MaxRepairAttempts  int `mapstructure:"max_repair_attempts"`
	ToolRatePerSecond  float64 `mapstructure:"tool_rate_per_second"`
	ToolRateBurst      int     `mapstructure:"tool_rate_burst"`
	ToolTimeoutSeconds int     `mapstructure:"tool_timeout_seconds"`
}

// Observability groups the metrics and logging settings.
type Observability struct {
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Tracing struct {
		Enabled      bool   `mapstructure:"enabled"`
		ServiceName  string `mapstructure:"service_name"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	} `mapstructure:"tracing"`
}

// Config is the full configuration tree loaded from file and environment.
type Config struct {
	Research      Research      `mapstructure:"research"`
	Observability Observability `mapstructure:"observability"`
	LLMServiceURL string        `mapstructure:"llm_service_url"`
	Model         string        `mapstructure:"model"`
	KnowledgeURL  string        `mapstructure:"knowledge_url"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	HistoryDSN    string        `mapstructure:"history_dsn"`
	ToolService   string        `mapstructure:"tool_service_url"`
	ToolNames     []string      `mapstructure:"tool_names"`
}

// Defaults returns a Config carrying the shipped default thresholds. Every
// field is valid without any config file present.
func Defaults() Config {
	var c Config
	c.Research = Research{
		MaxIterations:          8,
		NoGainThreshold:        2,
		DeepNoGainThreshold:    3,
		GainThreshold:          0.1,
		CompletionThreshold:    0.8,
		URLSimilarityThreshold: 0.85,
		URLRevisitCap:          2,
		RetentionSteps:         100,
		PayloadCeiling:         20000,
		ObservationMaxLen:      4000,
		MinReportSources:       3,
		MaxRepairAttempts:      1,
		ToolRatePerSecond:      2,
		ToolRateBurst:          4,
		ToolTimeoutSeconds:     60,
	}
	c.Observability.Metrics.Enabled = true
	c.Observability.Metrics.Port = 2112
	c.Observability.Logging.Level = "info"
	c.Observability.Logging.Format = "json"
	c.Observability.Tracing.ServiceName = "deepresearch-agent"
	c.LLMServiceURL = "http://llm-service:8000"
	c.Model = "deepseek-chat"
	c.HistoryDSN = "deepresearch.db"
	c.ToolService = "http://tool-service:8002"
	c.ToolNames = []string{"web_search", "web_crawler", "code_interpreter"}
	return c
}

// Load reads configuration from CONFIG_PATH (or the given path), merging file
// values and DEEPRESEARCH_* environment overrides over the defaults. A missing
// file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	v := viper.New()
	v.SetEnvPrefix("DEEPRESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Defaults()
	bindDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(underlying(err)) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func underlying(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok && u.Unwrap() != nil {
		return u.Unwrap()
	}
	return err
}

// Validate rejects configurations the loop cannot safely run with.
func Validate(c Config) error {
	r := c.Research
	if r.MaxIterations <= 0 {
		return fmt.Errorf("research.max_iterations must be positive, got %d", r.MaxIterations)
	}
	if r.GainThreshold < 0 || r.GainThreshold > 1 {
		return fmt.Errorf("research.gain_threshold must be in [0,1], got %f", r.GainThreshold)
	}
	if r.URLSimilarityThreshold <= 0 || r.URLSimilarityThreshold > 1 {
		return fmt.Errorf("research.url_similarity_threshold must be in (0,1], got %f", r.URLSimilarityThreshold)
	}
	if r.URLRevisitCap < 1 {
		return fmt.Errorf("research.url_revisit_cap must be at least 1, got %d", r.URLRevisitCap)
	}
	if r.RetentionSteps < 1 {
		return fmt.Errorf("research.retention_steps must be at least 1, got %d", r.RetentionSteps)
	}
	return nil
}

func bindDefaults(v *viper.Viper, c Config) {
	v.SetDefault("research.max_iterations", c.Research.MaxIterations)
	v.SetDefault("research.no_gain_threshold", c.Research.NoGainThreshold)
	v.SetDefault("research.deep_no_gain_threshold", c.Research.DeepNoGainThreshold)
	v.SetDefault("research.gain_threshold", c.Research.GainThreshold)
	v.SetDefault("research.completion_threshold", c.Research.CompletionThreshold)
	v.SetDefault("research.url_similarity_threshold", c.Research.URLSimilarityThreshold)
	v.SetDefault("research.url_revisit_cap", c.Research.URLRevisitCap)
	v.SetDefault("research.retention_steps", c.Research.RetentionSteps)
	v.SetDefault("research.payload_ceiling", c.Research.PayloadCeiling)
	v.SetDefault("research.observation_max_len", c.Research.ObservationMaxLen)
	v.SetDefault("research.min_report_sources", c.Research.MinReportSources)
	v.SetDefault("research.max_repair_attempts", c.Research.MaxRepairAttempts)
	v.SetDefault("research.tool_rate_per_second", c.Research.ToolRatePerSecond)
	v.SetDefault("research.tool_rate_burst", c.Research.ToolRateBurst)
	v.SetDefault("research.tool_timeout_seconds", c.Research.ToolTimeoutSeconds)
	v.SetDefault("observability.metrics.enabled", c.Observability.Metrics.Enabled)
	v.SetDefault("observability.metrics.port", c.Observability.Metrics.Port)
	v.SetDefault("observability.logging.level", c.Observability.Logging.Level)
	v.SetDefault("observability.logging.format", c.Observability.Logging.Format)
	v.SetDefault("observability.tracing.enabled", c.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.service_name", c.Observability.Tracing.ServiceName)
	v.SetDefault("observability.tracing.otlp_endpoint", c.Observability.Tracing.OTLPEndpoint)
	v.SetDefault("llm_service_url", c.LLMServiceURL)
	v.SetDefault("model", c.Model)
	v.SetDefault("knowledge_url", c.KnowledgeURL)
	v.SetDefault("redis_addr", c.RedisAddr)
	v.SetDefault("history_dsn", c.HistoryDSN)
	v.SetDefault("tool_service_url", c.ToolService)
	v.SetDefault("tool_names", c.ToolNames)
}
