package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "RECOLLECT"

	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultLogLevel           = "info"
	defaultTokenAudience      = "authenticated"
	defaultEmbeddingModel     = "voyage-large-2-instruct"
	defaultEmbeddingDimension = 1024
	defaultEmbeddingEndpoint  = "https://api.voyageai.com/v1/embeddings"
	defaultAnthropicModel     = "claude-sonnet-4-5-20250929"
	defaultEmbeddingTimeout   = 15 * time.Second
	defaultAnalysisTimeout    = 60 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabaseDSN   string
	SigningSecret string
	TokenAudience string
	CORSOrigins   []string
	LogLevel      string

	VoyageAPIKey       string
	EmbeddingModel     string
	EmbeddingDimension int
	EmbeddingEndpoint  string
	EmbeddingTimeout   time.Duration

	AnthropicAPIKey string
	AnthropicModel  string
	AnalysisTimeout time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.cors_origins", []string{"http://localhost:5173"})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_audience", defaultTokenAudience)
	configViper.SetDefault("embedding.model", defaultEmbeddingModel)
	configViper.SetDefault("embedding.dimension", defaultEmbeddingDimension)
	configViper.SetDefault("embedding.endpoint", defaultEmbeddingEndpoint)
	configViper.SetDefault("embedding.timeout", defaultEmbeddingTimeout)
	configViper.SetDefault("anthropic.model", defaultAnthropicModel)
	configViper.SetDefault("anthropic.timeout", defaultAnalysisTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenAudience:      configViper.GetString("auth.token_audience"),
		CORSOrigins:        configViper.GetStringSlice("http.cors_origins"),
		LogLevel:           configViper.GetString("log.level"),
		VoyageAPIKey:       configViper.GetString("embedding.api_key"),
		EmbeddingModel:     configViper.GetString("embedding.model"),
		EmbeddingDimension: configViper.GetInt("embedding.dimension"),
		EmbeddingEndpoint:  configViper.GetString("embedding.endpoint"),
		EmbeddingTimeout:   configViper.GetDuration("embedding.timeout"),
		AnthropicAPIKey:    configViper.GetString("anthropic.api_key"),
		AnthropicModel:     configViper.GetString("anthropic.model"),
		AnalysisTimeout:    configViper.GetDuration("anthropic.timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.TokenAudience) == "" {
		return fmt.Errorf("auth.token_audience is required")
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive")
	}
	return nil
}
