package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tigawanna/moots-sub000/internal/query"
)

const (
	envPrefix           = "MOOTS"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "moots.db"
	defaultLogLevel     = "info"
	defaultAuthIssuer   = "moots-api"
	defaultAuthAudience = "moots-sync"
	defaultTokenTTL     = 24 * time.Hour
	defaultSyncInterval = 30 * time.Second
	defaultSyncBatch    = 200
	defaultServiceName  = "moots-api"
	defaultHeartbeat    = 15 * time.Second
	defaultSessionTTL   = 24 * time.Hour
)

// AppConfig captures runtime configuration for the API server and the sync worker.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	StreamHeartbeat   time.Duration
	SessionTTL        time.Duration
	DatabasePath      string
	LogLevel          string
	AuthSigningSecret string
	AuthIssuer        string
	AuthAudience      string
	TokenTTL          time.Duration
	DeviceID          string
	SyncRemoteURL     string
	SyncToken         string
	SyncInterval      time.Duration
	SyncBatchSize     int
	SeedEnabled       bool
	TelemetryStdout   bool
	ServiceName       string
	Query             query.Config
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

	queryDefaults := query.DefaultConfig()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("stream.heartbeat", defaultHeartbeat)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.batch_size", defaultSyncBatch)
	configViper.SetDefault("seed.enabled", true)
	configViper.SetDefault("telemetry.stdout", false)
	configViper.SetDefault("telemetry.service_name", defaultServiceName)
	configViper.SetDefault("popular.limit", queryDefaults.PopularLimit)
	configViper.SetDefault("feed.limit", queryDefaults.FeedLimit)
	configViper.SetDefault("search.limit", queryDefaults.SearchLimit)
	configViper.SetDefault("recommend.min_occurrences", queryDefaults.RecommendMinOccurrences)
	configViper.SetDefault("recommend.min_average_rating", queryDefaults.RecommendMinAverageRating)
	configViper.SetDefault("recommend.limit", queryDefaults.RecommendLimit)
	configViper.SetDefault("similar.min_shared_movies", queryDefaults.SimilarMinSharedMovies)
	configViper.SetDefault("similar.max_average_diff", queryDefaults.SimilarMaxAverageDiff)
	configViper.SetDefault("similar.limit", queryDefaults.SimilarLimit)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
		StreamHeartbeat:   configViper.GetDuration("stream.heartbeat"),
		SessionTTL:        configViper.GetDuration("session.ttl"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthAudience:      configViper.GetString("auth.audience"),
		TokenTTL:          configViper.GetDuration("auth.token_ttl"),
		DeviceID:          strings.TrimSpace(configViper.GetString("device.id")),
		SyncRemoteURL:     strings.TrimSpace(configViper.GetString("sync.remote_url")),
		SyncToken:         configViper.GetString("sync.token"),
		SyncInterval:      configViper.GetDuration("sync.interval"),
		SyncBatchSize:     configViper.GetInt("sync.batch_size"),
		SeedEnabled:       configViper.GetBool("seed.enabled"),
		TelemetryStdout:   configViper.GetBool("telemetry.stdout"),
		ServiceName:       configViper.GetString("telemetry.service_name"),
		Query: query.Config{
			PopularLimit:              configViper.GetInt("popular.limit"),
			FeedLimit:                 configViper.GetInt("feed.limit"),
			SearchLimit:               configViper.GetInt("search.limit"),
			RecommendMinOccurrences:   configViper.GetInt("recommend.min_occurrences"),
			RecommendMinAverageRating: configViper.GetFloat64("recommend.min_average_rating"),
			RecommendLimit:            configViper.GetInt("recommend.limit"),
			SimilarMinSharedMovies:    configViper.GetInt("similar.min_shared_movies"),
			SimilarMaxAverageDiff:     configViper.GetFloat64("similar.max_average_diff"),
			SimilarLimit:              configViper.GetInt("similar.limit"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("device.id is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.StreamHeartbeat <= 0 {
		return fmt.Errorf("stream.heartbeat must be positive")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Query.PopularLimit <= 0 || c.Query.FeedLimit <= 0 || c.Query.SearchLimit <= 0 {
		return fmt.Errorf("popular.limit, feed.limit and search.limit must be positive")
	}
	if c.Query.RecommendMinOccurrences < 1 || c.Query.RecommendLimit <= 0 {
		return fmt.Errorf("recommend.min_occurrences and recommend.limit must be positive")
	}
	if c.Query.SimilarMinSharedMovies < 1 || c.Query.SimilarLimit <= 0 {
		return fmt.Errorf("similar.min_shared_movies and similar.limit must be positive")
	}
	if c.Query.RecommendMinAverageRating < 0 || c.Query.SimilarMaxAverageDiff < 0 {
		return fmt.Errorf("rating thresholds must not be negative")
	}
	return nil
}

// SyncEnabled reports whether a remote is configured.
func (c AppConfig) SyncEnabled() bool {
	return c.SyncRemoteURL != ""
}
