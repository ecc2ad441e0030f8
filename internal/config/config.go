package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix = "OFFLINE_NOTES"

	defaultHTTPAddress       = "0.0.0.0:4000"
	defaultDatabasePath      = "offline-notes.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultAllowedOrigins    = "*"
	defaultHeartbeatSeconds  = 25
	defaultServerURL         = "http://localhost:4000"
	defaultReplicaPath       = "replica.db"
	defaultIntervalSeconds   = 30
	defaultHealthTimeoutMS   = 1500
	defaultRetryAttempts     = 3
	defaultRequestTimeoutSec = 15
)

// ServerConfig captures runtime configuration for the authority service.
type ServerConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	LogFormat         string
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

// ClientConfig captures runtime configuration for a device replica.
type ClientConfig struct {
	ServerURL           string
	ReplicaDatabasePath string
	SyncInterval        time.Duration
	HealthTimeout       time.Duration
	RetryAttempts       uint
	RequestTimeout      time.Duration
	LogLevel            string
	LogFormat           string
}

// LoadEnvFiles loads .env style files into the process environment. Missing files are skipped
// and variables already set are never overridden.
func LoadEnvFiles(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with env bindings and both sets of defaults configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyServerDefaults(configViper)
	ApplyClientDefaults(configViper)
	return configViper
}

func applyEnv(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()
}

// ApplyServerDefaults configures authority defaults and env bindings on the provided viper instance.
func ApplyServerDefaults(configViper *viper.Viper) {
	applyEnv(configViper)

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("realtime.heartbeat_seconds", defaultHeartbeatSeconds)
}

// ApplyClientDefaults configures replica defaults and env bindings on the provided viper instance.
func ApplyClientDefaults(configViper *viper.Viper) {
	applyEnv(configViper)

	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("replica.database_path", defaultReplicaPath)
	configViper.SetDefault("sync.interval_seconds", defaultIntervalSeconds)
	configViper.SetDefault("sync.health_timeout_ms", defaultHealthTimeoutMS)
	configViper.SetDefault("sync.retry_attempts", defaultRetryAttempts)
	configViper.SetDefault("sync.request_timeout_seconds", defaultRequestTimeoutSec)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
}

// LoadServer parses authority configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		AllowedOrigins:    splitList(configViper.GetStringSlice("cors.allowed_origins")),
		HeartbeatInterval: time.Duration(configViper.GetInt("realtime.heartbeat_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses replica configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:           configViper.GetString("server.url"),
		ReplicaDatabasePath: configViper.GetString("replica.database_path"),
		SyncInterval:        time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
		HealthTimeout:       time.Duration(configViper.GetInt("sync.health_timeout_ms")) * time.Millisecond,
		RetryAttempts:       configViper.GetUint("sync.retry_attempts"),
		RequestTimeout:      time.Duration(configViper.GetInt("sync.request_timeout_seconds")) * time.Second,
		LogLevel:            configViper.GetString("log.level"),
		LogFormat:           configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_seconds must be positive")
	}
	return validateLogFormat(c.LogFormat)
}

func (c ClientConfig) validate() error {
	parsed, err := url.Parse(strings.TrimSpace(c.ServerURL))
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("server.url must be an absolute URL")
	}
	if strings.TrimSpace(c.ReplicaDatabasePath) == "" {
		return fmt.Errorf("replica.database_path is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	if c.HealthTimeout <= 0 {
		return fmt.Errorf("sync.health_timeout_ms must be positive")
	}
	if c.RetryAttempts == 0 {
		return fmt.Errorf("sync.retry_attempts must be at least 1")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("sync.request_timeout_seconds must be positive")
	}
	return validateLogFormat(c.LogFormat)
}

func validateLogFormat(format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json", "console":
		return nil
	default:
		return fmt.Errorf("log.format must be json or console")
	}
}

// splitList accepts both list values and a single comma separated env value.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
