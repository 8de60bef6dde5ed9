// Package config loads server and client settings through viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "DATOSFINCA"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "datosfinca-server.db"
	defaultLocalDatabase    = "datosfinca.db"
	defaultEndpoint         = "http://localhost:8080"
	defaultLogLevel         = "info"
	defaultTokenTTLMinutes  = 24 * 60
	defaultDebounce         = 5 * time.Second
	defaultInterval         = 5 * time.Minute
	defaultMaxAttempts      = 5
	defaultInitialBackoff   = time.Second
	defaultRequestTimeout   = 30 * time.Second
	defaultProbeInterval    = 30 * time.Second
	defaultHeartbeatSeconds = 25
)

// ServerConfig captures runtime configuration for the sync server.
type ServerConfig struct {
	HTTPAddress    string
	DatabasePath   string
	SigningSecret  string
	TokenTTL       time.Duration
	AllowedOrigins []string
	Heartbeat      time.Duration
	LogLevel       string
	LogFile        string
}

// AuthConfig is the subset needed to mint tokens offline.
type AuthConfig struct {
	SigningSecret string
	TokenTTL      time.Duration
}

// ClientConfig captures runtime configuration for a device.
type ClientConfig struct {
	LocalDatabasePath string
	Endpoint          string
	OwnerGroupID      string
	Token             string
	Debounce          time.Duration
	Interval          time.Duration
	MaxAttempts       int
	InitialBackoff    time.Duration
	RequestTimeout    time.Duration
	ProbeInterval     time.Duration
	LogLevel          string
	LogFile           string
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.heartbeat_seconds", defaultHeartbeatSeconds)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("local.database_path", defaultLocalDatabase)
	configViper.SetDefault("sync.endpoint", defaultEndpoint)
	configViper.SetDefault("sync.debounce", defaultDebounce)
	configViper.SetDefault("sync.interval", defaultInterval)
	configViper.SetDefault("sync.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("sync.initial_backoff", defaultInitialBackoff)
	configViper.SetDefault("sync.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("sync.probe_interval", defaultProbeInterval)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
}

// LoadServer parses and validates the server configuration.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:    strings.TrimSpace(configViper.GetString("http.address")),
		DatabasePath:   strings.TrimSpace(configViper.GetString("database.path")),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		Heartbeat:      time.Duration(configViper.GetInt("http.heartbeat_seconds")) * time.Second,
		LogLevel:       configViper.GetString("log.level"),
		LogFile:        strings.TrimSpace(configViper.GetString("log.file")),
	}
	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database.path is required")
	}
	return AuthConfig{SigningSecret: c.SigningSecret, TokenTTL: c.TokenTTL}.validate()
}

// LoadAuth parses the token signing settings.
func LoadAuth(configViper *viper.Viper) (AuthConfig, error) {
	cfg := AuthConfig{
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
	}
	if err := cfg.validate(); err != nil {
		return AuthConfig{}, err
	}
	return cfg, nil
}

func (c AuthConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return nil
}

// LoadClient parses and validates the device configuration. The sync endpoint and
// token are only required by commands that talk to the server; see RequireRemote.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		LocalDatabasePath: strings.TrimSpace(configViper.GetString("local.database_path")),
		Endpoint:          strings.TrimRight(strings.TrimSpace(configViper.GetString("sync.endpoint")), "/"),
		OwnerGroupID:      strings.TrimSpace(configViper.GetString("sync.owner_group_id")),
		Token:             strings.TrimSpace(configViper.GetString("sync.token")),
		Debounce:          configViper.GetDuration("sync.debounce"),
		Interval:          configViper.GetDuration("sync.interval"),
		MaxAttempts:       configViper.GetInt("sync.max_attempts"),
		InitialBackoff:    configViper.GetDuration("sync.initial_backoff"),
		RequestTimeout:    configViper.GetDuration("sync.request_timeout"),
		ProbeInterval:     configViper.GetDuration("sync.probe_interval"),
		LogLevel:          configViper.GetString("log.level"),
		LogFile:           strings.TrimSpace(configViper.GetString("log.file")),
	}
	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (c ClientConfig) validate() error {
	if c.LocalDatabasePath == "" {
		return fmt.Errorf("local.database_path is required")
	}
	if c.OwnerGroupID == "" {
		return fmt.Errorf("sync.owner_group_id is required")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	if c.Debounce < 0 || c.InitialBackoff < 0 || c.RequestTimeout < 0 {
		return fmt.Errorf("sync durations cannot be negative")
	}
	return nil
}

// RequireRemote validates the settings needed to reach the sync server.
func (c ClientConfig) RequireRemote() error {
	if c.Endpoint == "" {
		return fmt.Errorf("sync.endpoint is required")
	}
	parsed, err := url.Parse(c.Endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("sync.endpoint must be an absolute url, got %q", c.Endpoint)
	}
	if c.Token == "" {
		return fmt.Errorf("sync.token is required")
	}
	return nil
}

func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
