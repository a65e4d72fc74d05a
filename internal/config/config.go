package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/joshp123/automower/internal/oauth"
)

const (
	DefaultEnvFile     = ".env"
	DefaultGRPCAddr    = "0.0.0.0:9000"
	DefaultHTTPAddr    = "0.0.0.0:8080"
	DefaultStatePath   = "/var/lib/gohome/automower/oauth.json"
	DefaultTopicPrefix = "gohome/automower"
)

var (
	ErrClientIDMissing = errors.New("AUTOMOWER_CLIENT_ID is required")
	ErrStatePathNotAbs = errors.New("AUTOMOWER_STATE_PATH must be absolute")
)

// Config is the host configuration.
type Config struct {
	Core      CoreConfig
	LogLevel  slog.Level
	Automower AutomowerConfig
	MQTT      *MQTTConfig
	OAuthBlob oauth.BlobConfig
}

type CoreConfig struct {
	GRPCAddr string
	HTTPAddr string
}

// AutomowerConfig holds provider credentials and session tuning. Zero
// durations fall back to the session defaults. RefreshSkew is nil when
// unset; an explicit 0 disables the early refresh margin.
type AutomowerConfig struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string

	TokenURL     string
	APIURL       string
	WebsocketURL string

	RefreshSkew    *time.Duration
	PollInterval   time.Duration
	ReconnectBase  time.Duration
	ReconnectCap   time.Duration
	RequestTimeout time.Duration

	StatePath string
}

// MQTTConfig is nil when no broker is configured.
type MQTTConfig struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Load reads envFile (when present) and the process environment, which
// takes precedence, then applies defaults and validates.
func Load(envFile string) (*Config, error) {
	fileValues, err := ReadEnvFile(envFile)
	if err != nil {
		return nil, err
	}
	return FromLookup(func(key string) (string, bool) {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
		value, ok := fileValues[key]
		return value, ok
	})
}

// ReadEnvFile parses envFile. A missing file yields an empty map.
func ReadEnvFile(envFile string) (map[string]string, error) {
	if envFile == "" {
		return map[string]string{}, nil
	}
	values, err := godotenv.Read(envFile)
	switch {
	case err == nil:
		return values, nil
	case errors.Is(err, fs.ErrNotExist):
		return map[string]string{}, nil
	default:
		return nil, fmt.Errorf("read %s: %w", envFile, err)
	}
}

// FromLookup builds a config from a key lookup.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key string) string {
		value, _ := lookup(key)
		return strings.TrimSpace(value)
	}

	var errs []error
	seconds := func(key string) time.Duration {
		raw := get(key)
		if raw == "" {
			return 0
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive integer, got %q", key, raw))
			return 0
		}
		return time.Duration(value) * time.Second
	}
	optionalSeconds := func(key string) *time.Duration {
		raw := get(key)
		if raw == "" {
			return nil
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			errs = append(errs, fmt.Errorf("%s must be a non-negative integer, got %q", key, raw))
			return nil
		}
		d := time.Duration(value) * time.Second
		return &d
	}

	cfg := &Config{
		Core: CoreConfig{
			GRPCAddr: get("GOHOME_GRPC_ADDR"),
			HTTPAddr: get("GOHOME_HTTP_ADDR"),
		},
		LogLevel: parseLogLevel(get("LOG_LEVEL")),
		Automower: AutomowerConfig{
			ClientID:       get("AUTOMOWER_CLIENT_ID"),
			ClientSecret:   get("AUTOMOWER_CLIENT_SECRET"),
			Username:       get("AUTOMOWER_USERNAME"),
			Password:       get("AUTOMOWER_PASSWORD"),
			TokenURL:       get("AUTOMOWER_TOKEN_URL"),
			APIURL:         get("AUTOMOWER_API_URL"),
			WebsocketURL:   get("AUTOMOWER_WS_URL"),
			RefreshSkew:    optionalSeconds("AUTOMOWER_REFRESH_SKEW_SECONDS"),
			PollInterval:   seconds("AUTOMOWER_POLL_INTERVAL_SECONDS"),
			ReconnectBase:  seconds("AUTOMOWER_RECONNECT_BASE_SECONDS"),
			ReconnectCap:   seconds("AUTOMOWER_RECONNECT_CAP_SECONDS"),
			RequestTimeout: seconds("AUTOMOWER_REQUEST_TIMEOUT_SECONDS"),
			StatePath:      get("AUTOMOWER_STATE_PATH"),
		},
		OAuthBlob: oauth.BlobConfig{
			Endpoint:      get("OAUTH_BLOB_ENDPOINT"),
			Bucket:        get("OAUTH_BLOB_BUCKET"),
			Prefix:        get("OAUTH_BLOB_PREFIX"),
			AccessKeyFile: get("OAUTH_BLOB_ACCESS_KEY_FILE"),
			SecretKeyFile: get("OAUTH_BLOB_SECRET_KEY_FILE"),
			Region:        get("OAUTH_BLOB_REGION"),
		},
	}
	if broker := get("MQTT_BROKER"); broker != "" {
		cfg.MQTT = &MQTTConfig{
			Broker:      broker,
			Username:    get("MQTT_USERNAME"),
			Password:    get("MQTT_PASSWORD"),
			TopicPrefix: get("MQTT_TOPIC_PREFIX"),
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Core.GRPCAddr == "" {
		cfg.Core.GRPCAddr = DefaultGRPCAddr
	}
	if cfg.Core.HTTPAddr == "" {
		cfg.Core.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Automower.StatePath == "" {
		cfg.Automower.StatePath = DefaultStatePath
	}
	if cfg.OAuthBlob.Prefix == "" {
		cfg.OAuthBlob.Prefix = oauth.DefaultBlobPrefix
	}
	if cfg.MQTT != nil && cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = DefaultTopicPrefix
	}
}

// Validate enforces required invariants.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.Automower.ClientID == "" {
		return ErrClientIDMissing
	}
	if !filepath.IsAbs(cfg.Automower.StatePath) {
		return ErrStatePathNotAbs
	}
	if (cfg.Automower.Username == "") != (cfg.Automower.Password == "") {
		return fmt.Errorf("AUTOMOWER_USERNAME and AUTOMOWER_PASSWORD must be set together")
	}
	if base, limit := cfg.Automower.ReconnectBase, cfg.Automower.ReconnectCap; base > 0 && limit > 0 && limit < base {
		return fmt.Errorf("AUTOMOWER_RECONNECT_CAP_SECONDS must be >= AUTOMOWER_RECONNECT_BASE_SECONDS")
	}

	blob := cfg.OAuthBlob
	if blob.Endpoint != "" || blob.Bucket != "" {
		if blob.Endpoint == "" {
			return fmt.Errorf("OAUTH_BLOB_ENDPOINT is required when OAUTH_BLOB_BUCKET is set")
		}
		if blob.Bucket == "" {
			return fmt.Errorf("OAUTH_BLOB_BUCKET is required when OAUTH_BLOB_ENDPOINT is set")
		}
		if blob.AccessKeyFile == "" {
			return fmt.Errorf("OAUTH_BLOB_ACCESS_KEY_FILE is required")
		}
		if blob.SecretKeyFile == "" {
			return fmt.Errorf("OAUTH_BLOB_SECRET_KEY_FILE is required")
		}
	}
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
