// Package config handles fable configuration via YAML files and environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--board, --remote, --port, etc.)
//  2. Environment variables (FABLE_*)
//  3. Config file (fable.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Configuration error: %v", err)
//	}
//
// Environment Variables (all use FABLE_ prefix):
//
// Auto-save:
//   - FABLE_AUTOSAVE_ENABLED=true
//   - FABLE_DEBOUNCE=2s
//   - FABLE_MAX_RETRIES=2
//   - FABLE_RETRY_BASE_DELAY=1s
//   - FABLE_MIN_INTER_SAVE_GAP=1s
//   - FABLE_INCREMENTAL_PATCH_BOUND=50
//   - FABLE_BACKUP_STORAGE_KEY="board-42"
//
// Storage:
//   - FABLE_STORAGE_BACKEND="badger", "bolt" or "memory"
//   - FABLE_DATA_DIR="./data"
//   - FABLE_ENCRYPTION_PASSWORD="..."
//
// Remote and server:
//   - FABLE_REMOTE_URL="http://127.0.0.1:7474"
//   - FABLE_REMOTE_TOKEN="..."
//   - FABLE_HTTP_ADDRESS="127.0.0.1"
//   - FABLE_HTTP_PORT=7474
//
// Logging:
//   - FABLE_LOG_LEVEL="info"
//   - FABLE_LOG_FORMAT="json"
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all fable configuration.
type Config struct {
	Autosave AutosaveConfig
	Cache    CacheConfig
	Storage  StorageConfig
	Remote   RemoteConfig
	Server   ServerConfig
	Logging  LoggingConfig
}

// AutosaveConfig holds auto-save engine settings.
type AutosaveConfig struct {
	// Enabled turns automatic saving on. Manual saves work either way.
	Enabled bool
	// Debounce is the quiet period after the last edit before saving.
	Debounce time.Duration
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries int
	// RetryBaseDelay is multiplied by the attempt number between retries.
	RetryBaseDelay time.Duration
	// MinInterSaveGap is the minimum time between automatic save starts.
	MinInterSaveGap time.Duration
	// IncrementalPatchBound is the largest patch count sent incrementally.
	IncrementalPatchBound int
	// BackupStorageKey names the local crash-recovery backup.
	BackupStorageKey string
	// SavedDisplay is how long the saved status is shown.
	SavedDisplay time.Duration
	// ErrorDisplay is how long the error status is shown.
	ErrorDisplay time.Duration
	// MaxPayloadBytes rejects larger saves before sending. 0 disables.
	MaxPayloadBytes int
	// ChangeLogCapacity bounds the change log. 0 is unbounded.
	ChangeLogCapacity int
}

// CacheConfig holds gateway cache settings.
type CacheConfig struct {
	UserTTL       time.Duration
	BoardTTL      time.Duration
	SweepInterval time.Duration
}

// StorageConfig holds local storage settings.
type StorageConfig struct {
	// Backend is badger, bolt or memory.
	Backend string
	// DataDir holds the storage files.
	DataDir string
	// SyncWrites forces fsync after each write.
	SyncWrites bool
	// EncryptionPassword enables encryption at rest (badger only).
	EncryptionPassword string
}

// RemoteConfig holds settings for the remote board API client.
type RemoteConfig struct {
	BaseURL         string
	Timeout         time.Duration
	Token           string
	MaxPayloadBytes int
}

// ServerConfig holds reference board API settings.
type ServerConfig struct {
	Address      string
	Port         int
	MaxBodyBytes int64
	// AuthToken, when set, is required as a bearer token.
	AuthToken          string
	CORSEnabled        bool
	CORSOrigins        []string
	RateLimitPerMinute int
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (debug, info, warn, error)
	Level string
	// Format (json, text)
	Format string
	// Output (stdout, stderr, or file path)
	Output string
}

// Storage backends.
const (
	BackendBadger = "badger"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// LoadDefaults returns a Config populated with built-in defaults.
func LoadDefaults() *Config {
	config := &Config{}

	config.Autosave.Enabled = true
	config.Autosave.Debounce = 2 * time.Second
	config.Autosave.MaxRetries = 2
	config.Autosave.RetryBaseDelay = time.Second
	config.Autosave.MinInterSaveGap = time.Second
	config.Autosave.IncrementalPatchBound = 50
	config.Autosave.SavedDisplay = 2 * time.Second
	config.Autosave.ErrorDisplay = 3 * time.Second
	config.Autosave.MaxPayloadBytes = 0
	config.Autosave.ChangeLogCapacity = 100

	config.Cache.UserTTL = 10 * time.Minute
	config.Cache.BoardTTL = 2 * time.Minute
	config.Cache.SweepInterval = 60 * time.Second

	config.Storage.Backend = BackendBadger
	config.Storage.DataDir = "./data"

	config.Remote.BaseURL = "http://127.0.0.1:7474"
	config.Remote.Timeout = 10 * time.Second
	config.Remote.MaxPayloadBytes = 5 << 20

	config.Server.Address = "127.0.0.1"
	config.Server.Port = 7474
	config.Server.MaxBodyBytes = 10 << 20
	config.Server.RateLimitPerMinute = 600

	config.Logging.Level = "info"
	config.Logging.Format = "text"
	config.Logging.Output = "stderr"

	return config
}

// YAMLConfig represents the YAML configuration file structure.
// Durations are strings parsed with time.ParseDuration.
type YAMLConfig struct {
	Autosave struct {
		Enabled               *bool  `yaml:"enabled"`
		Debounce              string `yaml:"debounce"`
		MaxRetries            *int   `yaml:"max_retries"`
		RetryBaseDelay        string `yaml:"retry_base_delay"`
		MinInterSaveGap       string `yaml:"min_inter_save_gap"`
		IncrementalPatchBound int    `yaml:"incremental_patch_bound"`
		BackupStorageKey      string `yaml:"backup_storage_key"`
		SavedDisplay          string `yaml:"saved_display"`
		ErrorDisplay          string `yaml:"error_display"`
		MaxPayloadBytes       int    `yaml:"max_payload_bytes"`
		ChangeLogCapacity     *int   `yaml:"change_log_capacity"`
	} `yaml:"autosave"`

	Cache struct {
		UserTTL       string `yaml:"user_ttl"`
		BoardTTL      string `yaml:"board_ttl"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"cache"`

	Storage struct {
		Backend            string `yaml:"backend"`
		DataDir            string `yaml:"data_dir"`
		SyncWrites         bool   `yaml:"sync_writes"`
		EncryptionPassword string `yaml:"encryption_password"`
	} `yaml:"storage"`

	Remote struct {
		BaseURL         string `yaml:"base_url"`
		Timeout         string `yaml:"timeout"`
		Token           string `yaml:"token"`
		MaxPayloadBytes int    `yaml:"max_payload_bytes"`
	} `yaml:"remote"`

	Server struct {
		Address            string   `yaml:"address"`
		Port               int      `yaml:"port"`
		MaxBodyBytes       int64    `yaml:"max_body_bytes"`
		AuthToken          string   `yaml:"auth_token"`
		CORSEnabled        bool     `yaml:"cors_enabled"`
		CORSOrigins        []string `yaml:"cors_origins"`
		RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"logging"`
}

// LoadFromFile loads configuration with proper precedence:
//  1. Built-in defaults (lowest priority)
//  2. YAML config file
//  3. Environment variables (highest priority before CLI args)
//
// A missing file is not an error. Command-line arguments are applied by the
// caller after this.
//
// Example YAML:
//
//	autosave:
//	  debounce: 2s
//	  backup_storage_key: board-42
//	storage:
//	  backend: bolt
//	  data_dir: ~/.fable
func LoadFromFile(configPath string) (*Config, error) {
	config := LoadDefaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := applyYAML(config, data); err != nil {
				return nil, err
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	applyEnvVars(config)
	return config, nil
}

func applyYAML(config *Config, data []byte) error {
	var y YAMLConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	var errs []error
	duration := func(field, s string, dst *time.Duration) {
		if s == "" {
			return
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*dst = d
	}

	// === Auto-save ===
	if y.Autosave.Enabled != nil {
		config.Autosave.Enabled = *y.Autosave.Enabled
	}
	duration("autosave.debounce", y.Autosave.Debounce, &config.Autosave.Debounce)
	if y.Autosave.MaxRetries != nil {
		config.Autosave.MaxRetries = *y.Autosave.MaxRetries
	}
	duration("autosave.retry_base_delay", y.Autosave.RetryBaseDelay, &config.Autosave.RetryBaseDelay)
	duration("autosave.min_inter_save_gap", y.Autosave.MinInterSaveGap, &config.Autosave.MinInterSaveGap)
	if y.Autosave.IncrementalPatchBound > 0 {
		config.Autosave.IncrementalPatchBound = y.Autosave.IncrementalPatchBound
	}
	if y.Autosave.BackupStorageKey != "" {
		config.Autosave.BackupStorageKey = y.Autosave.BackupStorageKey
	}
	duration("autosave.saved_display", y.Autosave.SavedDisplay, &config.Autosave.SavedDisplay)
	duration("autosave.error_display", y.Autosave.ErrorDisplay, &config.Autosave.ErrorDisplay)
	if y.Autosave.MaxPayloadBytes > 0 {
		config.Autosave.MaxPayloadBytes = y.Autosave.MaxPayloadBytes
	}
	if y.Autosave.ChangeLogCapacity != nil {
		config.Autosave.ChangeLogCapacity = *y.Autosave.ChangeLogCapacity
	}

	// === Cache ===
	duration("cache.user_ttl", y.Cache.UserTTL, &config.Cache.UserTTL)
	duration("cache.board_ttl", y.Cache.BoardTTL, &config.Cache.BoardTTL)
	duration("cache.sweep_interval", y.Cache.SweepInterval, &config.Cache.SweepInterval)

	// === Storage ===
	if y.Storage.Backend != "" {
		config.Storage.Backend = y.Storage.Backend
	}
	if y.Storage.DataDir != "" {
		config.Storage.DataDir = expandHome(y.Storage.DataDir)
	}
	if y.Storage.SyncWrites {
		config.Storage.SyncWrites = true
	}
	if y.Storage.EncryptionPassword != "" {
		config.Storage.EncryptionPassword = y.Storage.EncryptionPassword
	}

	// === Remote ===
	if y.Remote.BaseURL != "" {
		config.Remote.BaseURL = y.Remote.BaseURL
	}
	duration("remote.timeout", y.Remote.Timeout, &config.Remote.Timeout)
	if y.Remote.Token != "" {
		config.Remote.Token = y.Remote.Token
	}
	if y.Remote.MaxPayloadBytes > 0 {
		config.Remote.MaxPayloadBytes = y.Remote.MaxPayloadBytes
	}

	// === Server ===
	if y.Server.Address != "" {
		config.Server.Address = y.Server.Address
	}
	if y.Server.Port > 0 {
		config.Server.Port = y.Server.Port
	}
	if y.Server.MaxBodyBytes > 0 {
		config.Server.MaxBodyBytes = y.Server.MaxBodyBytes
	}
	if y.Server.AuthToken != "" {
		config.Server.AuthToken = y.Server.AuthToken
	}
	if y.Server.CORSEnabled {
		config.Server.CORSEnabled = true
	}
	if len(y.Server.CORSOrigins) > 0 {
		config.Server.CORSOrigins = y.Server.CORSOrigins
	}
	if y.Server.RateLimitPerMinute > 0 {
		config.Server.RateLimitPerMinute = y.Server.RateLimitPerMinute
	}

	// === Logging ===
	if y.Logging.Level != "" {
		config.Logging.Level = y.Logging.Level
	}
	if y.Logging.Format != "" {
		config.Logging.Format = y.Logging.Format
	}
	if y.Logging.Output != "" {
		config.Logging.Output = y.Logging.Output
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config file: %w", errors.Join(errs...))
	}
	return nil
}

// ApplyEnvVars applies environment variable overrides to an existing config.
func ApplyEnvVars(config *Config) {
	applyEnvVars(config)
}

func applyEnvVars(config *Config) {
	config.Autosave.Enabled = getEnvBool("FABLE_AUTOSAVE_ENABLED", config.Autosave.Enabled)
	config.Autosave.Debounce = getEnvDuration("FABLE_DEBOUNCE", config.Autosave.Debounce)
	config.Autosave.MaxRetries = getEnvInt("FABLE_MAX_RETRIES", config.Autosave.MaxRetries)
	config.Autosave.RetryBaseDelay = getEnvDuration("FABLE_RETRY_BASE_DELAY", config.Autosave.RetryBaseDelay)
	config.Autosave.MinInterSaveGap = getEnvDuration("FABLE_MIN_INTER_SAVE_GAP", config.Autosave.MinInterSaveGap)
	config.Autosave.IncrementalPatchBound = getEnvInt("FABLE_INCREMENTAL_PATCH_BOUND", config.Autosave.IncrementalPatchBound)
	config.Autosave.BackupStorageKey = getEnv("FABLE_BACKUP_STORAGE_KEY", config.Autosave.BackupStorageKey)
	config.Autosave.MaxPayloadBytes = getEnvInt("FABLE_MAX_PAYLOAD_BYTES", config.Autosave.MaxPayloadBytes)
	config.Autosave.ChangeLogCapacity = getEnvInt("FABLE_CHANGE_LOG_CAPACITY", config.Autosave.ChangeLogCapacity)

	config.Cache.UserTTL = getEnvDuration("FABLE_CACHE_USER_TTL", config.Cache.UserTTL)
	config.Cache.BoardTTL = getEnvDuration("FABLE_CACHE_BOARD_TTL", config.Cache.BoardTTL)

	config.Storage.Backend = getEnv("FABLE_STORAGE_BACKEND", config.Storage.Backend)
	config.Storage.DataDir = expandHome(getEnv("FABLE_DATA_DIR", config.Storage.DataDir))
	config.Storage.SyncWrites = getEnvBool("FABLE_SYNC_WRITES", config.Storage.SyncWrites)
	config.Storage.EncryptionPassword = getEnv("FABLE_ENCRYPTION_PASSWORD", config.Storage.EncryptionPassword)

	config.Remote.BaseURL = getEnv("FABLE_REMOTE_URL", config.Remote.BaseURL)
	config.Remote.Timeout = getEnvDuration("FABLE_REMOTE_TIMEOUT", config.Remote.Timeout)
	config.Remote.Token = getEnv("FABLE_REMOTE_TOKEN", config.Remote.Token)

	config.Server.Address = getEnv("FABLE_HTTP_ADDRESS", config.Server.Address)
	config.Server.Port = getEnvInt("FABLE_HTTP_PORT", config.Server.Port)
	config.Server.AuthToken = getEnv("FABLE_HTTP_TOKEN", config.Server.AuthToken)
	config.Server.CORSOrigins = getEnvStringSlice("FABLE_CORS_ORIGINS", config.Server.CORSOrigins)
	if len(config.Server.CORSOrigins) > 0 && os.Getenv("FABLE_CORS_ORIGINS") != "" {
		config.Server.CORSEnabled = true
	}

	config.Logging.Level = getEnv("FABLE_LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnv("FABLE_LOG_FORMAT", config.Logging.Format)
	config.Logging.Output = getEnv("FABLE_LOG_OUTPUT", config.Logging.Output)
}

// Validate checks the configuration for logical errors and invalid values.
// Every problem found is reported.
func (c *Config) Validate() error {
	var errs []error

	if c.Autosave.Debounce < 0 {
		errs = append(errs, fmt.Errorf("invalid debounce: %v", c.Autosave.Debounce))
	}
	if c.Autosave.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("invalid max retries: %d", c.Autosave.MaxRetries))
	}
	if c.Autosave.RetryBaseDelay < 0 {
		errs = append(errs, fmt.Errorf("invalid retry base delay: %v", c.Autosave.RetryBaseDelay))
	}
	if c.Autosave.MinInterSaveGap < 0 {
		errs = append(errs, fmt.Errorf("invalid min inter-save gap: %v", c.Autosave.MinInterSaveGap))
	}
	if c.Autosave.IncrementalPatchBound < 0 {
		errs = append(errs, fmt.Errorf("invalid incremental patch bound: %d", c.Autosave.IncrementalPatchBound))
	}

	switch c.Storage.Backend {
	case BackendBadger:
	case BackendBolt:
		if c.Storage.EncryptionPassword != "" {
			errs = append(errs, fmt.Errorf("encryption requires the %s backend", BackendBadger))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend: %q", c.Storage.Backend))
	}
	if c.Storage.Backend != BackendMemory && c.Storage.DataDir == "" {
		errs = append(errs, fmt.Errorf("data dir is required for the %s backend", c.Storage.Backend))
	}

	if c.Remote.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid remote timeout: %v", c.Remote.Timeout))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid http port: %d", c.Server.Port))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level: %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format: %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// String returns a safe string representation of the Config.
//
// Tokens and the encryption password are NOT included in the output,
// making this safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Autosave: %v, Debounce: %v, Storage: %s:%s, Encrypted: %v, Remote: %s, HTTP: %s:%d, Log: %s/%s}",
		c.Autosave.Enabled, c.Autosave.Debounce,
		c.Storage.Backend, c.Storage.DataDir, c.Storage.EncryptionPassword != "",
		c.Remote.BaseURL,
		c.Server.Address, c.Server.Port,
		c.Logging.Level, c.Logging.Format,
	)
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first config file found, or empty string if none found.
// Search order:
//  1. ~/.fable/config.yaml
//  2. Current working directory (fable.yaml, config.yaml)
//  3. ~/.config/fable/config.yaml (XDG)
func FindConfigFile() string {
	var candidates []string

	home, homeErr := os.UserHomeDir()
	if homeErr == nil {
		candidates = append(candidates, filepath.Join(home, ".fable", "config.yaml"))
	}
	candidates = append(candidates, "fable.yaml", "config.yaml")
	if homeErr == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "fable", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Bare integers are seconds.
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
