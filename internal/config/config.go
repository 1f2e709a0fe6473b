// Package config provides configuration management for liveweave using Viper
// for loading from files, environment variables, and command-line flags.
//
// The configuration system supports YAML files, environment variable overrides
// with the LIVEWEAVE_ prefix, and validation. It manages template search paths,
// serializer and planner limits, the serializer cache bound, the backing store,
// blob URL resolution, and the patch streaming server.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Templates  TemplatesConfig  `yaml:"templates" mapstructure:"templates"`
	Serializer SerializerConfig `yaml:"serializer" mapstructure:"serializer"`
	Planner    PlannerConfig    `yaml:"planner" mapstructure:"planner"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Blob       BlobConfig       `yaml:"blob" mapstructure:"blob"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

type TemplatesConfig struct {
	Dirs            []string `yaml:"dirs" mapstructure:"dirs"`
	MaxIncludeDepth int      `yaml:"max_include_depth" mapstructure:"max_include_depth"`
	Watch           bool     `yaml:"watch" mapstructure:"watch"`
	// Views is a views file. Empty serves one view per template.
	Views           string   `yaml:"views" mapstructure:"views"`
}

type SerializerConfig struct {
	MaxDepth            int  `yaml:"max_depth" mapstructure:"max_depth"`
	ExactDecimals       bool `yaml:"exact_decimals" mapstructure:"exact_decimals"`
	TruncateWithDisplay bool `yaml:"truncate_with_display" mapstructure:"truncate_with_display"`
	Codegen             bool `yaml:"codegen" mapstructure:"codegen"`
}

type PlannerConfig struct {
	MaxDepth int `yaml:"max_depth" mapstructure:"max_depth"`
}

type CacheConfig struct {
	MaxEntries     int `yaml:"max_entries" mapstructure:"max_entries"`
	PathMapEntries int `yaml:"path_map_entries" mapstructure:"path_map_entries"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
	// Schema is the schema file describing the stored types. Without it no
	// store is opened.
	Schema string `yaml:"schema" mapstructure:"schema"`
}

type BlobConfig struct {
	Endpoint      string        `yaml:"endpoint" mapstructure:"endpoint"`
	Bucket        string        `yaml:"bucket" mapstructure:"bucket"`
	AccessKey     string        `yaml:"access_key" mapstructure:"access_key"`
	SecretKey     string        `yaml:"secret_key" mapstructure:"secret_key"`
	Region        string        `yaml:"region" mapstructure:"region"`
	Secure        bool          `yaml:"secure" mapstructure:"secure"`
	URLExpiry     time.Duration `yaml:"url_expiry" mapstructure:"url_expiry"`
	PublicBaseURL string        `yaml:"public_base_url" mapstructure:"public_base_url"`
}

// Enabled reports whether blob URL resolution is configured.
func (b BlobConfig) Enabled() bool {
	return b.Endpoint != "" && b.Bucket != ""
}

type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	Host           string   `yaml:"host" mapstructure:"host"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Default limits.
const (
	DefaultMaxIncludeDepth = 6
	DefaultSerializerDepth = 3
	DefaultPlannerDepth    = 3
	DefaultPathMapEntries  = 1024
	DefaultURLExpiry       = 15 * time.Minute
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg, func(string) bool { return false })
	return cfg
}

// envKeys are bound explicitly so that environment variables reach
// Unmarshal for keys no config file mentions.
var envKeys = []string{
	"templates.dirs", "templates.max_include_depth", "templates.watch", "templates.views",
	"serializer.max_depth", "serializer.exact_decimals", "serializer.truncate_with_display", "serializer.codegen",
	"planner.max_depth",
	"cache.max_entries", "cache.path_map_entries",
	"store.driver", "store.dsn", "store.schema",
	"blob.endpoint", "blob.bucket", "blob.access_key", "blob.secret_key", "blob.region",
	"blob.secure", "blob.url_expiry", "blob.public_base_url",
	"server.port", "server.host", "server.allowed_origins",
	"log.level", "log.format",
}

// Load reads the configuration from viper, applies defaults and validates
// the result.
func Load() (*Config, error) {
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Viper leaves slices set through env vars as a single string.
	if viper.IsSet("templates.dirs") && len(config.Templates.Dirs) == 0 {
		config.Templates.Dirs = viper.GetStringSlice("templates.dirs")
	}
	if viper.IsSet("server.allowed_origins") && len(config.Server.AllowedOrigins) == 0 {
		config.Server.AllowedOrigins = viper.GetStringSlice("server.allowed_origins")
	}

	applyDefaults(&config, viper.IsSet)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// applyDefaults fills zero values. isSet reports whether a boolean key was
// given explicitly so a configured false is kept.
func applyDefaults(config *Config, isSet func(string) bool) {
	if len(config.Templates.Dirs) == 0 {
		config.Templates.Dirs = []string{"./templates"}
	}
	if config.Templates.MaxIncludeDepth == 0 {
		config.Templates.MaxIncludeDepth = DefaultMaxIncludeDepth
	}

	if config.Serializer.MaxDepth == 0 {
		config.Serializer.MaxDepth = DefaultSerializerDepth
	}
	if !isSet("serializer.truncate_with_display") {
		config.Serializer.TruncateWithDisplay = true
	}
	if !isSet("serializer.codegen") {
		config.Serializer.Codegen = true
	}

	if config.Planner.MaxDepth == 0 {
		config.Planner.MaxDepth = DefaultPlannerDepth
	}

	if config.Cache.PathMapEntries == 0 {
		config.Cache.PathMapEntries = DefaultPathMapEntries
	}

	if config.Store.Driver == "" {
		config.Store.Driver = "sqlite"
	}
	if config.Store.DSN == "" && config.Store.Driver == "sqlite" {
		config.Store.DSN = "file:liveweave.db?_pragma=foreign_keys(1)"
	}

	if config.Blob.URLExpiry == 0 {
		config.Blob.URLExpiry = DefaultURLExpiry
	}
	if !isSet("blob.secure") {
		config.Blob.Secure = true
	}

	if config.Server.Host == "" {
		config.Server.Host = "localhost"
	}
	if config.Server.Port == 0 && !isSet("server.port") {
		config.Server.Port = 8090
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "text"
	}
}

// validateConfig validates configuration values for correctness
func validateConfig(config *Config) error {
	if err := validateTemplatesConfig(&config.Templates); err != nil {
		return fmt.Errorf("templates config: %w", err)
	}

	if err := validateLimits(config); err != nil {
		return fmt.Errorf("limits: %w", err)
	}

	if err := validateStoreConfig(&config.Store); err != nil {
		return fmt.Errorf("store config: %w", err)
	}

	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	return nil
}

func validateTemplatesConfig(config *TemplatesConfig) error {
	for _, dir := range config.Dirs {
		if err := validatePath(dir); err != nil {
			return fmt.Errorf("invalid template dir '%s': %w", dir, err)
		}
	}
	if config.Views != "" {
		if err := validatePath(config.Views); err != nil {
			return fmt.Errorf("invalid views file '%s': %w", config.Views, err)
		}
	}
	if config.MaxIncludeDepth < 1 {
		return fmt.Errorf("max_include_depth must be at least 1, got %d", config.MaxIncludeDepth)
	}

	return nil
}

func validateLimits(config *Config) error {
	if config.Serializer.MaxDepth < 1 {
		return fmt.Errorf("serializer.max_depth must be at least 1, got %d", config.Serializer.MaxDepth)
	}
	if config.Planner.MaxDepth < 1 {
		return fmt.Errorf("planner.max_depth must be at least 1, got %d", config.Planner.MaxDepth)
	}
	if config.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative, got %d", config.Cache.MaxEntries)
	}

	return nil
}

func validateStoreConfig(config *StoreConfig) error {
	switch config.Driver {
	case "sqlite", "pgx", "memory":
	default:
		return fmt.Errorf("unsupported driver %q (want sqlite, pgx or memory)", config.Driver)
	}
	if config.Driver != "memory" && config.DSN == "" {
		return fmt.Errorf("dsn is required for driver %q", config.Driver)
	}

	return nil
}

// validateServerConfig validates server configuration values
func validateServerConfig(config *ServerConfig) error {
	// Port 0 lets the system pick one, which tests rely on.
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	if config.Host != "" {
		dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
		for _, char := range dangerousChars {
			if strings.Contains(config.Host, char) {
				return fmt.Errorf("host contains dangerous character: %s", char)
			}
		}
	}

	return nil
}

// validatePath validates a file path for security
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	cleanPath := filepath.Clean(path)

	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains traversal: %s", path)
	}

	return nil
}
