package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/conneroisu/liveweave/internal/errors"
)

// ValidationError represents a configuration validation error with suggestions
type ValidationError struct {
	Field       string
	Value       interface{}
	Message     string
	Suggestions []string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", ve.Field, ve.Message)
}

// ValidationResult holds the result of configuration validation
type ValidationResult struct {
	Valid    bool
	Errors   []ValidationError
	Warnings []ValidationError
}

// HasErrors returns true if there are any validation errors
func (vr *ValidationResult) HasErrors() bool {
	return len(vr.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// Err folds the errors into a single config error, or nil.
func (vr *ValidationResult) Err() error {
	if !vr.HasErrors() {
		return nil
	}
	var vec errors.ValidationErrorCollection
	for _, e := range vr.Errors {
		vec.AddField(e.Field, e.Value, e.Message, e.Suggestions...)
	}
	return vec.ToLiveError()
}

// String returns a formatted string of all validation issues
func (vr *ValidationResult) String() string {
	var builder strings.Builder

	write := func(title string, items []ValidationError) {
		builder.WriteString(title + ":\n")
		for _, item := range items {
			builder.WriteString(fmt.Sprintf("  - %s: %s\n", item.Field, item.Message))
			for _, suggestion := range item.Suggestions {
				builder.WriteString(fmt.Sprintf("      hint: %s\n", suggestion))
			}
		}
	}

	if len(vr.Errors) > 0 {
		write("Validation errors", vr.Errors)
		builder.WriteString("\n")
	}
	if len(vr.Warnings) > 0 {
		write("Validation warnings", vr.Warnings)
	}

	return builder.String()
}

// ValidateConfigWithDetails performs validation with detailed feedback
func ValidateConfigWithDetails(config *Config) *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		Errors:   []ValidationError{},
		Warnings: []ValidationError{},
	}

	validateTemplatesConfigDetails(&config.Templates, result)
	validateSerializerConfigDetails(config, result)
	validateStoreConfigDetails(&config.Store, result)
	validateBlobConfigDetails(&config.Blob, result)
	validateServerConfigDetails(&config.Server, result)

	result.Valid = !result.HasErrors()

	return result
}

func validateTemplatesConfigDetails(config *TemplatesConfig, result *ValidationResult) {
	if len(config.Dirs) == 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "templates.dirs",
			Value:   config.Dirs,
			Message: "no template directories specified",
			Suggestions: []string{
				"Add './templates' to search for templates",
			},
		})
	}

	for i, dir := range config.Dirs {
		if err := validatePath(dir); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Field:   fmt.Sprintf("templates.dirs[%d]", i),
				Value:   dir,
				Message: err.Error(),
				Suggestions: []string{
					"Use relative paths from project root",
					"Avoid parent directory references (..)",
				},
			})
			continue
		}
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			result.Warnings = append(result.Warnings, ValidationError{
				Field:   fmt.Sprintf("templates.dirs[%d]", i),
				Value:   dir,
				Message: "directory does not exist",
				Suggestions: []string{
					fmt.Sprintf("Create the directory: mkdir -p %s", dir),
				},
			})
		}
	}

	if config.MaxIncludeDepth < 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:       "templates.max_include_depth",
			Value:       config.MaxIncludeDepth,
			Message:     "must be at least 1",
			Suggestions: []string{fmt.Sprintf("The default is %d", DefaultMaxIncludeDepth)},
		})
	} else if config.MaxIncludeDepth > 32 {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "templates.max_include_depth",
			Value:   config.MaxIncludeDepth,
			Message: "very deep include chains slow down resolution",
		})
	}
}

func validateSerializerConfigDetails(config *Config, result *ValidationResult) {
	if config.Serializer.MaxDepth < 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:       "serializer.max_depth",
			Value:       config.Serializer.MaxDepth,
			Message:     "must be at least 1",
			Suggestions: []string{fmt.Sprintf("The default is %d", DefaultSerializerDepth)},
		})
	}
	if config.Planner.MaxDepth < 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:       "planner.max_depth",
			Value:       config.Planner.MaxDepth,
			Message:     "must be at least 1",
			Suggestions: []string{fmt.Sprintf("The default is %d", DefaultPlannerDepth)},
		})
	}
	if config.Cache.MaxEntries < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:       "cache.max_entries",
			Value:       config.Cache.MaxEntries,
			Message:     "must not be negative",
			Suggestions: []string{"Use 0 for an unbounded cache"},
		})
	}
	if !config.Serializer.Codegen {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "serializer.codegen",
			Value:   false,
			Message: "every context value goes through the deep serializer",
			Suggestions: []string{
				"Enable codegen to serialize only the fields templates read",
			},
		})
	}
	if config.Serializer.ExactDecimals {
		return
	}
	result.Warnings = append(result.Warnings, ValidationError{
		Field:   "serializer.exact_decimals",
		Value:   false,
		Message: "decimals are sent as JSON numbers and may lose precision",
		Suggestions: []string{
			"Set exact_decimals to true to send decimals as strings",
		},
	})
}

func validateStoreConfigDetails(config *StoreConfig, result *ValidationResult) {
	if err := validateStoreConfig(config); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "store",
			Value:   config.Driver,
			Message: err.Error(),
			Suggestions: []string{
				"Use 'sqlite' with a file: DSN for local development",
				"Use 'pgx' with a postgres:// DSN for PostgreSQL",
			},
		})
	}
	if config.Schema == "" {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "store.schema",
			Message: "no schema file, views cannot query the store",
			Suggestions: []string{
				"Describe the stored types in a YAML file and set store.schema",
			},
		})
		return
	}
	if _, err := os.Stat(config.Schema); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "store.schema",
			Value:   config.Schema,
			Message: "schema file is not readable",
		})
	}
}

func validateBlobConfigDetails(config *BlobConfig, result *ValidationResult) {
	if config.Endpoint == "" && config.Bucket == "" {
		return
	}
	if config.Endpoint == "" || config.Bucket == "" {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "blob",
			Value:   config.Endpoint,
			Message: "endpoint and bucket must be set together",
		})
	}
	if config.AccessKey == "" || config.SecretKey == "" {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "blob.access_key",
			Message: "no credentials configured, requests will be anonymous",
			Suggestions: []string{
				"Set LIVEWEAVE_BLOB_ACCESS_KEY and LIVEWEAVE_BLOB_SECRET_KEY",
			},
		})
	}
	if !config.Secure {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "blob.secure",
			Value:   false,
			Message: "file URLs will use plain HTTP",
		})
	}
}

func validateServerConfigDetails(config *ServerConfig, result *ValidationResult) {
	if err := validateServerConfig(config); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "server",
			Value:   fmt.Sprintf("%s:%d", config.Host, config.Port),
			Message: err.Error(),
			Suggestions: []string{
				"Use 'localhost' for local development",
				"Port 0 allows system to assign an available port",
			},
		})
		return
	}
	if config.Port > 0 && config.Port < 1024 {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "server.port",
			Value:   config.Port,
			Message: "port below 1024 requires elevated privileges",
		})
	}
	for _, origin := range config.AllowedOrigins {
		if origin == "*" {
			result.Warnings = append(result.Warnings, ValidationError{
				Field:   "server.allowed_origins",
				Value:   origin,
				Message: "wildcard origin accepts websocket connections from any site",
			})
		}
	}
}
