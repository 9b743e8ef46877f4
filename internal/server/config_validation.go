// config_validation.go - Start-up validation of the RELAY_* environment.
//
// Every variable is checked before any client is built so a misconfigured
// deployment fails with one readable list of problems.
package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"upload-relay/internal/logging"
	"upload-relay/internal/storage"
)

// ConfigValidationError represents a configuration validation error.
type ConfigValidationError struct {
	Field   string
	Message string
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// ConfigValidator accumulates configuration errors.
type ConfigValidator struct {
	errors []ConfigValidationError
}

// NewConfigValidator creates a new configuration validator.
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{
		errors: make([]ConfigValidationError, 0),
	}
}

// AddError adds a validation error.
func (v *ConfigValidator) AddError(field, message string) {
	v.errors = append(v.errors, ConfigValidationError{
		Field:   field,
		Message: message,
	})
}

// HasErrors returns true if there are validation errors.
func (v *ConfigValidator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors.
func (v *ConfigValidator) Errors() []ConfigValidationError {
	return v.errors
}

// ErrorString returns a formatted string of all errors.
func (v *ConfigValidator) ErrorString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Configuration validation failed with %d error(s):\n", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Err returns nil, or every validation error joined so callers can pick out a
// ConfigValidationError with errors.As.
func (v *ConfigValidator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	errs := make([]error, len(v.errors))
	for i, e := range v.errors {
		errs[i] = e
	}
	return fmt.Errorf("configuration validation failed with %d error(s): %w", len(errs), errors.Join(errs...))
}

// ValidateRequired validates that a required environment variable is set.
func (v *ConfigValidator) ValidateRequired(key string) string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		v.AddError(key, "required environment variable not set")
	}
	return value
}

// ValidateURL validates that a value is an http(s) URL.
func (v *ConfigValidator) ValidateURL(key, value string) {
	if value == "" {
		return
	}

	parsed, err := url.Parse(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("invalid URL format: %v", err))
		return
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		v.AddError(key, "URL must use http or https scheme")
	}
}

// ValidateAddr validates a listen address such as ":8080" or "0.0.0.0:8080".
func (v *ConfigValidator) ValidateAddr(key, value string) {
	if value == "" {
		return
	}

	_, portStr, err := net.SplitHostPort(value)
	if err != nil {
		v.AddError(key, "must be host:port or :port")
		return
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		v.AddError(key, "port must be a number")
		return
	}

	if port < 1 || port > 65535 {
		v.AddError(key, "port must be between 1 and 65535")
	}
}

// ValidateEnum validates that a value is one of allowed options.
func (v *ConfigValidator) ValidateEnum(key, value string, allowed []string) {
	if value == "" {
		return
	}

	for _, opt := range allowed {
		if value == opt {
			return
		}
	}

	v.AddError(key, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

// ValidatePositiveInt validates that a value is a positive integer.
func (v *ConfigValidator) ValidatePositiveInt(key, value string) {
	if value == "" {
		return
	}

	num, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		v.AddError(key, "must be a valid integer")
		return
	}

	if num <= 0 {
		v.AddError(key, "must be a positive integer")
	}
}

// ValidateNonNegativeInt validates that a value is an integer >= 0.
func (v *ConfigValidator) ValidateNonNegativeInt(key, value string) {
	if value == "" {
		return
	}

	num, err := strconv.Atoi(value)
	if err != nil {
		v.AddError(key, "must be a valid integer")
		return
	}

	if num < 0 {
		v.AddError(key, "must not be negative")
	}
}

// ValidateDuration validates a Go duration string such as "30s" or "5m".
func (v *ConfigValidator) ValidateDuration(key, value string) {
	if value == "" {
		return
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		v.AddError(key, "must be a valid duration (e.g., 30s, 5m, 1h)")
		return
	}

	if d < 0 {
		v.AddError(key, "must not be negative")
	}
}

// ValidateAllConfiguration validates the whole RELAY_* environment.
func ValidateAllConfiguration() error {
	v := NewConfigValidator()

	v.ValidateRequired("RELAY_BUCKET")
	v.ValidateAddr("RELAY_ADDR", os.Getenv("RELAY_ADDR"))

	backend := os.Getenv("RELAY_STORE")
	v.ValidateEnum("RELAY_STORE", backend, storage.Backends)

	switch backend {
	case "", storage.BackendMinio:
		v.ValidateRequired("RELAY_S3_ENDPOINT")
		v.ValidateRequired("RELAY_S3_ACCESS_KEY")
		v.ValidateRequired("RELAY_S3_SECRET_KEY")
		if endpoint := os.Getenv("RELAY_S3_ENDPOINT"); strings.Contains(endpoint, "://") {
			v.ValidateURL("RELAY_S3_ENDPOINT", endpoint)
		}
	case storage.BackendS3:
		if endpoint := os.Getenv("RELAY_S3_ENDPOINT"); endpoint != "" {
			v.ValidateURL("RELAY_S3_ENDPOINT", endpoint)
		}
		if (os.Getenv("RELAY_S3_ACCESS_KEY") == "") != (os.Getenv("RELAY_S3_SECRET_KEY") == "") {
			v.AddError("RELAY_S3_ACCESS_KEY", "access key and secret key must be set together")
		}
	case storage.BackendGCS:
		v.ValidateURL("RELAY_GCS_ENDPOINT", os.Getenv("RELAY_GCS_ENDPOINT"))
	}

	if dbURL := os.Getenv("RELAY_DATABASE_URL"); dbURL != "" {
		if !strings.HasPrefix(dbURL, "postgres://") && !strings.HasPrefix(dbURL, "postgresql://") {
			v.AddError("RELAY_DATABASE_URL", "must be a valid PostgreSQL connection string")
		}
	}

	v.ValidatePositiveInt("RELAY_MAX_UPLOAD_BYTES", os.Getenv("RELAY_MAX_UPLOAD_BYTES"))
	v.ValidatePositiveInt("RELAY_UPLOAD_CONCURRENCY", os.Getenv("RELAY_UPLOAD_CONCURRENCY"))
	v.ValidatePositiveInt("RELAY_BREAKER_FAILURES", os.Getenv("RELAY_BREAKER_FAILURES"))
	v.ValidateNonNegativeInt("RELAY_UPLOAD_RETRIES", os.Getenv("RELAY_UPLOAD_RETRIES"))
	v.ValidateNonNegativeInt("RELAY_RATE_LIMIT", os.Getenv("RELAY_RATE_LIMIT"))

	v.ValidateDuration("RELAY_REQUEST_TIMEOUT", os.Getenv("RELAY_REQUEST_TIMEOUT"))
	v.ValidateDuration("RELAY_BREAKER_TIMEOUT", os.Getenv("RELAY_BREAKER_TIMEOUT"))
	v.ValidateDuration("RELAY_JANITOR_INTERVAL", os.Getenv("RELAY_JANITOR_INTERVAL"))
	v.ValidateDuration("RELAY_JANITOR_MAX_AGE", os.Getenv("RELAY_JANITOR_MAX_AGE"))

	if field := os.Getenv("RELAY_CORRELATION_FIELD"); strings.ContainsAny(field, " \t\r\n\"") {
		v.AddError("RELAY_CORRELATION_FIELD", "must be a plain form field name")
	}

	v.ValidateEnum("RELAY_LOG_FORMAT", os.Getenv("RELAY_LOG_FORMAT"), []string{"", "json", "text"})
	v.ValidateEnum("RELAY_LOG_LEVEL", os.Getenv("RELAY_LOG_LEVEL"), []string{"", "debug", "info", "warn", "error"})
	v.ValidateEnum("RELAY_ENV", os.Getenv("RELAY_ENV"), []string{"", "development", "production", "staging"})

	return v.Err()
}

// WarnOnOptionalMissingConfig logs warnings for optional but recommended config.
func WarnOnOptionalMissingConfig() {
	warnings := make([]string, 0)

	if os.Getenv("RELAY_MAX_UPLOAD_BYTES") == "" {
		warnings = append(warnings, "RELAY_MAX_UPLOAD_BYTES not set - request bodies are unbounded")
	}

	if os.Getenv("RELAY_DATABASE_URL") == "" {
		warnings = append(warnings, "RELAY_DATABASE_URL not set - relay outcomes are not recorded")
	}

	if os.Getenv("RELAY_LOG_FORMAT") == "" {
		warnings = append(warnings, "RELAY_LOG_FORMAT not set - using text format (consider 'json' for production)")
	}

	if len(warnings) > 0 {
		logging.Info("configuration warnings", logging.Fields{
			"count":    len(warnings),
			"warnings": warnings,
		})
	}
}
