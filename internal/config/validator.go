package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers ratekeeper-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	rules := map[string]validator.Func{
		"duration":         validateDuration,
		"store_backend":    validateStoreBackend,
		"telemetry_output": validateTelemetryOutput,
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// validateDuration accepts non-negative Go duration strings.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

func validateStoreBackend(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case BackendRedis, BackendSQLite, BackendNone:
		return true
	default:
		return false
	}
}

// validateTelemetryOutput accepts "stdout", "stderr" or "file://<absolute-path>".
func validateTelemetryOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()

	if output == "stdout" || output == "stderr" {
		return true
	}

	if path, ok := strings.CutPrefix(output, "file://"); ok {
		return path != "" && filepath.IsAbs(path)
	}

	return false
}

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateOperations(); err != nil {
		return err
	}

	return nil
}

// validateOperations rejects names and windows the registry would refuse.
func (c *Config) validateOperations() error {
	for _, name := range c.OperationNames() {
		if strings.TrimSpace(name) == "" {
			return errors.New("operations: operation name must not be empty")
		}
		if _, err := c.Operations[name].RateLimit(); err != nil {
			return fmt.Errorf("operations.%s: %w", name, err)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "cidr|ip":
		return fmt.Sprintf("%s must be an IP address or CIDR", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a non-negative duration like \"500ms\" or \"1m\"", field)
	case "store_backend":
		return fmt.Sprintf("%s must be one of: redis sqlite none", field)
	case "telemetry_output":
		return fmt.Sprintf("%s must be 'stdout', 'stderr' or 'file://<absolute-path>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
