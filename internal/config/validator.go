package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/subsync/subsync-limiter/internal/domain/ratelimit"
)

// RegisterCustomValidators registers gate-specific validation rules.
// Must be called before validating GateConfig.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("key_by", validateKeyBy); err != nil {
		return fmt.Errorf("failed to register key_by validator: %w", err)
	}
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

// validateKeyBy accepts the limiter key types: ip, user, route, global.
func validateKeyBy(fl validator.FieldLevel) bool {
	return ratelimit.KeyType(fl.Field().String()).Valid()
}

// validateDuration accepts non-negative Go duration strings ("500ms", "1s", "2m").
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

// Validate validates the GateConfig using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *GateConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateUniqueRuleNames(); err != nil {
		return err
	}

	return nil
}

// validateUniqueRuleNames ensures no two rules share a name. Rule names
// namespace limiter keys, so duplicates would silently share budgets.
func (c *GateConfig) validateUniqueRuleNames() error {
	seen := make(map[string]int, len(c.RateLimit.Rules))
	for i, rule := range c.RateLimit.Rules {
		if first, exists := seen[rule.Name]; exists {
			return fmt.Errorf("rate_limit.rules[%d]: duplicate rule name %q (first defined at rules[%d])", i, rule.Name, first)
		}
		seen[rule.Name] = i
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
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "key_by":
		return fmt.Sprintf("%s must be one of: ip user route global", field)
	case "excludes":
		return fmt.Sprintf("%s must not contain %q", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "cidr|ip":
		return fmt.Sprintf("%s must be an IP address or CIDR prefix (e.g. \"10.0.0.0/8\")", field)
	case "duration":
		return fmt.Sprintf("%s must be a non-negative duration (e.g. \"500ms\", \"1s\")", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
