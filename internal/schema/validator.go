package schema

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validator handles validation of findings against the canonical schema.
type Validator struct {
	validate  *validator.Validate
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("detection_kind", func(fl validator.FieldLevel) bool {
		return DetectionKind(fl.Field().String()).IsValid()
	})

	v.RegisterValidation("recommended_action", func(fl validator.FieldLevel) bool {
		return Action(fl.Field().String()).IsValid()
	})

	return &Validator{
		validate:  v,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates a finding against the canonical schema.
// Returns an error if validation fails.
func (v *Validator) Validate(f *Finding) error {
	if err := v.validate.Struct(f); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if f.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	now := time.Now().UTC()
	if f.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", f.Timestamp, v.maxFuture)
	}

	// Kind-specific invariants. Signature and hash findings always name a
	// path; beaconing findings always name a destination with enough samples.
	switch f.Kind {
	case KindBeaconing:
		count, ok := f.Evidence["connection_count"]
		if !ok {
			return fmt.Errorf("beaconing finding missing connection_count evidence")
		}
		if n, ok := toInt(count); !ok || n < 2 {
			return fmt.Errorf("beaconing finding has implausible connection_count: %v", count)
		}
	case KindSignature, KindHash:
		if f.Indicator == "" {
			return fmt.Errorf("%s finding requires a non-empty indicator path", f.Kind)
		}
	}

	return nil
}

// ValidateConnection validates a telemetry connection record.
func (v *Validator) ValidateConnection(c *ConnectionRecord) error {
	if err := v.validate.Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
