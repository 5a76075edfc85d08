package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate runs struct-tag validation plus two explicit positivity checks
// (server.timeslot_seconds and db.pool_size), grounded on dnfs's
// validation.go.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return fmt.Errorf("invalid configuration: %s", formatValidationError(verrs))
		}
		return fmt.Errorf("validating configuration: %w", err)
	}
	return validateCustomRules(cfg)
}

func formatValidationError(errs validator.ValidationErrors) string {
	if len(errs) == 0 {
		return "unknown validation error"
	}
	e := errs[0]
	return fmt.Sprintf("%s failed on %q (got %v)", e.Namespace(), e.Tag(), e.Value())
}

func validateCustomRules(cfg *Config) error {
	if cfg.Server.TimeslotSeconds <= 0 {
		return fmt.Errorf("server.timeslot_seconds must be positive")
	}
	if cfg.DB.PoolSize <= 0 {
		return fmt.Errorf("db.pool_size must be positive")
	}
	return nil
}
