package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/example/carpool/internal/models"
)

var v = validator.New(validator.WithRequiredStructEnabled())

// Struct checks the `validate` tags on s. Violations come back wrapped in
// models.ErrInvalidInput with one "field: rule" entry per failure.
func Struct(s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, fe.Field()+": "+rule)
	}
	return fmt.Errorf("%w: %s", models.ErrInvalidInput, strings.Join(parts, ", "))
}

// Invalid builds an ErrInvalidInput for checks that tags cannot express.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrInvalidInput, fmt.Sprintf(format, args...))
}
