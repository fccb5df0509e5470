package events

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ValidationError marks a payload that can never be processed: it is
// undecodable, of an unknown kind, or fails its field rules.
type ValidationError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s payload: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s payload: %s", e.Kind, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})
	_ = v.RegisterValidation("dpos", decimalRule(func(d decimal.Decimal) bool { return d.IsPositive() }))
	_ = v.RegisterValidation("dnonneg", decimalRule(func(d decimal.Decimal) bool { return !d.IsNegative() }))
	return v
}

func decimalRule(check func(decimal.Decimal) bool) validator.Func {
	return func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && check(d)
	}
}

// Validate applies the payload's field rules.
func Validate(p Payload) error {
	if p == nil {
		return &ValidationError{Reason: "empty payload"}
	}
	if err := validate.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			parts := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return &ValidationError{Kind: p.Kind(), Reason: strings.Join(parts, ", ")}
		}
		return &ValidationError{Kind: p.Kind(), Reason: "validation failed", Err: err}
	}
	return nil
}

// Validator exposes the shared instance so other packages validate with the
// same custom rules.
func Validator() *validator.Validate {
	return validate
}
