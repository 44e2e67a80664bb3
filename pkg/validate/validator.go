package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator validates structs using `validate` tags. Besides the built-in
// tags it understands cpf, cnpj, document and luhn.
type Validator struct {
	validate *validator.Validate
}

// New creates a Validator. Error messages use JSON field names.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return strings.ToLower(fld.Name)
		}
		return name
	})

	for tag, fn := range map[string]func(string) bool{
		"cpf":      CPF,
		"cnpj":     CNPJ,
		"document": Document,
		"luhn":     Luhn,
	} {
		check := fn
		// Registration only fails for empty tags or nil funcs.
		_ = v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			return check(fl.Field().String())
		})
	}

	return &Validator{validate: v}
}

// Struct validates s and returns one error describing every failed field.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		return formatValidationErrors(validationErrs)
	}
	return fmt.Errorf("validating request: %w", err)
}

func formatValidationErrors(errs validator.ValidationErrors) error {
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		field := err.Field()

		var message string
		switch err.Tag() {
		case "required":
			message = fmt.Sprintf("%s is required", field)
		case "email":
			message = fmt.Sprintf("%s must be a valid email address", field)
		case "min":
			message = fmt.Sprintf("%s must be at least %s characters", field, err.Param())
		case "max":
			message = fmt.Sprintf("%s must be at most %s characters", field, err.Param())
		case "eqfield":
			message = fmt.Sprintf("%s must match %s", field, strings.ToLower(err.Param()))
		case "cpf":
			message = fmt.Sprintf("%s must be a valid CPF", field)
		case "cnpj":
			message = fmt.Sprintf("%s must be a valid CNPJ", field)
		case "document":
			message = fmt.Sprintf("%s must be a valid CPF or CNPJ", field)
		case "luhn":
			message = fmt.Sprintf("%s must be a valid card number", field)
		default:
			message = fmt.Sprintf("%s failed validation for %s", field, err.Tag())
		}
		messages = append(messages, message)
	}
	return errors.New(strings.Join(messages, "; "))
}
