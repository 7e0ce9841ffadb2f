package core

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"numota/internal/types"
)

// Validator wraps go-playground/validator for request payload validation.
// Handlers call ValidateStruct after DecodeJSON; tag failures come back as
// a single 400 AppError listing every failed field.
type Validator struct {
	v *validator.Validate
}

// NewValidator creates a Validator with JSON tag names reported in errors
// and the e164-ish phone rule used by the send endpoints.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report field names from the json tag so error details match the
	// wire format, not Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// phone: digits with optional leading +, 7 to 15 digits. Stricter
	// normalization happens in the delivery client.
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		s := strings.TrimPrefix(fl.Field().String(), "+")
		if len(s) < 7 || len(s) > 15 {
			return false
		}
		for _, r := range s {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	})

	return &Validator{v: v}
}

// ValidateStruct validates dst's struct tags. It returns nil or a
// validation AppError with per-field details.
func (val *Validator) ValidateStruct(dst interface{}) error {
	err := val.v.Struct(dst)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = validationMessage(fe)
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
		"request validation failed", err, details)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "phone":
		return "must be a phone number with 7 to 15 digits"
	case "max":
		return "must not exceed " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "email":
		return "must be a valid email address"
	case "url":
		return "must be a valid URL"
	default:
		return "failed validation rule: " + fe.Tag()
	}
}
