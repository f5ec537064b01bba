package utils

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct validates a request DTO against its `validate` tags and
// returns a field->message map suitable for the Details of a 400 response.
func ValidateStruct(s interface{}) map[string]interface{} {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	details := make(map[string]interface{})
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		details["error"] = err.Error()
		return details
	}

	for _, fieldErr := range validationErrors {
		field := strings.ToLower(fieldErr.Field())
		switch fieldErr.Tag() {
		case "required":
			details[field] = "is required"
		case "oneof":
			details[field] = fmt.Sprintf("must be one of: %s", fieldErr.Param())
		case "gte":
			details[field] = fmt.Sprintf("must be at least %s", fieldErr.Param())
		case "lte":
			details[field] = fmt.Sprintf("must be at most %s", fieldErr.Param())
		case "max":
			details[field] = fmt.Sprintf("must be at most %s characters", fieldErr.Param())
		default:
			details[field] = fmt.Sprintf("failed %s validation", fieldErr.Tag())
		}
	}
	return details
}
