package services

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ekaya-inc/ekaya-members/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-members/pkg/models"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// "permission" accepts only the known permission flags.
	_ = v.RegisterValidation("permission", func(fl validator.FieldLevel) bool {
		return models.IsValidPermission(models.Permission(fl.Field().String()))
	})
	return v
}

// validateInput checks s against its validate tags and returns a
// ValidationError describing every failed field.
func validateInput(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.ValidationError.Wrap(err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "min":
			msgs = append(msgs, field+" must have at least "+fe.Param()+" entries or characters")
		case "max":
			msgs = append(msgs, field+" must have at most "+fe.Param()+" entries or characters")
		case "permission":
			msgs = append(msgs, field+" is not a known permission")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return apperrors.ValidationError.Wrap(errors.New(strings.Join(msgs, ", ")))
}
