package utils

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/Ramsey-B/fern/pkg/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseArguments converts args into T, passing it through JSON when it is not
// already a T.
func ParseArguments[T any](args any) (T, error) {
	var result T

	if arg, ok := args.(T); ok {
		return arg, nil
	}

	b, err := json.Marshal(args)
	if err != nil {
		return result, err
	}

	if err = json.Unmarshal(b, &result); err != nil {
		return result, fmt.Errorf("argument %v is not a valid %T", args, result)
	}

	return result, nil
}

func ValidateArguments[T any](args any) (T, error) {
	result, err := ParseArguments[T](args)
	if err != nil {
		return result, errors.Wrap(errors.KindValidationFailure, err)
	}

	return Validate(result)
}

func Validate[T any](value T) (T, error) {
	if err := validate.Struct(value); err != nil {
		return value, ValidationErrorToString(value, err)
	}

	return value, nil
}

// ValidationErrorToString turns validator field errors into a
// ValidationFailure listing every failed field.
func ValidationErrorToString(input any, err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.Wrap(errors.KindValidationFailure, err)
	}

	issues := make([]errors.Issue, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("rule '%s'", fe.Tag())
		if fe.Param() != "" {
			msg += fmt.Sprintf(" expected '%s'", fe.Param())
		}
		msg += fmt.Sprintf(", got '%v'", fe.Value())
		issues = append(issues, errors.Issue{Field: fe.Namespace(), Message: msg})
	}
	return errors.Validation(fmt.Sprintf("invalid %T", input), issues)
}
