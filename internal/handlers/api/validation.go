package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/kguard/internal/common"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

func formatValidationError(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return "invalid request payload"
	}
	messages := make([]string, 0, len(ve))
	for _, fe := range ve {
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", fe.Field()))
		case "ip":
			messages = append(messages, fmt.Sprintf("%s must be a valid ip address", fe.Field()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation: %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(messages, "; ")
}

// bindAndValidate parses the JSON body into dest and runs the struct rules.
func bindAndValidate[T any](ctx *fiber.Ctx, dest *T) error {
	if err := ctx.BodyParser(dest); err != nil {
		return fmt.Errorf("%w: invalid JSON payload", common.ErrInvalidInput)
	}
	if err := validate.Struct(dest); err != nil {
		return fmt.Errorf("%w: %s", common.ErrInvalidInput, formatValidationError(err))
	}
	return nil
}
