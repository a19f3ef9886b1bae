package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"assistantconsole/internal/billing"
	"assistantconsole/internal/types"
)

// Validator wraps go-playground/validator with the console's custom tags:
//   - plan_id:     a catalog plan id.
//   - paid_plan:   a catalog plan that can be purchased.
//   - action_kind: a metered assistant action.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// ValidationError describes one failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// NewValidator creates a Validator with the custom tags registered. Field
// names in errors use the json tag.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	mustRegister(v, "plan_id", func(fl validator.FieldLevel) bool {
		_, ok := billing.ParsePlanID(fl.Field().String())
		return ok
	})
	mustRegister(v, "paid_plan", func(fl validator.FieldLevel) bool {
		id, ok := billing.ParsePlanID(fl.Field().String())
		return ok && billing.IsPaid(id)
	})
	mustRegister(v, "action_kind", func(fl validator.FieldLevel) bool {
		return types.ActionKind(fl.Field().String()).IsValid()
	})

	return &Validator{validate: v, logger: logger}
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register validation %q: %v", tag, err))
	}
}

// ValidateStruct returns nil or a validation AppError whose code follows the
// first failing tag. All failures are listed under details.validation_errors.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		v.logger.Error("validator misuse", slog.String("error", err.Error()))
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Message: messageFor(fe),
		})
	}

	first := fieldErrs[0]
	return types.NewAppErrorWithDetails(codeFor(first.Tag()), messageFor(first), err,
		map[string]any{"validation_errors": out})
}

func codeFor(tag string) types.ErrorCode {
	switch tag {
	case "required":
		return types.ErrCodeValidationMissingField
	case "plan_id", "paid_plan":
		return types.ErrCodeValidationInvalidPlan
	case "action_kind":
		return types.ErrCodeValidationInvalidAction
	case "gt", "gte", "min":
		return types.ErrCodeValidationInvalidAmount
	default:
		return types.ErrCodeValidationInvalidField
	}
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "plan_id":
		return fmt.Sprintf("%q is not a known plan", fe.Value())
	case "paid_plan":
		return fmt.Sprintf("%q is not a purchasable plan", fe.Value())
	case "action_kind":
		return fmt.Sprintf("%q is not a known action", fe.Value())
	case "gt", "gte", "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
