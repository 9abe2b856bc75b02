// Package validation wraps go-playground/validator so that every DTO
// crossing the HTTP boundary (webhook payloads, run/task creation requests)
// is checked before it reaches the core pipelines.
package validation

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
)

var (
	once     sync.Once
	instance *validator.Validate
)

func get() *validator.Validate {
	once.Do(func() {
		instance = validator.New(validator.WithRequiredStructEnabled())
	})
	return instance
}

// Struct validates s against its `validate:"..."` tags and returns a single
// apperrors.AppError of type validation summarizing every failing field.
func Struct(s any) error {
	if err := get().Struct(s); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "validation failed")
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
		}
		return apperrors.New(apperrors.ErrorTypeValidation, "validation failed").
			WithDetails(strings.Join(fields, ", "))
	}
	return nil
}
