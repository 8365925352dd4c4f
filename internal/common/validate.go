package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// NewValidator returns a validator reporting fields by their JSON names.
// decimal.Decimal fields validate as numbers, so tags like gte=0 apply.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// DecodeJSON reads the body into dst and validates it. Failures are returned
// as *AppError with status 400. An empty body is accepted when allowEmpty is
// set, leaving dst at its zero value before validation.
func DecodeJSON(r *http.Request, v *validator.Validate, dst any, allowEmpty bool) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			appErr := NewAppError("BAD_REQUEST", "invalid payload", http.StatusBadRequest, err)
			appErr.Details = map[string]any{"error": err.Error()}
			return appErr
		}
	}
	if v == nil {
		return nil
	}
	if err := v.Struct(dst); err != nil {
		var errs validator.ValidationErrors
		if !errors.As(err, &errs) {
			return NewAppError("VALIDATION_ERROR", "validation failed", http.StatusBadRequest, err)
		}
		details := make(map[string]string, len(errs))
		for _, fe := range errs {
			details[fe.Field()] = validationMessage(fe)
		}
		appErr := NewAppError("VALIDATION_ERROR", "validation failed", http.StatusBadRequest, err)
		appErr.Details = details
		return appErr
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	}
	return "is invalid"
}
