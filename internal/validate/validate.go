// Package validate runs struct-tag validation and reports failures as
// faults.ErrInvalidRequest with messages that use the YAML field names.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jbweber/grove/internal/faults"
)

var v = newValidator()

func newValidator() *validator.Validate {
	val := validator.New()
	val.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	return val
}

// FieldError is one failed rule.
type FieldError struct {
	Field   string
	Message string
}

// Errors holds every failed rule of one validation.
type Errors struct {
	Fields []FieldError
}

func (e *Errors) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return strings.Join(msgs, "; ")
}

// Struct validates s. Failures come back as faults.ErrInvalidRequest wrapping
// an *Errors.
func Struct(op string, s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return faults.New(faults.ErrInvalidRequest, op, err)
	}
	out := &Errors{}
	for _, fe := range verrs {
		field := fieldPath(fe)
		out.Fields = append(out.Fields, FieldError{Field: field, Message: message(field, fe)})
	}
	return faults.New(faults.ErrInvalidRequest, op, out)
}

// fieldPath drops the top-level type name: "Config.hosts[0].name" →
// "hosts[0].name".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func message(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gtefield":
		return fmt.Sprintf("%s must not be below %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "hostname_rfc1123", "hostname_rfc1123|ip":
		return fmt.Sprintf("%s must be a valid hostname or IP address, got %q", field, fe.Value())
	case "dive":
		return fmt.Sprintf("%s is invalid", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
