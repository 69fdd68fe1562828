// Package errclass turns errors into low-cardinality class names for metric
// and log tagging.
package errclass

import (
	"errors"
	"reflect"
	"strings"

	apperrors "github.com/asfalis/asfalis/internal/errors"
)

// Classify returns a stable class name for an error. Structured application
// errors classify by their code; anything else falls back to the innermost
// concrete type name.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	if code := apperrors.GetCode(err); code != "" {
		return string(code)
	}

	for {
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}
	name := strings.ToLower(strings.ReplaceAll(t.String(), ".", "_"))
	if name == "" {
		return "unknown"
	}
	return name
}
