// Package validate holds the write-time validation error shared by recurrence
// and reminder rules.
//
// Validation runs when a rule is created or edited. Calculators assume rules
// have already passed validation and never return errors themselves.
package validate

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid matches every *Error via errors.Is.
var ErrInvalid = errors.New("invalid rule")

// Error reports a malformed rule field.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if strings.TrimSpace(e.Field) == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *Error) Is(target error) bool { return target == ErrInvalid }

// Field builds an *Error for a single field.
func Field(field, format string, args ...any) *Error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Prefix returns err with field prefixed by scope when err is an *Error.
// Other errors are returned unchanged.
func Prefix(scope string, err error) error {
	var ve *Error
	if !errors.As(err, &ve) {
		return err
	}
	f := ve.Field
	if f == "" {
		f = scope
	} else {
		f = scope + "." + f
	}
	return &Error{Field: f, Reason: ve.Reason}
}
