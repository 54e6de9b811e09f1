package core

import "github.com/pkg/errors"

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string
	Error string
}

// ValidationError is a client input error, reported as 400 with one message per field.
type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{Err: err, Fields: flds}
}

func (err *ValidationError) Error() string {
	switch {
	case err.Err != nil:
		return err.Err.Error()
	case len(err.Fields) > 0:
		return err.Fields[0].Field + ": " + err.Fields[0].Error
	}
	return "invalid input"
}

// FieldMap indexes the field messages by field name; nil when there are none.
func (err *ValidationError) FieldMap() map[string]string {
	return FieldMap(err.Fields)
}

func FieldMap(flds []FieldError) map[string]string {
	if len(flds) == 0 {
		return nil
	}
	m := make(map[string]string, len(flds))
	for _, fld := range flds {
		m[fld.Field] = fld.Error
	}
	return m
}

// shutdown marks an integrity fault after which the process must stop serving.
type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s *shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}
