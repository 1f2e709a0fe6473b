package errors

import (
	"errors"
)

// Wrap wraps an error with additional context, creating a LiveError if the input is not already one
func Wrap(err error, errType ErrorType, code, message string) *LiveError {
	if err == nil {
		return nil
	}

	// Keep the location of an inner LiveError so the outer message still points at it.
	var le *LiveError
	if errors.As(err, &le) {
		return &LiveError{
			Type:        errType,
			Code:        code,
			Message:     message,
			Cause:       le,
			Context:     le.Context,
			Component:   le.Component,
			Template:    le.Template,
			Line:        le.Line,
			Recoverable: le.Recoverable,
		}
	}

	return &LiveError{
		Type:        errType,
		Code:        code,
		Message:     message,
		Cause:       err,
		Recoverable: errType == ErrorTypeAdvisory || errType == ErrorTypeStructural || errType == ErrorTypeValidation,
	}
}

// WrapAdvisory wraps an optimizer failure with component context
func WrapAdvisory(err error, code, message, component string) *LiveError {
	le := Wrap(err, ErrorTypeAdvisory, code, message)
	if le != nil {
		le.Component = component
		le.Recoverable = true
	}
	return le
}

// WrapStructural wraps a parse failure that forces a full reload
func WrapStructural(err error, code, message string) *LiveError {
	le := Wrap(err, ErrorTypeStructural, code, message)
	if le != nil {
		le.Recoverable = true
	}
	return le
}

// WrapValidation wraps an error as a validation error
func WrapValidation(err error, code, message string) *LiveError {
	return Wrap(err, ErrorTypeValidation, code, message)
}

// WrapIO wraps an error as an I/O error
func WrapIO(err error, code, message string) *LiveError {
	le := Wrap(err, ErrorTypeIO, code, message)
	if le != nil {
		le.Recoverable = false
	}
	return le
}

// WrapConfig wraps an error as a configuration error
func WrapConfig(err error, code, message string) *LiveError {
	le := Wrap(err, ErrorTypeConfig, code, message)
	if le != nil {
		le.Recoverable = false
	}
	return le
}

// WrapInternal wraps an error as an internal error
func WrapInternal(err error, code, message string) *LiveError {
	le := Wrap(err, ErrorTypeInternal, code, message)
	if le != nil {
		le.Recoverable = false
	}
	return le
}

// FormatError formats an error for user display
func FormatError(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

// GetErrorContext extracts context information from a LiveError
func GetErrorContext(err error) map[string]interface{} {
	var le *LiveError
	if !errors.As(err, &le) {
		return nil
	}

	context := make(map[string]interface{}, len(le.Context)+3)
	for k, v := range le.Context {
		context[k] = v
	}
	if le.Component != "" {
		context["component"] = le.Component
	}
	if le.Template != "" {
		context["template"] = le.Template
		if le.Line > 0 {
			context["line"] = le.Line
		}
	}

	return context
}
