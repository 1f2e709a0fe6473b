package errors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	// ErrorTypeAdvisory marks optimizer failures that degrade to a slower,
	// always-correct path. They are logged and never surfaced to users.
	ErrorTypeAdvisory ErrorType = "advisory"
	// ErrorTypeStructural marks input the VDOM builder cannot turn into a tree.
	// Callers answer it with a full reload instead of incremental patches.
	ErrorTypeStructural ErrorType = "structural"
	// ErrorTypeTypeMismatch marks a compiled serializer applied to a value of
	// the wrong entity type. It is a caller bug.
	ErrorTypeTypeMismatch ErrorType = "type_mismatch"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeIO           ErrorType = "io"
	ErrorTypeConfig       ErrorType = "config"
	ErrorTypeInternal     ErrorType = "internal"
)

// LiveError is a structured error type with context.
type LiveError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Component   string
	Template    string
	Line        int
	Recoverable bool
}

// Error implements the error interface.
func (e *LiveError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Component != "" {
		parts = append(parts, "component:"+e.Component)
	}

	if e.Template != "" {
		location := e.Template
		if e.Line > 0 {
			location += fmt.Sprintf(":%d", e.Line)
		}
		parts = append(parts, location)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *LiveError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *LiveError) Is(target error) bool {
	var t *LiveError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *LiveError) WithContext(key string, value interface{}) *LiveError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithLocation adds template location information.
func (e *LiveError) WithLocation(template string, line int) *LiveError {
	e.Template = template
	e.Line = line

	return e
}

// WithComponent adds component context.
func (e *LiveError) WithComponent(component string) *LiveError {
	e.Component = component

	return e
}

// NewAdvisoryError creates an advisory error.
func NewAdvisoryError(code, message string, cause error) *LiveError {
	return &LiveError{
		Type:        ErrorTypeAdvisory,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewStructuralError creates a structural error.
func NewStructuralError(code, message string, cause error) *LiveError {
	return &LiveError{
		Type:        ErrorTypeStructural,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewTypeMismatchError reports a serializer applied to the wrong entity type.
func NewTypeMismatchError(want, got string) *LiveError {
	return &LiveError{
		Type:    ErrorTypeTypeMismatch,
		Code:    ErrCodeTypeMismatch,
		Message: fmt.Sprintf("serializer for %q applied to %q", want, got),
		Context: map[string]interface{}{
			"want": want,
			"got":  got,
		},
		Recoverable: false,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *LiveError {
	return &LiveError{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *LiveError {
	return &LiveError{
		Type:        ErrorTypeIO,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *LiveError {
	return &LiveError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *LiveError {
	return &LiveError{
		Type:        ErrorTypeInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var le *LiveError
	if errors.As(err, &le) {
		return le.Recoverable
	}

	return false
}

// IsAdvisory reports whether err is an advisory optimizer failure.
func IsAdvisory(err error) bool {
	return hasType(err, ErrorTypeAdvisory)
}

// IsStructural reports whether err requires a full reload.
func IsStructural(err error) bool {
	return hasType(err, ErrorTypeStructural)
}

// IsTypeMismatch reports whether err is a serializer type mismatch.
func IsTypeMismatch(err error) bool {
	return hasType(err, ErrorTypeTypeMismatch)
}

func hasType(err error, t ErrorType) bool {
	var le *LiveError
	if errors.As(err, &le) {
		return le.Type == t
	}

	return false
}

// ErrorHandler provides centralized error handling.
type ErrorHandler struct {
	logger Logger
}

// Logger interface for error logging.
type Logger interface {
	Error(ctx context.Context, err error, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle logs err at a level matching its type. Advisory, structural and
// validation errors are expected at runtime and are logged as warnings.
// The code and the context of the error become log fields.
func (h *ErrorHandler) Handle(ctx context.Context, err error) {
	if err == nil || h.logger == nil {
		return
	}

	var le *LiveError
	if !errors.As(err, &le) {
		h.logger.Error(ctx, err, "Unhandled error occurred")

		return
	}

	fields := logFields(le)
	switch le.Type {
	case ErrorTypeAdvisory:
		h.logger.Warn(ctx, le, "Optimization skipped", fields...)
	case ErrorTypeStructural:
		h.logger.Warn(ctx, le, "Full reload required", fields...)
	case ErrorTypeValidation:
		h.logger.Warn(ctx, le, "Validation error occurred", fields...)
	default:
		h.logger.Error(ctx, le, "Error occurred", append(fields, "type", le.Type)...)
	}
}

// logFields flattens the code and GetErrorContext of le into sorted
// key-value pairs.
func logFields(le *LiveError) []interface{} {
	info := GetErrorContext(le)
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]interface{}, 0, 2+2*len(keys))
	fields = append(fields, "code", le.Code)
	for _, k := range keys {
		fields = append(fields, k, info[k])
	}
	return fields
}

// Common error codes.
const (
	ErrCodeTemplateSyntax     = "ERR_TEMPLATE_SYNTAX"
	ErrCodeTemplateNotFound   = "ERR_TEMPLATE_NOT_FOUND"
	ErrCodeIncludeCycle       = "ERR_INCLUDE_CYCLE"
	ErrCodeIncludeDepth       = "ERR_INCLUDE_DEPTH"
	ErrCodeTagInAttribute     = "ERR_TAG_IN_ATTRIBUTE"
	ErrCodeRenderFailed       = "ERR_RENDER_FAILED"
	ErrCodeUnknownEntity      = "ERR_UNKNOWN_ENTITY"
	ErrCodeUnresolvedPath     = "ERR_UNRESOLVED_PATH"
	ErrCodeCompileFailed      = "ERR_COMPILE_FAILED"
	ErrCodeTypeMismatch       = "ERR_TYPE_MISMATCH"
	ErrCodeHTMLParse          = "ERR_HTML_PARSE"
	ErrCodeEmptyDocument      = "ERR_EMPTY_DOCUMENT"
	ErrCodePatchApply         = "ERR_PATCH_APPLY"
	ErrCodeQueryFailed        = "ERR_QUERY_FAILED"
	ErrCodeConfigInvalid      = "ERR_CONFIG_INVALID"
	ErrCodeFileNotFound       = "ERR_FILE_NOT_FOUND"
	ErrCodeInternalError      = "ERR_INTERNAL"
	ErrCodeValidationFailed   = "ERR_VALIDATION_FAILED"
	ErrCodeTransportClosed    = "ERR_TRANSPORT_CLOSED"
	ErrCodeBlobResolveFailed  = "ERR_BLOB_RESOLVE"
	ErrCodeUnsupportedDialect = "ERR_UNSUPPORTED_DIALECT"
)

// FieldValidationError reports one invalid configuration field.
type FieldValidationError struct {
	FieldName    string
	FieldValue   interface{}
	ErrorMessage string
	HelpText     []string
}

// Error implements the error interface.
func (fve *FieldValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", fve.FieldName, fve.ErrorMessage)
}

// NewFieldValidationError creates a new field validation error.
func NewFieldValidationError(
	field string,
	value interface{},
	message string,
	suggestions ...string,
) *FieldValidationError {
	return &FieldValidationError{
		FieldName:    field,
		FieldValue:   value,
		ErrorMessage: message,
		HelpText:     suggestions,
	}
}

// ValidationErrorCollection represents a collection of validation errors.
type ValidationErrorCollection struct {
	Errors []*FieldValidationError
}

// Error implements the error interface.
func (vec *ValidationErrorCollection) Error() string {
	if len(vec.Errors) == 0 {
		return "no validation errors"
	}
	if len(vec.Errors) == 1 {
		return vec.Errors[0].Error()
	}

	return fmt.Sprintf("validation failed with %d errors", len(vec.Errors))
}

// AddField adds a field validation error to the collection.
func (vec *ValidationErrorCollection) AddField(
	field string,
	value interface{},
	message string,
	suggestions ...string,
) {
	vec.Errors = append(vec.Errors, NewFieldValidationError(field, value, message, suggestions...))
}

// HasErrors returns true if there are any validation errors.
func (vec *ValidationErrorCollection) HasErrors() bool {
	return len(vec.Errors) > 0
}

// ToLiveError converts the validation collection to a LiveError.
func (vec *ValidationErrorCollection) ToLiveError() *LiveError {
	if !vec.HasErrors() {
		return nil
	}

	messages := make([]string, 0, len(vec.Errors))
	context := make(map[string]interface{}, len(vec.Errors))

	for _, err := range vec.Errors {
		messages = append(messages, err.Error())
		context[err.FieldName] = map[string]interface{}{
			"value":       err.FieldValue,
			"suggestions": err.HelpText,
		}
	}

	return &LiveError{
		Type:        ErrorTypeConfig,
		Code:        ErrCodeConfigInvalid,
		Message:     strings.Join(messages, "; "),
		Context:     context,
		Recoverable: false,
	}
}
