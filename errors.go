package schemamodel

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeValidation          ErrorType = "validation"
	ErrorTypeUnknownMember       ErrorType = "unknown_member"
	ErrorTypeUnknownRelationship ErrorType = "unknown_relationship"
	ErrorTypeState               ErrorType = "state"
	ErrorTypePersistence         ErrorType = "persistence"
	ErrorTypeConfiguration       ErrorType = "configuration"
	ErrorTypeNotFound            ErrorType = "not_found"
)

// ModelError is the error returned by every model operation.
type ModelError struct {
	Type    ErrorType      `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Model   string         `json:"model,omitempty"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ModelError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s:%s]", e.Type, e.Code)
	if e.Model != "" {
		fmt.Fprintf(&b, " model %s", e.Model)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field '%s'", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ModelError) Unwrap() error {
	return e.Cause
}

// Is matches another *ModelError by type, and by code when the target sets one.
// This lets errors.Is(err, ErrValidation) work for every validation error.
func (e *ModelError) Is(target error) bool {
	t, ok := target.(*ModelError)
	if !ok {
		return false
	}
	if t.Type != e.Type {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// WithDetail adds a single detail to the error
func (e *ModelError) WithDetail(key string, value any) *ModelError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause adds a cause to the error
func (e *ModelError) WithCause(cause error) *ModelError {
	e.Cause = cause
	return e
}

// WithModel adds the model type name to the error
func (e *ModelError) WithModel(name string) *ModelError {
	e.Model = name
	return e
}

// WithField adds field context to the error
func (e *ModelError) WithField(field string) *ModelError {
	e.Field = field
	return e
}

// Sentinels for errors.Is. They carry no code so they match every error of their type.
var (
	ErrValidation          = &ModelError{Type: ErrorTypeValidation}
	ErrUnknownMember       = &ModelError{Type: ErrorTypeUnknownMember}
	ErrUnknownRelationship = &ModelError{Type: ErrorTypeUnknownRelationship}
	ErrState               = &ModelError{Type: ErrorTypeState}
	ErrPersistence         = &ModelError{Type: ErrorTypePersistence}
	ErrConfiguration       = &ModelError{Type: ErrorTypeConfiguration}
	ErrNotFound            = &ModelError{Type: ErrorTypeNotFound}
)

// Error codes
const (
	// Validation
	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeMissingProperty     = "MISSING_PROPERTY"
	ErrCodeInvalidData         = "INVALID_DATA"
	ErrCodeTypeMismatch        = "TYPE_MISMATCH"
	ErrCodeCastFailed          = "CAST_FAILED"
	ErrCodeInvalidRelationship = "INVALID_RELATIONSHIP_VALUE"
	ErrCodeReadOnlyRelation    = "READ_ONLY_RELATIONSHIP"
	ErrCodeInvalidArguments    = "INVALID_ARGUMENTS"
	ErrCodeInvalidQuery        = "INVALID_QUERY"
	ErrCodeUnexpectedProperty  = "UNEXPECTED_PROPERTY"
	ErrCodeSchemaViolation     = "JSON_SCHEMA_VIOLATION"

	// Member resolution
	ErrCodeUnknownMember       = "UNKNOWN_MEMBER"
	ErrCodeUnknownProperty     = "UNKNOWN_PROPERTY"
	ErrCodeUnknownRelationship = "UNKNOWN_RELATIONSHIP"

	// State
	ErrCodeMissingPrimaryValue = "MISSING_PRIMARY_VALUE"
	ErrCodeAbstractModel       = "ABSTRACT_MODEL"
	ErrCodeModelDeleted        = "MODEL_DELETED"

	// Persistence
	ErrCodeSaveFailed    = "SAVE_FAILED"
	ErrCodeDeleteFailed  = "DELETE_FAILED"
	ErrCodeFetchFailed   = "FETCH_FAILED"
	ErrCodePartialFlush  = "PARTIAL_RELATIONSHIP_FLUSH"
	ErrCodeSchemaFailure = "SCHEMA_UNAVAILABLE"

	// Configuration
	ErrCodeUnknownReservedDefault = "UNKNOWN_RESERVED_DEFAULT"
	ErrCodeDuplicateModel         = "DUPLICATE_MODEL"
	ErrCodeInvalidRelationshipDef = "INVALID_RELATIONSHIP_DEFINITION"
	ErrCodeInvalidJSONSchema      = "INVALID_JSON_SCHEMA"
	ErrCodeUnknownModelType       = "UNKNOWN_MODEL_TYPE"

	// Lookup
	ErrCodeModelNotFound = "MODEL_NOT_FOUND"
)

// NewModelError creates a new ModelError
func NewModelError(errorType ErrorType, code, message string) *ModelError {
	return &ModelError{
		Type:    errorType,
		Code:    code,
		Message: message,
	}
}

// NewValidationError creates a validation error
func NewValidationError(field, message string) *ModelError {
	return &ModelError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeValidationFailed,
		Message: message,
		Field:   field,
	}
}

// NewMissingPropertyError reports a required property absent from construction data.
func NewMissingPropertyError(property string) *ModelError {
	return &ModelError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeMissingProperty,
		Message: fmt.Sprintf("property '%s' does not exist in data", property),
		Field:   property,
	}
}

// NewUnknownMemberError reports an accessor that resolves to nothing.
func NewUnknownMemberError(member string) *ModelError {
	return &ModelError{
		Type:    ErrorTypeUnknownMember,
		Code:    ErrCodeUnknownMember,
		Message: fmt.Sprintf("`%s` is not a property or a relationship accessor on the model", member),
		Field:   member,
	}
}

// NewUnknownPropertyError reports a write to a property the type does not declare.
func NewUnknownPropertyError(property string) *ModelError {
	return &ModelError{
		Type:    ErrorTypeUnknownMember,
		Code:    ErrCodeUnknownProperty,
		Message: fmt.Sprintf("property %s does not exist", property),
		Field:   property,
	}
}

// NewUnknownRelationshipError reports a relationship key the type does not declare.
func NewUnknownRelationshipError(key string) *ModelError {
	return &ModelError{
		Type:    ErrorTypeUnknownRelationship,
		Code:    ErrCodeUnknownRelationship,
		Message: fmt.Sprintf("relationship %s does not exist", key),
		Field:   key,
	}
}

// NewStateError creates a lifecycle state error
func NewStateError(code, message string) *ModelError {
	return &ModelError{
		Type:    ErrorTypeState,
		Code:    code,
		Message: message,
	}
}

// NewPersistenceError creates a persistence error
func NewPersistenceError(code, message string, cause error) *ModelError {
	return &ModelError{
		Type:    ErrorTypePersistence,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(code, message string) *ModelError {
	return &ModelError{
		Type:    ErrorTypeConfiguration,
		Code:    code,
		Message: message,
	}
}

// NewNotFoundError creates a lookup miss
func NewNotFoundError(model string, id any) *ModelError {
	return &ModelError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeModelNotFound,
		Message: fmt.Sprintf("no row with id %v", id),
		Model:   model,
	}
}

// FlushStep names the storage call a relationship flush failed on.
type FlushStep string

const (
	FlushStepDeleteBeforeInsert FlushStep = "delete_before_insert"
	FlushStepInsert             FlushStep = "insert"
	FlushStepDelete             FlushStep = "delete"
)

// FlushError reports a relationship flush that stopped part way. Relationships
// listed in Completed were written and are not rolled back; Failed and every
// relationship after it keep their staged changes so a later Save can retry.
type FlushError struct {
	Model     string
	Completed []string
	Failed    string
	Step      FlushStep
	Cause     error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("[%s:%s] model %s: relationship %s failed at %s after %d relationship(s) were written: %v",
		ErrorTypePersistence, ErrCodePartialFlush, e.Model, e.Failed, e.Step, len(e.Completed), e.Cause)
}

func (e *FlushError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrPersistence) match a partial flush.
func (e *FlushError) Is(target error) bool {
	t, ok := target.(*ModelError)
	if !ok {
		return false
	}
	return t.Type == ErrorTypePersistence && (t.Code == "" || t.Code == ErrCodePartialFlush)
}

// IsPartialFlush returns the FlushError inside err, if any.
func IsPartialFlush(err error) (*FlushError, bool) {
	var fe *FlushError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// ErrorTypeOf returns the ErrorType of err, or "" when err is not a model error.
func ErrorTypeOf(err error) ErrorType {
	var me *ModelError
	if errors.As(err, &me) {
		return me.Type
	}
	if _, ok := IsPartialFlush(err); ok {
		return ErrorTypePersistence
	}
	return ""
}
