package errors

import (
	"errors"
	"fmt"
)

// Common simulation errors
var (
	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrConfigConflict       = errors.New("conflicting configuration")
	ErrUnsupportedSchedule  = errors.New("unsupported schedule: randomly and evenly cannot be combined")
	ErrUnknownRunMode       = errors.New("unknown run mode")

	// Clustering errors
	ErrEmptyCluster        = errors.New("cluster is empty")
	ErrInsufficientClients = errors.New("insufficient clients for clustering")

	// Assignment errors
	ErrColdClient     = errors.New("client has no group")
	ErrUnknownGroup   = errors.New("unknown group")
	ErrGroupNotFrozen = errors.New("group is not frozen")
	ErrGroupFrozen    = errors.New("group is frozen")
	ErrGroupFull      = errors.New("group reached its capacity")

	// Aggregation errors
	ErrShapeMismatch  = errors.New("parameter shape mismatch")
	ErrNoSolutions    = errors.New("no solutions to aggregate")
	ErrZeroTotalWeight = errors.New("total aggregation weight is zero")

	// Storage errors
	ErrStorageConnectionFailed = errors.New("storage connection failed")
	ErrStorageWriteFailed      = errors.New("storage write failed")
	ErrStorageReadFailed       = errors.New("storage read failed")
	ErrCheckpointNotFound      = errors.New("checkpoint not found")

	// Dataset errors
	ErrInvalidDataset = errors.New("invalid dataset")

	// Internal errors
	ErrInternal       = errors.New("internal error")
	ErrNotImplemented = errors.New("not implemented")
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeClustering    ErrorType = "clustering"
	ErrorTypeAssignment    ErrorType = "assignment"
	ErrorTypeAggregation   ErrorType = "aggregation"
	ErrorTypeStorage       ErrorType = "storage"
	ErrorTypeDataset       ErrorType = "dataset"
	ErrorTypeInternal      ErrorType = "internal"
)

// AppError represents an application-specific error with additional context
type AppError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details string                 `json:"details,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
	Fatal   bool                   `json:"fatal"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s - %s", msg, e.Details)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// NewAppError creates a new application error
func NewAppError(errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:    errType,
		Code:    code,
		Message: message,
		Fatal:   isFatalType(errType),
	}
}

// WrapError wraps an existing error with application context
func WrapError(err error, errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:    errType,
		Code:    code,
		Message: message,
		Cause:   err,
		Fatal:   isFatalType(errType) || IsFatal(err),
	}
}

// NewValidationError creates a validation error
func NewValidationError(code, message string) *AppError {
	return NewAppError(ErrorTypeValidation, code, message)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(code, message string) *AppError {
	return NewAppError(ErrorTypeConfiguration, code, message)
}

// NewClusteringError creates a clustering error
func NewClusteringError(code, message string) *AppError {
	return NewAppError(ErrorTypeClustering, code, message)
}

// NewAssignmentError creates an assignment error
func NewAssignmentError(code, message string) *AppError {
	return NewAppError(ErrorTypeAssignment, code, message)
}

// NewAggregationError creates an aggregation error
func NewAggregationError(code, message string) *AppError {
	return NewAppError(ErrorTypeAggregation, code, message)
}

// NewStorageError creates a storage error
func NewStorageError(code, message string) *AppError {
	return NewAppError(ErrorTypeStorage, code, message)
}

// NewInternalError creates an internal error
func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, CodeInternalError, message)
}

// IsFatal reports whether err should abort the simulation run.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Fatal {
		return true
	}

	switch {
	case errors.Is(err, ErrEmptyCluster):
		return true
	case errors.Is(err, ErrShapeMismatch):
		return true
	case errors.Is(err, ErrUnsupportedSchedule):
		return true
	default:
		return false
	}
}

func isFatalType(errType ErrorType) bool {
	switch errType {
	case ErrorTypeClustering, ErrorTypeAggregation, ErrorTypeInternal:
		return true
	default:
		return false
	}
}

// ValidationErrorDetail represents detailed validation error information
type ValidationErrorDetail struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
}

// ValidationErrors represents multiple validation errors
type ValidationErrors struct {
	Message string                  `json:"message"`
	Errors  []ValidationErrorDetail `json:"errors"`
}

// Error implements the error interface for ValidationErrors
func (ve *ValidationErrors) Error() string {
	if len(ve.Errors) == 0 {
		return ve.Message
	}
	return fmt.Sprintf("%s: %s %s", ve.Message, ve.Errors[0].Field, ve.Errors[0].Message)
}

// Add adds a validation error
func (ve *ValidationErrors) Add(field, code, message string, value interface{}) {
	ve.Errors = append(ve.Errors, ValidationErrorDetail{
		Field:   field,
		Value:   value,
		Message: message,
		Code:    code,
	})
}

// HasErrors checks if there are any validation errors
func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

// NewValidationErrors creates a new ValidationErrors instance
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Message: "Validation failed",
		Errors:  make([]ValidationErrorDetail, 0),
	}
}

// Error codes for different error scenarios
const (
	// Validation error codes
	CodeInvalidInput = "INVALID_INPUT"
	CodeMissingField = "MISSING_FIELD"
	CodeOutOfRange   = "OUT_OF_RANGE"

	// Configuration error codes
	CodeConfigConflict      = "CONFIG_CONFLICT"
	CodeUnsupportedSchedule = "UNSUPPORTED_SCHEDULE"
	CodeUnknownRunMode      = "UNKNOWN_RUN_MODE"

	// Clustering error codes
	CodeEmptyCluster     = "EMPTY_CLUSTER"
	CodeClusteringFailed = "CLUSTERING_FAILED"
	CodeDecomposition    = "DECOMPOSITION_FAILED"

	// Assignment error codes
	CodeColdClient   = "COLD_CLIENT"
	CodeUnknownGroup = "UNKNOWN_GROUP"

	// Aggregation error codes
	CodeShapeMismatch = "SHAPE_MISMATCH"
	CodeNoSolutions   = "NO_SOLUTIONS"

	// Storage error codes
	CodeStorageError     = "STORAGE_ERROR"
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeWriteFailed      = "WRITE_FAILED"
	CodeReadFailed       = "READ_FAILED"
	CodeNotFound         = "NOT_FOUND"

	// Dataset error codes
	CodeDatasetInvalid = "DATASET_INVALID"

	// Internal error codes
	CodeInternalError  = "INTERNAL_ERROR"
	CodeNotImplemented = "NOT_IMPLEMENTED"
)
