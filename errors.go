package medauthz

import (
	"errors"
	"fmt"
)

// ErrKind classifies authorization failures so callers can branch on the
// class of error without string matching.
type ErrKind string

const (
	ErrDatabase               ErrKind = "database"
	ErrValidation             ErrKind = "validation"
	ErrStorage                ErrKind = "storage"
	ErrAccessDenied           ErrKind = "access_denied"
	ErrResourceNotFound       ErrKind = "resource_not_found"
	ErrInvalidPermissions     ErrKind = "invalid_permissions"
	ErrConfiguration          ErrKind = "configuration"
	ErrAuthenticationRequired ErrKind = "authentication_required"
	ErrEngine                 ErrKind = "engine"
	ErrPolicyEvaluation       ErrKind = "policy_evaluation"
	ErrRelationshipResolution ErrKind = "relationship_resolution"
	ErrContextValidation      ErrKind = "context_validation"
	ErrMaxDepthExceeded       ErrKind = "max_depth_exceeded"
	ErrCircularDependency     ErrKind = "circular_dependency"
)

// AuthError is the error type returned by all engine and store operations.
type AuthError struct {
	Kind    ErrKind
	Message string
	Cause   error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// Is matches another AuthError by kind, so sentinel comparisons like
// errors.Is(err, &AuthError{Kind: ErrCircularDependency}) work.
func (e *AuthError) Is(target error) bool {
	var other *AuthError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && (other.Message == "" || other.Message == e.Message)
}

// KindOf extracts the error kind, or "" for non-AuthError values.
func KindOf(err error) ErrKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

func newError(kind ErrKind, msg string) *AuthError {
	return &AuthError{Kind: kind, Message: msg}
}

func wrapError(kind ErrKind, msg string, cause error) *AuthError {
	return &AuthError{Kind: kind, Message: msg, Cause: cause}
}

func NewValidationError(msg string) *AuthError { return newError(ErrValidation, msg) }

func NewContextValidationError(msg string) *AuthError { return newError(ErrContextValidation, msg) }

func NewAccessDeniedError(msg string) *AuthError { return newError(ErrAccessDenied, msg) }

func NewStorageError(msg string, cause error) *AuthError { return wrapError(ErrStorage, msg, cause) }

func NewDatabaseError(msg string, cause error) *AuthError { return wrapError(ErrDatabase, msg, cause) }

func NewConfigurationError(msg string) *AuthError { return newError(ErrConfiguration, msg) }

func NewPolicyEvaluationError(msg string, cause error) *AuthError {
	return wrapError(ErrPolicyEvaluation, msg, cause)
}

func NewRelationshipResolutionError(msg string, cause error) *AuthError {
	return wrapError(ErrRelationshipResolution, msg, cause)
}

func NewMaxDepthExceededError(depth int) *AuthError {
	return newError(ErrMaxDepthExceeded, fmt.Sprintf("relation resolution exceeded max depth %d", depth))
}

func NewCircularDependencyError(key string) *AuthError {
	return newError(ErrCircularDependency, fmt.Sprintf("circular relation dependency at %s", key))
}
