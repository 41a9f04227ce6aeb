package auth

import "errors"

// AuthError means no usable identity was presented. Maps to 401.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

// PermissionError means the identity is known but lacks a role,
// permission, feature or organization context. Maps to 403.
type PermissionError struct {
	Message string
}

func (e *PermissionError) Error() string {
	return e.Message
}

// NewAuthError creates an AuthError with the given message
func NewAuthError(msg string) *AuthError {
	return &AuthError{Message: msg}
}

// NewPermissionError creates a PermissionError with the given message
func NewPermissionError(msg string) *PermissionError {
	return &PermissionError{Message: msg}
}

// ErrAuthenticationRequired is returned by every gate when no identity is present
func ErrAuthenticationRequired() *AuthError {
	return NewAuthError("Authentication required")
}

// ErrOrganizationRequired is returned when a gate needs an organization id and none was resolved
func ErrOrganizationRequired() *PermissionError {
	return NewPermissionError("Organization context required")
}

// IsAuthError reports whether err is (or wraps) an AuthError
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsPermissionError reports whether err is (or wraps) a PermissionError
func IsPermissionError(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}
