package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"secondbrain/api/internal/auth"
)

// DomainError is the JSON error body of the room API together with its
// HTTP status. Handlers write only DomainErrors; anything else goes through
// asDomainError first.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches by code, so errors.Is(err, errNotFound) also holds for a
// not-found error that carries details.
func (e *DomainError) Is(target error) bool {
	other, ok := target.(*DomainError)
	return ok && e != nil && other != nil && e.Code == other.Code
}

var (
	errUnauthorized        = &DomainError{Status: http.StatusUnauthorized, Code: "UNAUTHORIZED", Message: "Unauthorized"}
	errForbidden           = &DomainError{Status: http.StatusForbidden, Code: "FORBIDDEN", Message: "Forbidden"}
	errNotFound            = &DomainError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "Not found"}
	errMethodNotAllowed    = &DomainError{Status: http.StatusMethodNotAllowed, Code: "METHOD_NOT_ALLOWED", Message: "Method not allowed"}
	errPersistenceDisabled = &DomainError{Status: http.StatusServiceUnavailable, Code: "PERSISTENCE_DISABLED", Message: "No database configured"}
	errTimeout             = &DomainError{Status: http.StatusGatewayTimeout, Code: "TIMEOUT", Message: "Request timed out"}
	errServer              = &DomainError{Status: http.StatusInternalServerError, Code: "SERVER_ERROR", Message: "Server error"}
)

func invalidLimit() *DomainError {
	return &DomainError{Status: http.StatusBadRequest, Code: "INVALID_LIMIT", Message: "limit must be a non-negative integer"}
}

func noEditsRecorded(resourceType, resourceID string) *DomainError {
	return &DomainError{
		Status:  http.StatusNotFound,
		Code:    errNotFound.Code,
		Message: "No edits recorded for resource",
		Details: map[string]string{"resource_type": resourceType, "resource_id": resourceID},
	}
}

// asDomainError maps token and deadline failures to their client-facing
// errors. Anything unrecognised becomes errServer.
func asDomainError(err error) *DomainError {
	var domainErr *DomainError
	switch {
	case errors.As(err, &domainErr):
		return domainErr
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return errUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return errTimeout
	default:
		return errServer
	}
}
