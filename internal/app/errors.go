package app

import (
	"errors"
	"fmt"
	"net/http"

	"taskboard/internal/apperr"
)

// DomainError is an error that only exists at the HTTP surface, such as a
// request made before any board was opened.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

var (
	errNoBoardOpen   = domainError(http.StatusConflict, "NO_BOARD_OPEN", "Open a project first", nil)
	errLoginDisabled = domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
)

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on code, so a copy with other details still compares equal.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && e != nil && t != nil && e.Code == t.Code
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError turns any error into the response triple. Pipeline errors keep
// their kind as code; transport failures never leak upstream messages.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message := appErr.Message
		if appErr.Kind == apperr.KindTransport {
			message = "Upstream unavailable"
		}
		return appErr.Status(), string(appErr.Kind), message, appErr.Details
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
