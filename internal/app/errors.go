package app

import (
	"fmt"
	"net/http"
)

const (
	CodeAuthorization = "AUTHORIZATION_ERROR"
	CodeValidation    = "VALIDATION_ERROR"
	CodeStateConflict = "STATE_CONFLICT"
	CodeNotFound      = "NOT_FOUND"
)

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

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// FieldError is one entry of a VALIDATION_ERROR's details.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type fieldErrors []FieldError

func (f *fieldErrors) add(field, message string) {
	*f = append(*f, FieldError{Field: field, Message: message})
}

// err returns nil when nothing was collected.
func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	return validationFailed(f)
}

func unauthorized(message string) *DomainError {
	return domainError(http.StatusUnauthorized, CodeAuthorization, message, nil)
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, CodeAuthorization, message, nil)
}

func validationFailed(fields []FieldError) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, "Validation failed", fields)
}

func stateConflict(message string) *DomainError {
	return domainError(http.StatusConflict, CodeStateConflict, message, nil)
}

func notFound(what string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, what+" not found", nil)
}
