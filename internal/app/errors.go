package app

import "fmt"

// DomainError is a request-level failure surfaced to the embedding host:
// an HTTP status, a stable machine-readable code, and a human message.
// Details optionally carries per-field errors.
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
