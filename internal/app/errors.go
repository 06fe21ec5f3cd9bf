package app

import "fmt"

// DomainError is an error with a fixed HTTP rendering. Details, when set,
// is written next to the code and message, for example the rejected fields
// of a validation failure or the capability a role lacks.
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
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}
