package platform

import "fmt"

// Error preserves the platform's original error code and message verbatim.
// It is stored in results unchanged and never summarized away.
type Error struct {
	Code       string
	Message    string
	HTTPStatus int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a platform error with the given status code.
func NewError(code, message string, httpStatus int) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: httpStatus}
}
