package preview

import "errors"

var (
	// ErrNotFound covers unknown tokens and grants whose target is gone.
	ErrNotFound = errors.New("preview not found")
	// ErrExpired is returned for grants past their expiry.
	ErrExpired = errors.New("preview expired")
	// ErrForbidden is returned when the caller may not manage a grant.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError reports bad input to a grant management call.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(msg string) error {
	return &ValidationError{Message: msg}
}
