package service

import (
	"errors"
	"fmt"
)

// ValidationError reports missing or malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NotFoundError covers unknown users and invalid codes or tickets. Message is
// safe to show to the caller; Remaining is the number of attempts left on the
// endpoint that counted the failure, or -1 when nothing was counted.
type NotFoundError struct {
	Resource  string
	Message   string
	Remaining int
}

func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Resource + " not found"
}

// Is matches any NotFoundError for the same resource, so the sentinels below
// work with errors.Is whatever the message.
func (e *NotFoundError) Is(target error) bool {
	t, ok := target.(*NotFoundError)
	return ok && t.Resource == e.Resource
}

var (
	ErrUserNotFound       = &NotFoundError{Resource: "user", Remaining: -1}
	ErrTokenNotFound      = &NotFoundError{Resource: "token", Remaining: -1}
	ErrResetTicketInvalid = &NotFoundError{Resource: "reset_ticket", Remaining: -1}
)

// RateLimitedError is returned while an identifier is locked out of an endpoint.
type RateLimitedError struct {
	Endpoint string
	Minutes  int
	Message  string
}

func (e *RateLimitedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("too many attempts, try again in %d minutes", e.Minutes)
}

// DependencyError wraps a storage, notifier or signing failure.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

func dependency(op string, err error) error {
	var dep *DependencyError
	if errors.As(err, &dep) {
		return err
	}
	return &DependencyError{Op: op, Err: err}
}
