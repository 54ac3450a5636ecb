package chat

import (
	"errors"
	"fmt"
)

var ErrNotRegistered = errors.New("user not registered")

// RegistrationError means the local identity could not be published.
type RegistrationError struct {
	Username string
	Err      error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register user %q: %v", e.Username, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// UsageError is a malformed interactive command. It is never fatal.
type UsageError struct {
	Command string
	Usage   string
}

func (e *UsageError) Error() string {
	return e.Usage
}

// TransportError wraps a failure of the underlying pub/sub plumbing.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
