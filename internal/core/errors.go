package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrBotNotConfigured   = errors.New("bot not configured")
)

// UpstreamError is a non-success reply from the generative API.
type UpstreamError struct {
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
