package streamlabs

import (
	"errors"
	"fmt"
)

// ErrInvalidState is returned when a callback presents an OAuth state that
// was never issued, already consumed, or expired.
var ErrInvalidState = errors.New("invalid or expired OAuth state")

// ConfigError reports missing credentials or a missing credential store.
// Handlers surface it as 503 since it persists until an operator fixes the
// deployment.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return e.Reason
}

// BadRequestError reports malformed callback parameters.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string {
	return e.Reason
}

// UpstreamError carries the HTTP status and best-effort message from a failed
// provider call. Status 504 marks a timed-out request.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return e.Message
}

// Unauthorized reports whether the provider rejected the access token, which
// is the only failure class eligible for the refresh-and-retry path.
func (e *UpstreamError) Unauthorized() bool {
	return e.Status == 401
}

// AccountMismatchError is returned when the connecting account's username
// does not match the configured expected account.
type AccountMismatchError struct {
	Expected string
	Actual   string
}

func (e *AccountMismatchError) Error() string {
	return fmt.Sprintf("connected account %q does not match expected %q", e.Actual, e.Expected)
}
