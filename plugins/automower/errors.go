package automower

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotConnected = errors.New("automower session not connected")
	ErrClosed       = errors.New("automower session closed")
	ErrUnknownMower = errors.New("unknown mower")
	ErrNoToken      = errors.New("no access token")
)

// AuthError means the provider rejected credentials or a token. It is not
// retryable without new credentials.
type AuthError struct {
	Status int
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	msg := "automower auth rejected"
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// ClientError is a 4xx other than 401. Message carries the provider's
// error detail when the body had one.
type ClientError struct {
	Status  int
	Body    string
	Message string
}

func (e *ClientError) Error() string {
	detail := e.Message
	if detail == "" {
		detail = strings.TrimSpace(e.Body)
	}
	return fmt.Sprintf("automower api error %d: %s", e.Status, detail)
}

// TransientError covers transport failures, 5xx responses and local rate
// limiting. The next poll or reconnect may succeed.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("automower api unavailable %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("automower api unavailable: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// StateError reports an operation requested in the wrong lifecycle state.
type StateError struct {
	Op    string
	State string
	Err   error
}

func (e *StateError) Error() string {
	msg := fmt.Sprintf("automower %s not allowed while %s", e.Op, e.State)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StateError) Unwrap() error { return e.Err }

// ConnectError wraps a failure of the initial mower list fetch.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("automower connect: %v", e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
