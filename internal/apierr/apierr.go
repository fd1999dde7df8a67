// Package apierr implements the client/server error distinction from
// the error-handling taxonomy (§7): a handler either returns a value,
// or fails with a ClientError (the rejection is not a bug and its
// message is safe to show) or a plain error (logged in full, reported
// to the caller only as a generic internal-error message).
package apierr

import "fmt"

// ClientError is a request-level rejection with an explicit HTTP/WS
// status and a message safe to return to the caller.
type ClientError struct {
	Status  int
	Message string
}

func (e *ClientError) Error() string { return e.Message }

// NewClientError builds a ClientError with status (default 400 if 0).
func NewClientError(status int, format string, args ...any) *ClientError {
	if status == 0 {
		status = 400
	}
	return &ClientError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// BusinessReject builds the 422 "transaction rejected by the
// processor" class of error (§7.3).
func BusinessReject(message string) *ClientError {
	return &ClientError{Status: 422, Message: message}
}

// Unauthorized builds the 401 class of error used by the metrics verb
// on a bad bearer token.
func Unauthorized(message string) *ClientError {
	return &ClientError{Status: 401, Message: message}
}

// AsClientError reports whether err is a *ClientError, unwrapping it
// for the caller.
func AsClientError(err error) (*ClientError, bool) {
	ce, ok := err.(*ClientError)
	return ce, ok
}

// Internal marks err as a server-side failure: the taxonomy's class 4.
// It is distinct from ClientError purely by not being one; Internal
// exists so call sites can be explicit about intent.
func Internal(err error) error { return err }
