package upstream

import (
	"errors"
	"fmt"
)

// maxErrorDetail caps the body excerpt carried inside a StatusError so a
// large upstream error page cannot blow up a tool result.
const maxErrorDetail = 500

// AuthError reports a failed credential exchange against the upstream login
// endpoint, or a well-formed login response that did not carry a bearer
// token.
type AuthError struct {
	Detail string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("login_failed: %s", e.Detail)
}

// StatusError reports a non-2xx upstream response. Body holds at most
// maxErrorDetail bytes of the response body.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.StatusCode, e.Body)
}

// TransportError reports a network-level failure reaching upstream:
// connection refused, timeout, DNS failure.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UnexpectedError wraps any other failure during an upstream call. The tool
// boundary must always receive a structured result, so everything that is
// not one of the taxonomy types above ends up here.
type UnexpectedError struct {
	Err error
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("unexpected error: %v", e.Err)
}

func (e *UnexpectedError) Unwrap() error { return e.Err }

// Describe maps an error from this package (or anywhere below the tool
// boundary) to a short machine-readable code and a human-readable detail,
// the pair serialized into tool error results.
func Describe(err error) (code, detail string) {
	var (
		authErr      *AuthError
		statusErr    *StatusError
		transportErr *TransportError
	)
	switch {
	case errors.As(err, &authErr):
		return "login_failed", authErr.Detail
	case errors.As(err, &statusErr):
		return fmt.Sprintf("api_status_%d", statusErr.StatusCode), statusErr.Body
	case errors.As(err, &transportErr):
		return "request_failed", transportErr.Err.Error()
	default:
		return "unexpected_error", truncateDetail(err.Error())
	}
}

func truncateDetail(s string) string {
	if len(s) > maxErrorDetail {
		return s[:maxErrorDetail]
	}
	return s
}
