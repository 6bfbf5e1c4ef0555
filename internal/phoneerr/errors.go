package phoneerr

import (
	"errors"
	"fmt"
)

// Domain groups error codes by the layer that produced them.
type Domain string

const (
	DomainServices  Domain = "services"
	DomainTransport Domain = "transport"
	DomainHTTP      Domain = "http"
)

// Service codes reported by the signaling layer.
const (
	CodeGeneric        = 31000
	CodeAppNotFound    = 31001
	CodeDeclined       = 31002
	CodeTimeout        = 31003
	CodeMalformed      = 31100
	CodeAuthorization  = 31201
	CodeInvalidJWT     = 31204
	CodeTransportError = 31009
)

// HTTP codes reported by the long-poll transport.
const (
	CodeBadResponseHeaders = iota + 1
	CodeBadChunkSize
	CodeBadURLScheme
	CodeConnectFailed
	CodeStatus
)

// Error is a coded error surfaced to delegates.
type Error struct {
	Domain  Domain
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %d: %s: %v", e.Domain, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %d: %s", e.Domain, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an Error without a cause.
func New(domain Domain, code int, msg string) *Error {
	return &Error{Domain: domain, Code: code, Message: msg}
}

// Wrap returns an Error carrying err as its cause.
func Wrap(domain Domain, code int, msg string, err error) *Error {
	return &Error{Domain: domain, Code: code, Message: msg, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or 0.
func CodeOf(err error) int {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}

// HasCode reports whether err carries the given domain and code.
func HasCode(err error, domain Domain, code int) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Domain == domain && pe.Code == code
}

// FromSIPStatus maps a final SIP failure status onto a service error.
func FromSIPStatus(status int, reason string) *Error {
	msg := fmt.Sprintf("%d %s", status, reason)
	switch status {
	case 401, 403, 407:
		return New(DomainServices, CodeAuthorization, msg)
	case 404:
		return New(DomainServices, CodeAppNotFound, msg)
	case 486, 600, 603:
		return New(DomainServices, CodeDeclined, msg)
	case 408, 480:
		return New(DomainServices, CodeTimeout, msg)
	case 400, 488:
		return New(DomainServices, CodeMalformed, msg)
	default:
		return New(DomainServices, CodeGeneric, msg)
	}
}
