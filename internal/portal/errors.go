package portal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a portal error by where it came from.
type Kind string

const (
	// KindTransport covers timeouts, unreachable hosts, reset connections and
	// gateways that could not reach the backend.
	KindTransport Kind = "transport"
	// KindApplication covers requests the backend understood and refused.
	KindApplication Kind = "application"
	// KindProtocol covers responses that could not be decoded.
	KindProtocol Kind = "protocol"
)

// Code refines application errors.
type Code string

const (
	CodeValidation       Code = "validation"
	CodeUnauthenticated  Code = "unauthenticated"
	CodePermissionDenied Code = "permission_denied"
	CodeNotFound         Code = "not_found"
	CodeConflict         Code = "conflict"
	CodeServer           Code = "server"
)

// Error is returned by every Client method.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("portal %s: %s (%s, status %d)", e.Op, msg, e.Kind, e.Status)
	}
	return fmt.Sprintf("portal %s: %s (%s)", e.Op, msg, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func kindOf(err error) (Kind, Code, bool) {
	var pe *Error
	if !errors.As(err, &pe) {
		return "", "", false
	}
	return pe.Kind, pe.Code, true
}

// IsTransport reports whether err is a connectivity failure.
func IsTransport(err error) bool {
	k, _, ok := kindOf(err)
	return ok && k == KindTransport
}

// IsApplication reports whether the backend refused the request.
func IsApplication(err error) bool {
	k, _, ok := kindOf(err)
	return ok && k == KindApplication
}

// IsProtocol reports whether a response could not be decoded.
func IsProtocol(err error) bool {
	k, _, ok := kindOf(err)
	return ok && k == KindProtocol
}

// IsNotFound reports whether the backend answered 404.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// CodeOf returns the application code of err, or "".
func CodeOf(err error) Code {
	_, c, _ := kindOf(err)
	return c
}

type errorBody struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
}

// statusError builds the error for a non-2xx response.
func statusError(op string, status int, body []byte) *Error {
	e := &Error{Kind: KindApplication, Op: op, Status: status, Message: http.StatusText(status)}

	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		switch {
		case eb.Message != "":
			e.Message = eb.Message
		case len(eb.Detail) > 0:
			var s string
			if json.Unmarshal(eb.Detail, &s) == nil {
				e.Message = s
			} else {
				e.Message = string(eb.Detail)
			}
		}
	}

	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e.Code = CodeValidation
	case status == http.StatusUnauthorized:
		e.Code = CodeUnauthenticated
	case status == http.StatusForbidden:
		e.Code = CodePermissionDenied
	case status == http.StatusNotFound:
		e.Code = CodeNotFound
	case status == http.StatusConflict:
		e.Code = CodeConflict
	case status == http.StatusTooManyRequests,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		e.Kind = KindTransport
	default:
		e.Code = CodeServer
	}
	return e
}
