package dispatcher

import (
	"errors"
	"net/http"
)

// Kind classifies dispatcher errors.
type Kind string

const (
	KindGrammar             Kind = "GrammarError"
	KindAuthorizationDenied Kind = "AuthorizationDenied"
	KindRateLimitExceeded   Kind = "RateLimitExceeded"
	KindValidation          Kind = "ValidationError"
	KindAuthentication      Kind = "AuthenticationError"
	KindNotConnected        Kind = "NotConnected"
	KindUnavailable         Kind = "Unavailable"
)

// Error is the error type every dispatcher operation returns.
type Error struct {
	Kind    Kind
	Message string
	Details []string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is. A target carrying a message also has to match it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Sentinels for errors.Is.
var (
	ErrGrammar             = &Error{Kind: KindGrammar}
	ErrAuthorizationDenied = &Error{Kind: KindAuthorizationDenied}
	ErrRateLimitExceeded   = &Error{Kind: KindRateLimitExceeded}
	ErrValidation          = &Error{Kind: KindValidation}
	ErrAuthentication      = &Error{Kind: KindAuthentication}
	ErrNotConnected        = &Error{Kind: KindNotConnected}
	ErrUnavailable         = &Error{Kind: KindUnavailable}
)

// NewError builds an *Error.
func NewError(kind Kind, message string, details ...string) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps an error to the status code the HTTP API answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindGrammar, KindValidation:
		return http.StatusBadRequest
	case KindAuthorizationDenied:
		return http.StatusForbidden
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindAuthentication, KindNotConnected:
		return http.StatusUnauthorized
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody is the inner object of an ErrorPayload.
type ErrorBody struct {
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
	Kind    Kind     `json:"kind,omitempty"`
}

// ErrorPayload is sent to the originating connection when an operation fails.
type ErrorPayload struct {
	Error ErrorBody `json:"error"`
}

// NewErrorPayload renders err for a client. Errors that are not *Error are
// reported with a generic message.
func NewErrorPayload(err error) ErrorPayload {
	var e *Error
	if errors.As(err, &e) {
		return ErrorPayload{Error: ErrorBody{Message: e.Error(), Details: e.Details, Kind: e.Kind}}
	}
	return ErrorPayload{Error: ErrorBody{Message: "internal error"}}
}
