// Package gwerrors defines the typed error kinds the core surfaces and the
// mapping from each kind to an HTTP status and a dialect-specific error
// envelope.
package gwerrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the gateway's error kinds.
type Kind string

const (
	KindAuthMissing       Kind = "auth_missing"
	KindAuthInvalid       Kind = "auth_invalid"
	KindNoViableGroup     Kind = "no_viable_group"
	KindNoViableKey       Kind = "no_viable_key"
	KindUpstreamHTTP      Kind = "upstream_http_error"
	KindUpstreamTimeout   Kind = "upstream_timeout"
	KindUpstreamNetwork   Kind = "upstream_network"
	KindClientDisconnect  Kind = "client_disconnect"
	KindRegistryConflict  Kind = "registry_conflict"
	KindQueueFullDrop     Kind = "queue_full_drop"
	KindInvalidRequest    Kind = "invalid_request"
	KindInternal          Kind = "internal"
)

// Error is a typed gateway error carrying its kind, an optional upstream
// status code, and a human-readable message.
type Error struct {
	Kind           Kind
	UpstreamStatus int // set for KindUpstreamHTTP
	Message        string
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// UpstreamHTTP builds an upstream_http_error carrying the forwarded status.
func UpstreamHTTP(status int, message string) *Error {
	return &Error{Kind: KindUpstreamHTTP, UpstreamStatus: status, Message: message}
}

// As is a thin helper over errors.As for *Error.
func As(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// HTTPStatus returns the HTTP status code the dispatcher should write for
// this error kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuthMissing, KindAuthInvalid:
		return 401
	case KindNoViableGroup, KindInvalidRequest:
		return 400
	case KindNoViableKey, KindUpstreamNetwork:
		return 502
	case KindUpstreamTimeout:
		return 504
	case KindUpstreamHTTP:
		if e.UpstreamStatus > 0 {
			return e.UpstreamStatus
		}
		return 502
	case KindRegistryConflict:
		return 400
	case KindInternal:
		return 500
	default:
		return 500
	}
}

// ErrorType returns the dialect-neutral error "type" string used to fill in
// the dialect envelope (e.g. OpenAI's error.type, Anthropic's error.type).
func (e *Error) ErrorType() string {
	switch e.Kind {
	case KindAuthMissing, KindAuthInvalid:
		return "authentication_error"
	case KindNoViableGroup, KindInvalidRequest:
		return "invalid_request"
	case KindNoViableKey, KindUpstreamHTTP, KindUpstreamTimeout, KindUpstreamNetwork:
		return "provider_error"
	case KindInternal:
		return "server_error"
	default:
		return "server_error"
	}
}

// Dialect identifies which upstream error envelope shape to mimic when
// writing an error to the client.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic"
	DialectGemini    Dialect = "gemini"
)

// WriteHTTP writes err to w in dialect's error envelope shape, choosing the
// status code via HTTPStatus. Any error value, typed or not, is accepted;
// untyped errors are wrapped as internal.
func WriteHTTP(w http.ResponseWriter, dialect Dialect, err error) {
	ge, ok := As(err)
	if !ok {
		ge = Wrap(KindInternal, err.Error(), err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ge.HTTPStatus())

	var body interface{}
	switch dialect {
	case DialectAnthropic:
		body = map[string]interface{}{
			"type": "error",
			"error": map[string]string{
				"type":    ge.ErrorType(),
				"message": ge.Message,
			},
		}
	case DialectGemini:
		body = map[string]interface{}{
			"error": map[string]interface{}{
				"code":    ge.HTTPStatus(),
				"message": ge.Message,
				"status":  ge.ErrorType(),
			},
		}
	default: // DialectOpenAI
		body = map[string]interface{}{
			"error": map[string]string{
				"message": ge.Message,
				"type":    ge.ErrorType(),
			},
		}
	}
	_ = json.NewEncoder(w).Encode(body)
}
