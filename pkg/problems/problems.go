package problems

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// Kind is the stable, machine-readable failure category surfaced to callers.
type Kind string

const (
	InvalidPayload     Kind = "invalid-payload"
	InvalidSignature   Kind = "invalid-signature"
	TokenExpired       Kind = "token-expired"
	NotAuthorized      Kind = "not-authorized"
	InvalidMethod      Kind = "invalid-method"
	InvalidBody        Kind = "invalid-body"
	APIFailure         Kind = "api-failure"
	StoreFailure       Kind = "store-failure"
	DiscoveryFailure   Kind = "discovery-failure"
	UnsupportedRelease Kind = "unsupported-release"
	Internal           Kind = "internal"
)

// Error carries a Kind plus a human-readable message. Err is the wrapped cause
// and is never rendered to clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the Kind from err, or Internal when err carries none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Status maps a Kind to its HTTP status code.
func Status(kind Kind) int {
	switch kind {
	case InvalidPayload, InvalidMethod, InvalidBody:
		return http.StatusBadRequest
	case InvalidSignature, TokenExpired:
		return http.StatusUnauthorized
	case NotAuthorized:
		return http.StatusForbidden
	case UnsupportedRelease:
		return http.StatusUnprocessableEntity
	case APIFailure, DiscoveryFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON shape of a failure response.
type Body struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// Write renders err as {kind, message}. Errors without a Kind become a generic
// internal failure so raw causes never leak.
func Write(w http.ResponseWriter, err error) {
	WriteStatus(w, 0, err)
}

// WriteStatus is Write with an explicit status; 0 derives it from the Kind.
func WriteStatus(w http.ResponseWriter, status int, err error) {
	var pe *Error
	body := Body{Kind: Internal, Message: "internal error"}
	if errors.As(err, &pe) {
		body.Kind = pe.Kind
		body.Message = pe.Message
	}
	body.Type = Type(string(body.Kind))
	w.Header().Set("Content-Type", "application/json")
	if status == 0 {
		status = Status(body.Kind)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Base returns the base URL for problem type identifiers.
// Order of precedence:
// 1. PROBLEM_BASE_URL (exact base, e.g. https://mydomain.com/problems)
// 2. BASE_PUBLIC_URL + "/problems" (if set)
// 3. https://example.com/problems (fallback)
func Base() string {
	if b := os.Getenv("PROBLEM_BASE_URL"); b != "" {
		return strings.TrimRight(b, "/")
	}
	if b := os.Getenv("BASE_PUBLIC_URL"); b != "" {
		return strings.TrimRight(b, "/") + "/problems"
	}
	return "https://example.com/problems"
}

// Type builds a full problem type URL for the given slug.
func Type(slug string) string { return Base() + "/" + slug }
