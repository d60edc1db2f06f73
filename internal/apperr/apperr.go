// Package apperr defines the error taxonomy shared by the validation gate,
// the rate limiter, the retry executor and the authoritative rule layer.
//
// Every error that can reach a user is an *Error tagged with a Kind. Remote
// failures arrive as status errors carrying one code of a fixed set and are
// converted into a Kind once, at the adapter boundary (FromRemote), so the
// retry executor never inspects message text.
package apperr

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an error by how callers must react to it.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindPermission
	KindRateLimit
	KindTransient
	KindConflict
	KindNotFound
	KindUnauthenticated
)

var kindNames = map[Kind]string{
	KindInternal:        "internal",
	KindValidation:      "validation",
	KindPermission:      "permission",
	KindRateLimit:       "rate_limit",
	KindTransient:       "transient",
	KindConflict:        "conflict",
	KindNotFound:        "not_found",
	KindUnauthenticated: "unauthenticated",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified, user-displayable failure.
type Error struct {
	Kind       Kind
	Code       codes.Code
	Message    string
	Remedy     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// GRPCStatus lets classified errors travel through the document store
// boundary unchanged: status.FromError recognises them.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}

// ErrNetwork marks a failure the caller identified as a network problem
// (connection refused, reset, DNS) rather than a server response.
var ErrNetwork = errors.New("network failure")

// Validation reports malformed or out-of-range input.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Code: codes.InvalidArgument, Message: message}
}

// Validationf formats a validation message.
func Validationf(format string, args ...any) *Error {
	return Validation(fmt.Sprintf(format, args...))
}

// Permission reports a failed authorization predicate. action completes the
// sentence "You do not have permission to ...".
func Permission(action string) *Error {
	return &Error{
		Kind:    KindPermission,
		Code:    codes.PermissionDenied,
		Message: fmt.Sprintf("You do not have permission to %s.", action),
		Remedy:  "Ask the owner for access.",
	}
}

// RateLimited reports a quota or minimum-interval violation.
func RateLimited(action string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Code:       codes.ResourceExhausted,
		Message:    fmt.Sprintf("You are %s too often. Try again in %s.", action, HumanDuration(retryAfter)),
		Remedy:     "Wait for the timer to finish before trying again.",
		RetryAfter: retryAfter,
	}
}

// Conflict reports a duplicate or already-existing state.
func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Code: codes.AlreadyExists, Message: message}
}

// NotFound reports a missing document.
func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Code: codes.NotFound, Message: fmt.Sprintf("The %s could not be found.", what)}
}

// Unauthenticated reports a missing or invalid caller identity.
func Unauthenticated() *Error {
	return &Error{
		Kind:    KindUnauthenticated,
		Code:    codes.Unauthenticated,
		Message: "You need to sign in to do that.",
		Remedy:  "Sign in and try again.",
	}
}

// InvalidCredentials reports a failed sign-in without revealing which part
// was wrong.
func InvalidCredentials() *Error {
	return &Error{
		Kind:    KindUnauthenticated,
		Code:    codes.Unauthenticated,
		Message: "That email and password do not match.",
		Remedy:  "Check your details and try again.",
	}
}

// Transient wraps a failure that may succeed when retried unchanged.
func Transient(code codes.Code, err error) *Error {
	return &Error{
		Kind:    KindTransient,
		Code:    code,
		Message: "The service is temporarily unavailable.",
		Remedy:  "Tap retry in a moment.",
		Err:     err,
	}
}

// Internal wraps an unexpected failure.
func Internal(err error) *Error {
	return &Error{
		Kind:    KindInternal,
		Code:    codes.Internal,
		Message: "Something went wrong.",
		Remedy:  "Try again later.",
		Err:     err,
	}
}

// KindOf returns the Kind of err, classifying remote errors on the way.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	return FromRemote(err).Kind
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err is transient.
func Retryable(err error) bool {
	return Is(err, KindTransient)
}
