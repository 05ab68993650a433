// Package apperr defines the closed set of failure kinds returned by the
// race engine's core operations. Every expected failure carries a stable
// code that clients can act on; anything else is reported as INTERNAL_ERROR.
package apperr

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind groups codes by how a caller should react.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindInsufficient
	KindNotFound
	KindUnauthorized
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindInsufficient:
		return "insufficient"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	}
	return "internal"
}

// Code is the stable identifier reported to clients.
type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeSessionNotFound     Code = "SESSION_NOT_FOUND"
	CodeSessionFull         Code = "SESSION_FULL"
	CodeSessionStarted      Code = "SESSION_ALREADY_STARTED"
	CodeAlreadyInSession    Code = "ALREADY_IN_SESSION"
	CodeNoTokens            Code = "NO_TOKENS_REMAINING"
	CodeInsufficientCredits Code = "INSUFFICIENT_CREDITS"
	CodeUserNotFound        Code = "USER_NOT_FOUND"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeSessionNotActive    Code = "SESSION_NOT_ACTIVE"
	CodeNotParticipant      Code = "NOT_PARTICIPANT"
	CodeNotCreator          Code = "NOT_SESSION_CREATOR"
	CodeSessionNotCompleted Code = "SESSION_NOT_COMPLETED"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"
	CodePaymentNotRecorded  Code = "PAYMENT_NOT_RECORDED"
	CodeInternal            Code = "INTERNAL_ERROR"
)

var kinds = map[Code]Kind{
	CodeValidation:          KindValidation,
	CodeSessionNotFound:     KindNotFound,
	CodeSessionFull:         KindConflict,
	CodeSessionStarted:      KindConflict,
	CodeAlreadyInSession:    KindConflict,
	CodeNoTokens:            KindInsufficient,
	CodeInsufficientCredits: KindInsufficient,
	CodeUserNotFound:        KindNotFound,
	CodeInvalidTransition:   KindConflict,
	CodeSessionNotActive:    KindConflict,
	CodeNotParticipant:      KindForbidden,
	CodeNotCreator:          KindForbidden,
	CodeSessionNotCompleted: KindConflict,
	CodeUnauthorized:        KindUnauthorized,
	CodeForbidden:           KindForbidden,
	CodePaymentNotRecorded:  KindConflict,
	CodeInternal:            KindInternal,
}

// Error is a typed failure. Two errors match under errors.Is when their
// codes are equal, so callers can compare against the sentinels below.
type Error struct {
	Code    Code
	Message string
	// Deficit is set for INSUFFICIENT_CREDITS: how much more the user needs.
	Deficit *decimal.Decimal
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Kind returns the failure group for the error's code.
func (e *Error) Kind() Kind {
	return kinds[e.Code]
}

// Sentinels for errors.Is comparisons.
var (
	ErrSessionNotFound     = &Error{Code: CodeSessionNotFound, Message: "session not found"}
	ErrSessionFull         = &Error{Code: CodeSessionFull, Message: "session is full"}
	ErrSessionStarted      = &Error{Code: CodeSessionStarted, Message: "session already started"}
	ErrAlreadyInSession    = &Error{Code: CodeAlreadyInSession, Message: "user already joined this session"}
	ErrNoTokens            = &Error{Code: CodeNoTokens, Message: "no play tokens remaining today"}
	ErrInsufficientCredits = &Error{Code: CodeInsufficientCredits, Message: "insufficient credits"}
	ErrUserNotFound        = &Error{Code: CodeUserNotFound, Message: "user not found"}
	ErrInvalidTransition   = &Error{Code: CodeInvalidTransition, Message: "illegal session state transition"}
	ErrSessionNotActive    = &Error{Code: CodeSessionNotActive, Message: "session is not active"}
	ErrNotParticipant      = &Error{Code: CodeNotParticipant, Message: "user is not a participant"}
	ErrNotCreator          = &Error{Code: CodeNotCreator, Message: "only the session creator may do this"}
	ErrSessionNotCompleted = &Error{Code: CodeSessionNotCompleted, Message: "session is not completed"}
	ErrUnauthorized        = &Error{Code: CodeUnauthorized, Message: "authentication required"}
	ErrForbidden           = &Error{Code: CodeForbidden, Message: "operator access required"}
	ErrPaymentNotRecorded  = &Error{Code: CodePaymentNotRecorded, Message: "payment is not recorded yet, retry later"}
)

// Validation builds a VALIDATION_ERROR with a formatted message.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// InsufficientCredits reports how far short the balance is of the amount required.
func InsufficientCredits(required, balance decimal.Decimal) *Error {
	deficit := required.Sub(balance)
	return &Error{
		Code:    CodeInsufficientCredits,
		Message: fmt.Sprintf("balance %s is below required %s", balance.StringFixed(2), required.StringFixed(2)),
		Deficit: &deficit,
	}
}

// Internal wraps an unexpected failure. The message shown to clients is
// generic; the cause is kept for server-side logging.
func Internal(op string, err error) *Error {
	return &Error{Code: CodeInternal, Message: op, Err: err}
}

// From extracts an *Error from err, converting anything untyped into an
// internal error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("unexpected error", err)
}
