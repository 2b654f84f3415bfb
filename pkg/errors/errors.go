// Package errors carries coded, optionally reasoned errors from the domain
// services to the HTTP layer.
package errors

import (
	stdErrors "errors"
	"fmt"
)

type Error struct {
	code    Code
	reason  Reason
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Reject builds an error for a request refused by a named business rule.
func Reject(code Code, reason Reason, message string) *Error {
	return &Error{code: code, reason: reason, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Reason() Reason {
	if e == nil {
		return ""
	}
	return e.reason
}

func (e *Error) WithReason(reason Reason) *Error {
	if e != nil {
		e.reason = reason
	}
	return e
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e != nil {
		e.details = details
	}
	return e
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.reason != "":
		return fmt.Sprintf("%s(%s): %s", e.code, e.reason, e.message)
	default:
		return fmt.Sprintf("%s: %s", e.code, e.message)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As returns the outermost *Error in err's chain.
func As(err error) *Error {
	var typed *Error
	if err != nil && stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsCode reports whether the outermost typed error has the given code.
func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}

// IsReason reports whether err carries the given reason anywhere in its chain.
func IsReason(err error, reason Reason) bool {
	found := false
	walkTyped(err, func(typed *Error) bool {
		found = typed.reason == reason
		return !found
	})
	return found
}

// ReasonOf returns the first reason found in err's chain.
func ReasonOf(err error) Reason {
	var reason Reason
	walkTyped(err, func(typed *Error) bool {
		reason = typed.reason
		return reason == ""
	})
	return reason
}

// walkTyped visits each *Error from the outside in until visit returns false.
func walkTyped(err error, visit func(*Error) bool) {
	for typed := As(err); typed != nil; typed = As(typed.cause) {
		if !visit(typed) {
			return
		}
	}
}
