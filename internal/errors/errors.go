// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package errors is net-relay's error type: every internal error carries
// a Kind (so callers can branch on category without string matching),
// an underlying cause, and an optional attribute bag for structured
// logging. It wraps the standard errors package rather than replacing
// it — Is/As/Unwrap all delegate straight through.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to react differently
// to, say, a validation failure versus a conflict or an internal bug.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindValidation
	KindNotFound
	KindPermission
	KindConflict
	KindUnavailable
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is net-relay's structured error value: a category, a
// human-readable message, an optional cause, and an optional set of
// key/value attributes for the log line that reports it.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// Unwrap lets errors.Is/errors.As see through to the underlying cause.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New builds a bare Error of kind with no underlying cause.
func New(kind Kind, msg string) error {
	return &Error{
		Kind:    kind,
		Message: msg,
	}
}

// Errorf is New with fmt.Sprintf-style formatting.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap attaches kind and a message to err, preserving err as the cause.
// Returns nil if err is nil, so call sites can do
// `return errors.Wrap(err, ...)` unconditionally.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    msg,
		Underlying: err,
	}
}

// Wrapf is Wrap with fmt.Sprintf-style formatting.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		Underlying: err,
	}
}

// Attr annotates err with a key/value pair for structured logging. If
// err isn't already an *Error, it's first wrapped as KindInternal so
// the attribute has somewhere to live.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		e = &Error{
			Kind:       KindInternal,
			Message:    err.Error(),
			Underlying: err,
		}
	}

	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
	return e
}

// GetKind returns the Kind carried by err, or KindUnknown if err's chain
// contains no *Error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetAttributes walks err's chain and merges every *Error's attributes,
// with the outermost value for a key winning over values set for the
// same key further down the chain.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	var e *Error

	cur := err
	for cur != nil {
		if !errors.As(cur, &e) {
			break
		}
		for k, v := range e.Attributes {
			if _, ok := attrs[k]; !ok {
				attrs[k] = v
			}
		}
		cur = e.Underlying
	}

	return attrs
}

// Is delegates to the standard library's errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As delegates to the standard library's errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap delegates to the standard library's errors.Unwrap.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}
