// Package hosterr defines the closed set of error kinds the runtime host
// can return, per spec.md §7.
package hosterr

import (
	"errors"
	"fmt"
)

// Kind is one of the fatal error categories a top-level call can end in.
type Kind string

const (
	// KindInvalidData is a failure to (de)serialize a wire payload.
	KindInvalidData Kind = "invalid_data"
	// KindTrap means the guest WASM trapped, including host-induced traps
	// carrying a human-readable message.
	KindTrap Kind = "trap"
	// KindWasmi is an engine-level load/instantiate error.
	KindWasmi Kind = "wasmi"
	// KindMethodNotFound means the native dispatcher has no entry for the
	// requested method name.
	KindMethodNotFound Kind = "method_not_found"
	// KindInvalidCode means the bytes cached under "code" do not parse or
	// instantiate.
	KindInvalidCode Kind = "invalid_code"
	// KindVersionInvalid means there is no Core_version export, or it did
	// not decode.
	KindVersionInvalid Kind = "version_invalid"
	// KindExternalities is reserved for future externalities failures.
	KindExternalities Kind = "externalities"
	// KindInvalidIndex is an engine-contract violation: bad dispatch index.
	KindInvalidIndex Kind = "invalid_index"
	// KindInvalidReturn is an engine-contract violation: bad return shape.
	KindInvalidReturn Kind = "invalid_return"
	// KindInvalidMemoryReference is an engine-contract violation: a memory
	// reference outside of guest linear memory.
	KindInvalidMemoryReference Kind = "invalid_memory_reference"
	// KindRuntime is a generic fatal runtime error, including caught panics
	// from native code and allocator failures.
	KindRuntime Kind = "runtime"
)

// Error is the error type returned by every fallible operation in this
// module. It carries a Kind for errors.Is-style matching plus an optional
// wrapped cause and, for KindInvalidCode, the offending code bytes.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Code holds the offending bytes when Kind == KindInvalidCode, so
	// callers can diagnose why a module failed to compile or instantiate.
	Code []byte
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, hosterr.Kind(...)) style checks work by comparing
// Kind to a sentinel *Error constructed with Sentinel(kind).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind, wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithCode attaches the offending code bytes to a KindInvalidCode error.
func WithCode(kind Kind, message string, code []byte) *Error {
	return &Error{Kind: kind, Message: message, Code: code}
}

// Sentinel returns a zero-cause *Error of kind, suitable as an errors.Is
// target: errors.Is(err, hosterr.Sentinel(hosterr.KindTrap)).
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }
