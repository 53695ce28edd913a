// Package fault defines the closed set of failure kinds shared by every
// layer of the fabric.
//
// A Kind is itself an error so callers can match with errors.Is:
//
//	if errors.Is(err, fault.NoRule) { ... }
package fault

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	Unknown Kind = iota
	InvalidTriad
	NoRule
	TapeInvariant
	BudgetExceeded
	Cancelled
	Deadline
	Aborted
	Saturated
	NotExecutor
	UnknownProgram
	Undeliverable
	TransportFailure
	MembershipStale
	Io
	Serialization

	maxKind
)

var kindNames = [...]string{
	Unknown:          "Unknown",
	InvalidTriad:     "InvalidTriad",
	NoRule:           "NoRule",
	TapeInvariant:    "TapeInvariant",
	BudgetExceeded:   "BudgetExceeded",
	Cancelled:        "Cancelled",
	Deadline:         "Deadline",
	Aborted:          "Aborted",
	Saturated:        "Saturated",
	NotExecutor:      "NotExecutor",
	UnknownProgram:   "UnknownProgram",
	Undeliverable:    "Undeliverable",
	TransportFailure: "TransportFailure",
	MembershipStale:  "MembershipStale",
	Io:               "Io",
	Serialization:    "Serialization",
}

func (k Kind) String() string {
	if k >= maxKind {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return kindNames[k]
}

func (k Kind) Error() string {
	return "contained: " + k.String()
}

// Valid reports whether k belongs to the closed set.
func (k Kind) Valid() bool {
	return k > Unknown && k < maxKind
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), true
		}
	}
	return Unknown, false
}

// Error is a structured failure: a kind tag, a human-readable message
// and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return e.Kind.Error()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Err)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Kind.Error(), e.Msg, e.Err)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf extracts the kind carried by err, or Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var ferr *Error
	if errors.As(err, &ferr) {
		return ferr.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Unknown
}

// Of returns KindOf(err), falling back to def when err carries no kind.
func Of(err error, def Kind) Kind {
	if k := KindOf(err); k != Unknown {
		return k
	}
	return def
}

// Message returns the human readable part of err without the kind prefix
// when err is a *Error.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var ferr *Error
	if errors.As(err, &ferr) {
		if ferr.Err != nil && ferr.Msg != "" {
			return ferr.Msg + ": " + ferr.Err.Error()
		}
		if ferr.Err != nil {
			return ferr.Err.Error()
		}
		return ferr.Msg
	}
	return err.Error()
}
