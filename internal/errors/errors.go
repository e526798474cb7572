// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package errors defines the error type and functions used by
// fairrun and its internal packages.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error is the type that implements the error interface.
// It contains a number of fields, each of which describes an aspect of the error.
type Error struct {
	Code Code
	Op   Op
	Err  error
}

func (e *Error) DebugString() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(string(e.Op))
	}
	if e.Code != Unspecified {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Code.String())
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Code != Unspecified {
		b.WriteString(e.Code.String())
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Code defines the canonical error code describing the nature of a given error.
type Code uint8

// List of canonical error codes.
const (
	Unspecified Code = iota
	NotFound
	FailedPrecondition
	Internal
	AlreadyExists
	Unknown
	Canceled
)

func (c Code) String() string {
	switch c {
	case NotFound:
		return "NOT_FOUND"
	case FailedPrecondition:
		return "FAILED_PRECONDITION"
	case Internal:
		return "INTERNAL_ERROR"
	case AlreadyExists:
		return "ALREADY_EXISTS"
	case Unknown:
		return "UNKNOWN"
	case Canceled:
		return "CANCELED"
	case Unspecified:
		return "ERROR_CODE_UNSPECIFIED"
	}
	panic(fmt.Sprintf("unknown error code %d", c))
}

// Op describes an operation, usually as the package and method,
// such as "rdb.Enqueue".
type Op string

// E builds an error value from its arguments.
// There must be at least one argument or E panics.
// The type of each argument determines its meaning.
// If more than one argument of a given type is presented,
// only the last one is recorded.
//
// The types are:
//
//	errors.Op
//	    The operation being performed.
//	errors.Code
//	    The canonical error code, such as NOT_FOUND.
//	string
//	    Treated as an error message.
//	error
//	    The underlying error.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("call to errors.E with no arguments")
	}
	e := &Error{}
	for _, arg := range args {
		switch arg := arg.(type) {
		case Op:
			e.Op = arg
		case Code:
			e.Code = arg
		case error:
			e.Err = arg
		case string:
			e.Err = errors.New(arg)
		default:
			panic(fmt.Sprintf("errors.E: bad call with arg of type %T", arg))
		}
	}
	return e
}

// CanonicalCode returns the canonical code of the given error if one is present.
// Otherwise it returns Unspecified.
func CanonicalCode(err error) Code {
	if err == nil {
		return Unspecified
	}
	e, ok := err.(*Error)
	if !ok {
		return Unspecified
	}
	if e.Code == Unspecified {
		return CanonicalCode(e.Err)
	}
	return e.Code
}

/******************************************
    Domain specific error types & values
*******************************************/

// MessageNotFoundError indicates that a message with the given ID does not
// exist in the given queue.
type MessageNotFoundError struct {
	QueueKey string // key of the queue
	ID       string // ID of the message
}

func (e *MessageNotFoundError) Error() string {
	return fmt.Sprintf("cannot find message with id=%s in queue %q", e.ID, e.QueueKey)
}

// MalformedKeyError indicates that a key or key member could not be parsed
// back into its originating identifiers.
type MalformedKeyError struct {
	Input  string // the input that failed to parse
	Reason string // why it failed
}

func (e *MalformedKeyError) Error() string {
	return fmt.Sprintf("malformed key %q: %s", e.Input, e.Reason)
}

var (
	// ErrDuplicateMessage indicates that an enqueue was rejected because a
	// message with the same ID already exists.
	ErrDuplicateMessage = errors.New("message already exists")

	// ErrLeaseNotFound indicates that a lease for the given message no
	// longer exists, typically because it expired and was redelivered.
	ErrLeaseNotFound = errors.New("lease does not exist")

	// ErrWarmStartInFlight indicates a warm-start request was attempted
	// while another one was already in flight for the same session.
	ErrWarmStartInFlight = errors.New("warm-start request already in flight")
)

// IsMessageNotFound reports whether any error in err's chain is of type MessageNotFoundError.
func IsMessageNotFound(err error) bool {
	var target *MessageNotFoundError
	return As(err, &target)
}

// IsMalformedKey reports whether any error in err's chain is of type MalformedKeyError.
func IsMalformedKey(err error) bool {
	var target *MalformedKeyError
	return As(err, &target)
}

/*************************************************
    Standard Library errors package functions
*************************************************/

// New returns an error that formats as the given text.
// Each call to New returns a distinct error value even if the text is identical.
//
// This function is the errors.New function from the standard library (https://golang.org/pkg/errors/#New).
// It is exported from this package for import convenience.
func New(text string) error { return errors.New(text) }

// Is reports whether any error in err's chain matches target.
//
// This function is the errors.Is function from the standard library (https://golang.org/pkg/errors/#Is).
// It is exported from this package for import convenience.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target, and if so, sets
// target to that error value and returns true. Otherwise, it returns false.
//
// This function is the errors.As function from the standard library (https://golang.org/pkg/errors/#As).
// It is exported from this package for import convenience.
func As(err error, target interface{}) bool { return errors.As(err, target) }
