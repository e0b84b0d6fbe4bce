package protocol

import (
	"context"
	"errors"
	"fmt"
	"unicode"
)

// Code is a status code surfaced by the authentication subsystem. Codes are stable and may be
// carried in Error packets exchanged with peers.
type Code uint32

const (
	CodeOK Code = iota
	CodeAuthFail
	CodeAuthTimeout
	CodeBadArg1
	CodeBadArg2
	CodeBadArg3
	CodeBadArg4
	CodeBufferTooSmall
	CodeNotImplemented
	CodeEOF
	CodeNotOnCurve
	CodeRNGFailure
	CodeResource
)

var codeNames = map[Code]string{
	CodeOK:             "OK",
	CodeAuthFail:       "AUTH_FAIL",
	CodeAuthTimeout:    "AUTH_TIMEOUT",
	CodeBadArg1:        "BAD_ARG_1",
	CodeBadArg2:        "BAD_ARG_2",
	CodeBadArg3:        "BAD_ARG_3",
	CodeBadArg4:        "BAD_ARG_4",
	CodeBufferTooSmall: "BUFFER_TOO_SMALL",
	CodeNotImplemented: "NOT_IMPLEMENTED",
	CodeEOF:            "EOF",
	CodeNotOnCurve:     "NOT_ON_CURVE",
	CodeRNGFailure:     "RNG_FAILURE",
	CodeResource:       "RESOURCE",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", uint32(c))
}

// camelCase converts a code name to CamelCase ("BUFFER_TOO_SMALL" -> "BufferTooSmall").
func (c Code) camelCase() string {
	allCaps := c.String()
	camelCase := make([]rune, 0, len(allCaps))
	lowerCaseNext := false
	for _, b := range allCaps {
		if b == '_' {
			lowerCaseNext = false
		} else {
			if lowerCaseNext {
				camelCase = append(camelCase, unicode.ToLower(b))
			} else {
				camelCase = append(camelCase, b)
				lowerCaseNext = true
			}
		}
	}
	return string(camelCase)
}

// BadArg returns the code that flags the n-th argument (1-based) of an operation as invalid.
func BadArg(n int) Code {
	switch n {
	case 1:
		return CodeBadArg1
	case 2:
		return CodeBadArg2
	case 3:
		return CodeBadArg3
	case 4:
		return CodeBadArg4
	}
	panic(fmt.Sprintf("argument index %d out of range", n))
}

// Kind groups codes by how callers are expected to react to them.
type Kind int

const (
	KindNone Kind = iota
	// KindInputValidation errors never mutate the target of the failed operation.
	KindInputValidation
	// KindProtocol errors fail the session; another mechanism may still succeed.
	KindProtocol
	// KindResource errors are not retried within the same attempt.
	KindResource
	// KindTimeout errors indicate a deadline expired and outstanding contexts were invalidated.
	KindTimeout
	// KindProgrammer errors indicate API misuse by the embedding application.
	KindProgrammer
)

var kindNames = [...]string{"None", "InputValidation", "Protocol", "Resource", "Timeout", "Programmer"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (c Code) kind() Kind {
	switch c {
	case CodeOK:
		return KindNone
	case CodeAuthFail, CodeEOF:
		return KindProtocol
	case CodeAuthTimeout:
		return KindTimeout
	case CodeBadArg1, CodeBadArg2, CodeBadArg3, CodeBadArg4, CodeBufferTooSmall, CodeNotOnCurve:
		return KindInputValidation
	case CodeNotImplemented:
		return KindProgrammer
	}
	return KindResource
}

// Error is the error type returned by every package of this module when a stable status code
// applies.
type Error struct {
	Code Code
	Info string
	// Size holds the number of bytes required when Code is CodeBufferTooSmall.
	Size int
	// Err is an optional underlying cause.
	Err error
}

// NewError returns an Error with the given code and description.
func NewError(code Code, info string) *Error {
	return &Error{Code: code, Info: info}
}

// Wrap returns an Error with the given code that wraps cause.
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Code.camelCase()
	if e.Info != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Info)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code. This allows callers to write
// errors.Is(err, protocol.ErrAuthFail) regardless of the Info attached to err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Kind returns the error category of e.
func (e *Error) Kind() Kind {
	return e.Code.kind()
}

// Temporary returns true if a different mechanism or a later attempt might succeed.
func (e *Error) Temporary() bool {
	switch e.Kind() {
	case KindProtocol, KindTimeout, KindInputValidation:
		return true
	}
	return false
}

var (
	// ErrAuthFail indicates the peer could not be authenticated.
	ErrAuthFail = NewError(CodeAuthFail, "")
	// ErrAuthTimeout indicates an authentication attempt exceeded its deadline.
	ErrAuthTimeout = NewError(CodeAuthTimeout, "")
	// ErrNotImplemented indicates an optional listener method or mechanism is unavailable.
	ErrNotImplemented = NewError(CodeNotImplemented, "")
	// ErrEOF indicates the peer closed the conversation.
	ErrEOF = NewError(CodeEOF, "")
	// ErrNotOnCurve indicates a point failed validation.
	ErrNotOnCurve = NewError(CodeNotOnCurve, "")
	// ErrRNGFailure indicates the random number generator could not produce output.
	ErrRNGFailure = NewError(CodeRNGFailure, "")
	// ErrResource indicates a storage or crypto-provider failure.
	ErrResource = NewError(CodeResource, "")
)

// CodeOf extracts the status code from err. Deadline and cancellation errors map to
// CodeAuthTimeout, and other errors without a code map to CodeAuthFail.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeAuthTimeout
	}
	return CodeAuthFail
}

// KindOf returns the category of err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	return CodeOf(err).kind()
}

// Temporary returns true if err indicates a failure that another mechanism or a later attempt
// might avoid.
func Temporary(err error) bool {
	if err == nil {
		return false
	}
	var tErr interface{ Temporary() bool }
	if errors.As(err, &tErr) {
		return tErr.Temporary()
	}
	return KindOf(err) == KindTimeout
}

// AuthFailure converts err into an AuthFail error unless it already carries a timeout or resource
// code. Mechanisms use it at their boundary so that protocol details do not leak to callers.
func AuthFailure(err error) error {
	if err == nil {
		return nil
	}
	switch KindOf(err) {
	case KindTimeout:
		if CodeOf(err) != CodeAuthTimeout {
			return Wrap(CodeAuthTimeout, err)
		}
		return err
	case KindResource, KindProgrammer:
		return err
	}
	if CodeOf(err) == CodeAuthFail {
		var pErr *Error
		if errors.As(err, &pErr) {
			return err
		}
	}
	return Wrap(CodeAuthFail, err)
}
