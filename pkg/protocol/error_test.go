package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{NewError(CodeBufferTooSmall, ""), "BufferTooSmall"},
		{NewError(CodeBadArg2, "signature length"), "BadArg2: signature length"},
		{Wrap(CodeResource, errors.New("disk full")), "Resource: disk full"},
		{NewError(CodeAuthFail, "bad MAC"), "AuthFail: bad MAC"},
		{NewError(Code(99), ""), "Code99"},
	}
	for _, test := range tests {
		if test.err.Error() != test.expected {
			t.Errorf("Expected %q but got %q", test.expected, test.err.Error())
		}
	}
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("handshake: %w", NewError(CodeAuthFail, "signature mismatch"))
	if !errors.Is(err, ErrAuthFail) {
		t.Error("Expected wrapped error to match ErrAuthFail")
	}
	if errors.Is(err, ErrAuthTimeout) {
		t.Error("Did not expect wrapped error to match ErrAuthTimeout")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		code Code
	}{
		{nil, CodeOK},
		{context.DeadlineExceeded, CodeAuthTimeout},
		{fmt.Errorf("wrapped: %w", context.Canceled), CodeAuthTimeout},
		{errors.New("unclassified"), CodeAuthFail},
		{NewError(CodeBadArg3, ""), CodeBadArg3},
	}
	for _, test := range tests {
		if code := CodeOf(test.err); code != test.code {
			t.Errorf("CodeOf(%v) = %s, expected %s", test.err, code, test.code)
		}
	}
}

func TestTemporary(t *testing.T) {
	tests := []struct {
		err       error
		temporary bool
	}{
		{nil, false},
		{ErrAuthFail, true},
		{ErrAuthTimeout, true},
		{context.DeadlineExceeded, true},
		{ErrResource, false},
		{ErrRNGFailure, false},
		{ErrNotImplemented, false},
		{errors.New("unclassified"), false},
	}
	for _, test := range tests {
		if Temporary(test.err) != test.temporary {
			t.Errorf("Temporary(%v) != %v", test.err, test.temporary)
		}
	}
}

func TestAuthFailure(t *testing.T) {
	if err := AuthFailure(nil); err != nil {
		t.Errorf("Expected nil, got %s", err)
	}
	if err := AuthFailure(ErrNotOnCurve); CodeOf(err) != CodeAuthFail {
		t.Errorf("Expected AuthFail, got %s", err)
	}
	if err := AuthFailure(context.DeadlineExceeded); CodeOf(err) != CodeAuthTimeout {
		t.Errorf("Expected AuthTimeout, got %s", err)
	}
	if err := AuthFailure(ErrResource); !errors.Is(err, ErrResource) {
		t.Errorf("Expected resource error to pass through, got %s", err)
	}
	cause := NewError(CodeAuthFail, "bad MAC")
	if err := AuthFailure(cause); err != cause {
		t.Errorf("Expected AuthFail to pass through unchanged, got %s", err)
	}
}

func TestBadArg(t *testing.T) {
	for i, code := range []Code{CodeBadArg1, CodeBadArg2, CodeBadArg3, CodeBadArg4} {
		if BadArg(i+1) != code {
			t.Errorf("BadArg(%d) = %s", i+1, BadArg(i+1))
		}
		if code.kind() != KindInputValidation {
			t.Errorf("%s should be an input validation error", code)
		}
	}
}
