package errors

import (
	stderrs "errors"
	"testing"
)

func TestErrorTypeAndMethods(t *testing.T) {
	// nil *Error should render "<nil>"
	var e *Error
	if e.Error() != "<nil>" {
		t.Fatalf("nil *Error render = %q, want <nil>", e.Error())
	}

	// New / Newf
	e1 := New(ErrorCodeValidation, "bad stuff")
	if CodeOf(e1) != ErrorCodeValidation {
		t.Fatalf("CodeOf(New) = %v", CodeOf(e1))
	}
	e2 := Newf(ErrorCodeJSON, "bad json %d", 12)
	if got := e2.Error(); got != "bad json 12" {
		t.Fatalf("Newf().Error = %q", got)
	}

	// Wrap / Wrapf / Unwrap
	src := stderrs.New("root")
	e3 := Wrap(src, ErrorCodeDB, "db failed")
	if u := stderrs.Unwrap(e3); u == nil || u.Error() != "root" {
		t.Fatalf("Wrap did not keep orig")
	}
	if CodeOf(e3) != ErrorCodeDB {
		t.Fatalf("CodeOf(Wrap) = %v", CodeOf(e3))
	}
	e4 := Wrapf(src, ErrorCodeUnauthorized, "nope %s", "here")
	// Error() includes message + ": " + orig
	if want := "nope here: root"; e4.Error() != want {
		t.Fatalf("Wrapf().Error = %q, want %q", e4.Error(), want)
	}

	// As
	if got, ok := As(e4); !ok || got.Code() != ErrorCodeUnauthorized {
		t.Fatalf("As() failed for our error")
	}
	if _, ok := As(src); ok {
		t.Fatalf("As() true for foreign error")
	}

	// WithField (copy-on-write) and WithOp
	e5 := Wrap(src, ErrorCodeInvalidArgument, "oops")
	e6 := WithField(e5, "since")
	e7 := WithOp(e6, "validate")
	if w, ok := As(e7); !ok || w.Field() != "since" || w.Op() != "validate" {
		t.Fatalf("WithField/WithOp lost metadata: %+v", w)
	}
	// original untouched
	if w, _ := As(e5); w.Field() != "" || w.Op() != "" {
		t.Fatalf("copy-on-write mutated original")
	}
	// foreign errors pass through unchanged
	if got := WithField(src, "x"); got != src {
		t.Fatalf("WithField changed a foreign error")
	}
	if got := WithOp(src, "x"); got != src {
		t.Fatalf("WithOp changed a foreign error")
	}
}

func TestRootUnwrapsToDeepestCause(t *testing.T) {
	src := stderrs.New("deep")
	wrapped := Wrap(Wrap(src, ErrorCodeDB, "mid"), ErrorCodeUnavailable, "outer")
	if got := Root(wrapped); got != src {
		t.Fatalf("Root() = %v, want deep cause", got)
	}
	if Root(nil) != nil {
		t.Fatalf("Root(nil) != nil")
	}
}

func TestCodeOfAndIsCode(t *testing.T) {
	if CodeOf(nil) != ErrorCodeUnknown {
		t.Fatalf("CodeOf(nil) should be Unknown")
	}
	if CodeOf(stderrs.New("x")) != ErrorCodeUnknown {
		t.Fatalf("CodeOf(foreign) should be Unknown")
	}
	if !IsCode(New(ErrorCodeCircuitOpen, "open"), ErrorCodeCircuitOpen) {
		t.Fatalf("IsCode(CircuitOpen) = false")
	}
	if IsCode(New(ErrorCodeNotFound, "nf"), ErrorCodeCircuitOpen) {
		t.Fatalf("IsCode mismatch should be false")
	}
}

func TestWrapIf(t *testing.T) {
	if WrapIf(nil, ErrorCodeDB, "x") != nil {
		t.Fatalf("WrapIf(nil) != nil")
	}
	err := WrapIf(stderrs.New("boom"), ErrorCodeDB, "wrapped")
	if CodeOf(err) != ErrorCodeDB {
		t.Fatalf("WrapIf did not wrap")
	}
}

func TestSugarConstructors(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCode
	}{
		{NotFoundf("x"), ErrorCodeNotFound},
		{InvalidArgf("x"), ErrorCodeInvalidArgument},
		{DuplicateKeyf("x"), ErrorCodeDuplicateKey},
		{DBf("x"), ErrorCodeDB},
		{JSONErrf("x"), ErrorCodeJSON},
		{Unauthorizedf("x"), ErrorCodeUnauthorized},
		{Conflictf("x"), ErrorCodeConflict},
		{Unavailablef("x"), ErrorCodeUnavailable},
		{CircuitOpenf("x"), ErrorCodeCircuitOpen},
		{RateLimitedf("x"), ErrorCodeTooManyRequests},
		{Internalf("x"), ErrorCodeUnknown},
	}
	for _, c := range cases {
		if got := CodeOf(c.err); got != c.want {
			t.Fatalf("sugar constructor code = %v, want %v", got, c.want)
		}
	}
}

func TestRetryableByCode(t *testing.T) {
	if !Retryable(Unavailablef("transient upstream")) {
		t.Fatalf("Unavailable should be retryable")
	}
	if !Retryable(RateLimitedf("slow down")) {
		t.Fatalf("TooManyRequests should be retryable")
	}
	if Retryable(CircuitOpenf("open")) {
		t.Fatalf("CircuitOpen is not retryable at call level")
	}
	if Retryable(InvalidArgf("bad input")) {
		t.Fatalf("InvalidArgument should not be retryable")
	}
	if Retryable(nil) {
		t.Fatalf("nil should not be retryable")
	}
}
