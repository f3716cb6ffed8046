// Package test wraps testing.T with the small assertion set used across the
// repository tests.
package test

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"testing"
)

// T wraps a *testing.T.
type T struct {
	*testing.T
}

// FromT returns a T for the given test.
func FromT(t *testing.T) *T {
	return &T{T: t}
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "?:0"
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// Assert fails the test immediately when cond is false.
func (t *T) Assert(cond bool, msg ...any) {
	t.Helper()
	if !cond {
		if len(msg) > 0 {
			t.Fatalf("assertion failed at %s: %s", caller(1), fmt.Sprint(msg...))
		}
		t.Fatalf("assertion failed at %s", caller(1))
	}
}

// CheckErr fails the test immediately when err is not nil.
func (t *T) CheckErr(err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error at %s: %v", caller(1), err)
	}
}

// ExpectErr fails the test unless errors.Is(err, target).
func (t *T) ExpectErr(err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected error %v at %s, got %v", target, caller(1), err)
	}
}

// ShouldPanic fails the test when f returns normally.
func (t *T) ShouldPanic(f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic at %s", caller(3))
		}
	}()
	f()
}

// Context returns a context cancelled when the test ends.
func (t *T) Context() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
