//go:build debug

// Package check holds invariant assertions that only fire in debug builds
// (go build -tags debug). Release builds compile them away, so callers keep
// their own nil/empty guards after asserting.
package check

import "fmt"

// Assert panics if cond is false.
func Assert(cond bool, msg string) {
	if !cond {
		panic("confctl: invariant violated: " + msg)
	}
}

// Assertf panics with a formatted message if cond is false.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("confctl: invariant violated: " + fmt.Sprintf(format, args...))
	}
}

// NotEmpty panics if s is empty. what names the value in the message.
func NotEmpty(s, what string) {
	if s == "" {
		panic("confctl: invariant violated: " + what + " must not be empty")
	}
}
