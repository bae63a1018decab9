package swpins

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoUpdateRef is returned by Update on a spec without update.ref.
	ErrNoUpdateRef = errors.New("spec does not declare update.ref")
	// ErrInheritedSpec is returned when a channel spec is set through a
	// machine pin set. Update the channel instead.
	ErrInheritedSpec = errors.New("spec is inherited from a channel")
	// ErrChangelogUnsupported is returned by specs without revision history.
	ErrChangelogUnsupported = errors.New("spec type does not support changelogs")
	ErrNotFound             = errors.New("spec not found")
)

// ConfigError reports invalid or missing spec options, or an unreadable
// swpin file.
type ConfigError struct {
	Owner string
	Spec  string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Spec == "" {
		return fmt.Sprintf("swpins %s: %v", e.Owner, e.Err)
	}
	return fmt.Sprintf("swpins %s/%s: %v", e.Owner, e.Spec, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NotResolvedError is returned when an operation needs a recorded revision
// but the spec was never prefetched.
type NotResolvedError struct {
	Spec string
}

func (e *NotResolvedError) Error() string {
	return fmt.Sprintf("swpin %q has not been resolved yet, run an update first", e.Spec)
}

// ValidationError lists specs whose recorded state does not match their
// declared options. Builds must not proceed until they are updated.
type ValidationError struct {
	Invalid []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("swpins need update: %s", strings.Join(e.Invalid, ", "))
}
