package generation

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("generation not found")
	// ErrCurrent is returned when removing the current generation.
	ErrCurrent = errors.New("generation is current")
)

// DescriptorError reports a generation directory with a missing or
// malformed descriptor.
type DescriptorError struct {
	Path string
	Err  error
}

func (e *DescriptorError) Error() string {
	return fmt.Sprintf("generation descriptor %s: %v", e.Path, e.Err)
}

func (e *DescriptorError) Unwrap() error { return e.Err }
