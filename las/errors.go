package las

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRank is returned for a non-positive target rank
	ErrInvalidRank = errors.New("target rank must be positive")
	// ErrInvalidConfig is returned for configuration values out of range
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUnsupportedVersion is returned when loading state of an unknown version
	ErrUnsupportedVersion = errors.New("unsupported state version")
)

// InputError reports a caller-supplied value outside its valid range
type InputError struct {
	Field string
	Limit int
	Got   int
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s must be in [0, %d), got %d", e.Field, e.Limit, e.Got)
}
