package codec

import (
	"errors"
	"fmt"
)

var (
	ErrFormat          = errors.New("malformed export artifact")
	ErrVersionMismatch = errors.New("incompatible export artifact version")
)

// FormatError names the first field of an artifact that failed validation.
type FormatError struct {
	Field  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrFormat, e.Field, e.Reason)
}

func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// VersionMismatchError is returned when the artifact major differs from the schema major.
type VersionMismatchError struct {
	Got  string
	Want string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("%s: artifact version %s, supported %s (major versions differ)", ErrVersionMismatch, e.Got, e.Want)
}

func (e *VersionMismatchError) Is(target error) bool { return target == ErrVersionMismatch }

func formatErr(field, reason string, args ...any) *FormatError {
	return &FormatError{Field: field, Reason: fmt.Sprintf(reason, args...)}
}
