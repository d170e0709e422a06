package converter

import (
	"errors"
	"fmt"
)

var (
	// ErrTooLarge is returned when the input exceeds the byte or pixel cap.
	ErrTooLarge = errors.New("image too large")

	// ErrInvalidIcon is returned by Inspect for data that is not an ICO container.
	ErrInvalidIcon = errors.New("invalid icon data")
)

// DecodeError reports input bytes that are not a recognized or intact image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IOError reports a failure writing the encoded icon.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
