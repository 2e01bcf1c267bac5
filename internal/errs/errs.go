// Package errs defines the failure kinds surfaced by the captioning pipeline.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrLoad marks missing, corrupt or inconsistent startup artifacts.
	ErrLoad = errors.New("load error")
	// ErrDecode marks input bytes that are not a usable image.
	ErrDecode = errors.New("decode error")
	// ErrInference marks failures inside the encoder or decoder.
	ErrInference = errors.New("inference error")
)

// kindError carries a kind sentinel alongside the underlying cause so that
// errors.Is matches both.
type kindError struct {
	kind  error
	msg   string
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.kind, e.msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
}

func (e *kindError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

// New returns an error of the given kind.
func New(kind error, format string, args ...interface{}) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Mark tags err with kind. A nil err stays nil.
func Mark(kind error, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, msg: msg, cause: err}
}

// Wrap attaches a message to err without changing its kind.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Kind reports which of the known kinds err belongs to, or nil.
func Kind(err error) error {
	for _, k := range []error{ErrLoad, ErrDecode, ErrInference} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
