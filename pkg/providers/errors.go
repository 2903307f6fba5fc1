package providers

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies provider failures for the router.
type ErrorKind int

const (
	// Transient failures (5xx, 429, network) are retried and rotated.
	Transient ErrorKind = iota
	// Fatal failures (misconfiguration, non-429 4xx) surface immediately.
	Fatal
)

func (k ErrorKind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "transient"
}

// Error is a classified provider failure.
type Error struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s failure: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransient wraps err as a retriable provider failure.
func NewTransient(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: Transient, Err: err}
}

// NewFatal wraps err as a non-retriable provider failure.
func NewFatal(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: Fatal, Err: err}
}

// IsTransient reports whether err is a classified transient failure.
// Unclassified errors are treated as transient so network-level surprises
// still rotate.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == Transient
	}
	return true
}

// ExhaustedError reports that rotation ran out of candidates.
type ExhaustedError struct {
	Service string
	Tried   []string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %s providers exhausted (tried: %s)", e.Service, strings.Join(e.Tried, ", "))
}

var (
	// ErrUnsupported is returned for capabilities a provider does not declare.
	ErrUnsupported = errors.New("capability not supported by provider")

	// ErrUnknownProvider is returned for lookups of unregistered names.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrNoCandidates is returned when no provider declares the requested
	// service for the agent.
	ErrNoCandidates = errors.New("no provider candidates for service")
)
