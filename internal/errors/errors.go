package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types
var (
	ErrConfigMissing       = errors.New("config missing")
	ErrDiscoveryFailed     = errors.New("discovery failed")
	ErrEndpointMissing     = errors.New("endpoint missing")
	ErrAuthFailed          = errors.New("auth failed")
	ErrTransportDown       = errors.New("transport down")
	ErrParseFailed         = errors.New("parse failed")
	ErrInvalidCommand      = errors.New("invalid command")
	ErrInvalidPath         = errors.New("invalid path")
	ErrMaxRetriesExhausted = errors.New("max retries exhausted")
	ErrShutdown            = errors.New("shutdown")
)

// Kind represents the semantic category of error
type Kind string

const (
	KindConfigMissing       Kind = "config_missing"
	KindDiscoveryFailed     Kind = "discovery_failed"
	KindEndpointMissing     Kind = "endpoint_missing"
	KindAuthFailed          Kind = "auth_failed"
	KindTransportDown       Kind = "transport_down"
	KindParseFailed         Kind = "parse_failed"
	KindInvalidCommand      Kind = "invalid_command"
	KindInvalidPath         Kind = "invalid_path"
	KindMaxRetriesExhausted Kind = "max_retries_exhausted"
	KindShutdown            Kind = "shutdown"
)

// RelayError is a structured error for state-relay operations
type RelayError struct {
	Kind      Kind
	Op        string // Operation that failed (e.g., "signalk_connect", "tunnel_dial")
	Component string // Component where the error occurred (e.g., "ingest", "relay")
	Err       error  // Underlying error
	Timestamp time.Time
	Retryable bool
}

func (e *RelayError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s failed in %s: %v", e.Op, e.Component, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *RelayError) Is(target error) bool {
	if target == nil {
		return false
	}

	// Check base error types
	switch target {
	case ErrConfigMissing:
		return e.Kind == KindConfigMissing
	case ErrDiscoveryFailed:
		return e.Kind == KindDiscoveryFailed
	case ErrEndpointMissing:
		return e.Kind == KindEndpointMissing
	case ErrAuthFailed:
		return e.Kind == KindAuthFailed
	case ErrTransportDown:
		return e.Kind == KindTransportDown
	case ErrParseFailed:
		return e.Kind == KindParseFailed
	case ErrInvalidCommand:
		return e.Kind == KindInvalidCommand
	case ErrInvalidPath:
		return e.Kind == KindInvalidPath
	case ErrMaxRetriesExhausted:
		return e.Kind == KindMaxRetriesExhausted
	case ErrShutdown:
		return e.Kind == KindShutdown
	}

	// Check wrapped error
	return errors.Is(e.Err, target)
}

// New creates a new RelayError
func New(kind Kind, op, component string, err error) *RelayError {
	return &RelayError{
		Kind:      kind,
		Op:        op,
		Component: component,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(kind),
	}
}

// isRetryable determines if an error kind should be retried
func isRetryable(kind Kind) bool {
	switch kind {
	case KindTransportDown, KindDiscoveryFailed, KindEndpointMissing:
		return true
	default:
		return false
	}
}

// Helper functions

// WrapDiscoveryError wraps a SignalK discovery failure with context
func WrapDiscoveryError(op string, err error) error {
	return New(KindDiscoveryFailed, op, "signalk", err)
}

// WrapEndpointError reports a discovery document missing the WebSocket endpoint
func WrapEndpointError(op string, err error) error {
	return New(KindEndpointMissing, op, "signalk", err)
}

// WrapTransportError wraps a connection-level failure with context
func WrapTransportError(op, component string, err error) error {
	return New(KindTransportDown, op, component, err)
}

// WrapAuthError wraps an authentication failure with context
func WrapAuthError(op, component string, err error) error {
	return New(KindAuthFailed, op, component, err)
}

// WrapParseError wraps a malformed-frame failure; callers log and skip
func WrapParseError(op, component string, err error) error {
	return New(KindParseFailed, op, component, err)
}

// NewConfigMissing reports an absent or invalid required configuration value
func NewConfigMissing(op, detail string) error {
	return New(KindConfigMissing, op, "config", errors.New(detail))
}

// NewInvalidCommand reports a client command that failed validation
func NewInvalidCommand(op, detail string) error {
	return New(KindInvalidCommand, op, "commands", errors.New(detail))
}

// NewInvalidPath reports a malformed state-document path
func NewInvalidPath(path string) error {
	return New(KindInvalidPath, "resolve_path", "state", fmt.Errorf("invalid path %q", path))
}

// NewMaxRetriesExhausted reports a reconnect loop that gave up
func NewMaxRetriesExhausted(op, component string, attempts int) error {
	return New(KindMaxRetriesExhausted, op, component, fmt.Errorf("gave up after %d attempts", attempts))
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var relErr *RelayError
	if errors.As(err, &relErr) {
		return relErr.Retryable
	}

	// Check for wrapped standard errors
	return errors.Is(err, ErrTransportDown) || errors.Is(err, ErrDiscoveryFailed)
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	var relErr *RelayError
	if errors.As(err, &relErr) {
		if relErr.Kind == KindAuthFailed {
			return true
		}
	}

	if errors.Is(err, ErrAuthFailed) {
		return true
	}

	// Check error message for authentication indicators
	errMsg := err.Error()
	return strings.Contains(errMsg, "401") ||
		strings.Contains(errMsg, "403") ||
		strings.Contains(errMsg, "unauthorized") ||
		strings.Contains(errMsg, "forbidden")
}

// IsShutdown reports whether the error stems from an intentional shutdown.
func IsShutdown(err error) bool {
	return errors.Is(err, ErrShutdown)
}
