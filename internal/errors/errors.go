package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired  = sterrors.New("workflows: configuration is required")
	ErrLoggerRequired  = sterrors.New("workflows: logger is required")
	ErrBackendRequired = sterrors.New("workflows: backend name is required")
	ErrUnknownBackend  = sterrors.New("workflows: unknown backend")
	ErrQueueRequired   = sterrors.New("workflows: queue is required")
	ErrConnectFailed   = sterrors.New("workflows: transport failed to connect")
)

// ConfigValidationError wraps the joined validation failures of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("workflows: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
