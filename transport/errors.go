package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is matched by every *ConnectionError.
	ErrNotConnected = errors.New("workflows: transport is not connected")
	// ErrUnsupported is returned by backends for operations they cannot offer.
	ErrUnsupported = errors.New("workflows: operation not supported by transport")
)

// ConnectionError reports an operation attempted while disconnected.
type ConnectionError struct {
	Op string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("workflows: cannot %s: transport is not connected", e.Op)
}

func (e *ConnectionError) Unwrap() error {
	return ErrNotConnected
}

// NotConnected returns a *ConnectionError for op.
func NotConnected(op string) error {
	return &ConnectionError{Op: op}
}

// ConversionError reports a failure to convert a message between its wire
// form and its domain form.
type ConversionError struct {
	// Type is the domain type involved, if known.
	Type string
	// Field is the offending field, if the failure is field specific.
	Field string
	Err   error
}

func (e *ConversionError) Error() string {
	switch {
	case e.Type != "" && e.Field != "":
		return fmt.Sprintf("workflows: cannot convert %s field %q: %v", e.Type, e.Field, e.Err)
	case e.Type != "":
		return fmt.Sprintf("workflows: cannot convert %s: %v", e.Type, e.Err)
	default:
		return fmt.Sprintf("workflows: conversion failed: %v", e.Err)
	}
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports a malformed callback, middleware or backend
// composition. It is raised at subscribe or construction time.
type ConfigurationError struct {
	Component string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	if e.Component == "" {
		return "workflows: invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("workflows: invalid %s: %s", e.Component, e.Reason)
}

// UnknownSubscriptionError reports a delivery addressed to a subscription that
// does not exist (anymore). Unsubscribe never returns it.
type UnknownSubscriptionError struct {
	ID int
}

func (e *UnknownSubscriptionError) Error() string {
	return fmt.Sprintf("workflows: unknown subscription %d", e.ID)
}

// TransactionError reports use of an unknown or already terminated transaction.
type TransactionError struct {
	ID     TransactionID
	Reason string
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("workflows: transaction %q: %s", e.ID, e.Reason)
}

// IsPermanent reports errors that no retry can fix: malformed callbacks,
// unconvertible messages, dead transactions and unsupported operations.
func IsPermanent(err error) bool {
	var (
		cfgErr  *ConfigurationError
		convErr *ConversionError
		txErr   *TransactionError
		subErr  *UnknownSubscriptionError
	)
	return errors.As(err, &cfgErr) ||
		errors.As(err, &convErr) ||
		errors.As(err, &txErr) ||
		errors.As(err, &subErr) ||
		errors.Is(err, ErrUnsupported)
}
