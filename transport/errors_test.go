package transport

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionErrorMatchesSentinel(t *testing.T) {
	err := NotConnected("send")
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Contains(t, err.Error(), "send")

	var connErr *ConnectionError
	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, errors.As(wrapped, &connErr))
	assert.Equal(t, "send", connErr.Op)
}

func TestConversionErrorMessages(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, "workflows: conversion failed: boom", (&ConversionError{Err: base}).Error())
	assert.Equal(t, "workflows: cannot convert Task: boom", (&ConversionError{Type: "Task", Err: base}).Error())
	assert.Equal(t, `workflows: cannot convert Task field "name": boom`,
		(&ConversionError{Type: "Task", Field: "name", Err: base}).Error())
	assert.ErrorIs(t, &ConversionError{Err: base}, base)
}

func TestConfigurationErrorMessages(t *testing.T) {
	assert.Equal(t, "workflows: invalid configuration: bad", (&ConfigurationError{Reason: "bad"}).Error())
	assert.Equal(t, "workflows: invalid middleware: nil", (&ConfigurationError{Component: "middleware", Reason: "nil"}).Error())
}

func TestUnknownSubscriptionAndTransactionErrors(t *testing.T) {
	assert.Equal(t, "workflows: unknown subscription 4", (&UnknownSubscriptionError{ID: 4}).Error())
	assert.Equal(t, `workflows: transaction "t1": unknown transaction`,
		(&TransactionError{ID: "t1", Reason: "unknown transaction"}).Error())
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(&ConfigurationError{}))
	assert.True(t, IsPermanent(&ConversionError{}))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", &TransactionError{})))
	assert.True(t, IsPermanent(&UnknownSubscriptionError{}))
	assert.True(t, IsPermanent(ErrUnsupported))
	assert.False(t, IsPermanent(NotConnected("send")))
	assert.False(t, IsPermanent(errors.New("x")))
}
