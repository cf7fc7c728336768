package message

import (
	"errors"
	"fmt"
)

var (
	// ErrMessageNotWriteable is returned by setters on a message that has been sent
	// or received and not yet cleared.
	ErrMessageNotWriteable = errors.New("message: not writeable")

	// ErrBodyKindMismatch is returned when a body of one kind is set on a facade
	// created for another.
	ErrBodyKindMismatch = errors.New("message: body kind mismatch")

	// ErrUnsupportedKind is returned by factories whose wire encoding cannot
	// carry a body kind.
	ErrUnsupportedKind = errors.New("message: unsupported body kind")

	// ErrInvalidProperty is returned for empty property names or values of a type
	// that cannot be carried as a message property.
	ErrInvalidProperty = errors.New("message: invalid property")
)

// ConversionError reports a value that could not be converted between its
// textual form and its wire form, such as a malformed message id.
type ConversionError struct {
	Value   string
	Message string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("message: conversion failed: %s", e.Message)
}

// Conversionf creates a ConversionError for value.
func Conversionf(value string, format string, args ...any) error {
	return &ConversionError{Value: value, Message: fmt.Sprintf(format, args...)}
}
