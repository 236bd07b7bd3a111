// Package errors defines the error taxonomy of the irrigation bridge.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType represents the class of a bridge error
type ErrorType string

const (
	// ErrorTypeTransport: broker unreachable, disconnected, publish/subscribe failed.
	ErrorTypeTransport ErrorType = "transport"
	// ErrorTypeStore: store connection lost or operation failed.
	ErrorTypeStore ErrorType = "store"
	// ErrorTypeMalformed: sensor payload or prediction document that cannot be used.
	ErrorTypeMalformed ErrorType = "malformed_payload"
	// ErrorTypeInvalidRate: non-positive or non-finite application rate.
	ErrorTypeInvalidRate ErrorType = "invalid_rate"
	// ErrorTypeConfiguration: missing or invalid static parameter. Fatal at startup.
	ErrorTypeConfiguration ErrorType = "configuration"
)

// BridgeError is a classified error. Only ErrorTypeConfiguration is fatal.
type BridgeError struct {
	Type    ErrorType
	Message string
	err     error
}

// Error implements the error interface
func (e *BridgeError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As
func (e *BridgeError) Unwrap() error { return e.err }

func newError(t ErrorType, msg string, err error) *BridgeError {
	return &BridgeError{Type: t, Message: msg, err: err}
}

// NewTransportError creates a new transport error
func NewTransportError(msg string, err error) *BridgeError {
	return newError(ErrorTypeTransport, msg, err)
}

// NewStoreError creates a new store error
func NewStoreError(msg string, err error) *BridgeError {
	return newError(ErrorTypeStore, msg, err)
}

// NewMalformedPayloadError creates a new malformed payload error
func NewMalformedPayloadError(msg string, err error) *BridgeError {
	return newError(ErrorTypeMalformed, msg, err)
}

// NewInvalidRateError creates a new invalid rate error
func NewInvalidRateError(msg string) *BridgeError {
	return newError(ErrorTypeInvalidRate, msg, nil)
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(msg string, err error) *BridgeError {
	return newError(ErrorTypeConfiguration, msg, err)
}

// TypeOf returns the ErrorType of the first BridgeError in err's chain, or "" if none.
func TypeOf(err error) ErrorType {
	var be *BridgeError
	if stderrors.As(err, &be) {
		return be.Type
	}
	return ""
}

// IsTransport checks if an error is a transport error
func IsTransport(err error) bool { return TypeOf(err) == ErrorTypeTransport }

// IsStore checks if an error is a store error
func IsStore(err error) bool { return TypeOf(err) == ErrorTypeStore }

// IsMalformed checks if an error is a malformed payload error
func IsMalformed(err error) bool { return TypeOf(err) == ErrorTypeMalformed }

// IsInvalidRate checks if an error is an invalid rate error
func IsInvalidRate(err error) bool { return TypeOf(err) == ErrorTypeInvalidRate }

// IsConfiguration checks if an error is a configuration error
func IsConfiguration(err error) bool { return TypeOf(err) == ErrorTypeConfiguration }
