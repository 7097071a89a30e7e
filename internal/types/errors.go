package types

import (
	"errors"
	"fmt"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// Kind classifies a failure so callers can report a specific diagnostic.
type Kind string

const (
	KindAddressUnavailable Kind = "ADDRESS_UNAVAILABLE"
	KindTimeout            Kind = "TIMEOUT"
	KindEncoding           Kind = "ENCODING_ERROR"
	KindDecoding           Kind = "DECODING_ERROR"
	KindDeviceReported     Kind = "DEVICE_REPORTED_ERROR"
	KindUnknownDevice      Kind = "UNKNOWN_DEVICE"
	KindUnknownCapability  Kind = "UNKNOWN_CAPABILITY"
	KindInvalidArgument    Kind = "INVALID_ARGUMENT"
	KindInitialization     Kind = "INITIALIZATION_ERROR"
	KindDeviceUnavailable  Kind = "DEVICE_UNAVAILABLE"
	KindInternal           Kind = "INTERNAL_ERROR"
)

// Sentinel errors, one per Kind. Wrap them with %w to add context.
var (
	ErrAddressUnavailable = errors.New("address unavailable")
	ErrTimeout            = errors.New("timeout")
	ErrEncoding           = errors.New("encoding error")
	ErrDecoding           = errors.New("decoding error")
	ErrDeviceReported     = errors.New("device reported error")
	ErrUnknownDevice      = errors.New("unknown device")
	ErrUnknownCapability  = errors.New("unknown capability")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInitialization     = errors.New("initialization error")
	ErrDeviceUnavailable  = errors.New("device unavailable")
)

var kindOrder = []struct {
	err  error
	kind Kind
}{
	// DeviceUnavailable and InitializationError wrap their cause, so they are checked first.
	{ErrDeviceUnavailable, KindDeviceUnavailable},
	{ErrInitialization, KindInitialization},
	{ErrUnknownDevice, KindUnknownDevice},
	{ErrUnknownCapability, KindUnknownCapability},
	{ErrInvalidArgument, KindInvalidArgument},
	{ErrAddressUnavailable, KindAddressUnavailable},
	{ErrTimeout, KindTimeout},
	{ErrEncoding, KindEncoding},
	{ErrDecoding, KindDecoding},
	{ErrDeviceReported, KindDeviceReported},
}

// KindOf returns the Kind of err, or KindInternal if err does not wrap
// any of the sentinels above.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kindOrder {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// ArgumentError names the argument that failed validation and why.
type ArgumentError struct {
	Capability string
	Argument   string
	Reason     string
}

func (e *ArgumentError) Error() string {
	if e.Capability == "" {
		return fmt.Sprintf("invalid argument %q: %s", e.Argument, e.Reason)
	}
	return fmt.Sprintf("%s: invalid argument %q: %s", e.Capability, e.Argument, e.Reason)
}

func (e *ArgumentError) Unwrap() error { return ErrInvalidArgument }

// DeviceError is a failure response sent by the device itself.
type DeviceError struct {
	Code    string
	Message string
}

func (e *DeviceError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("device reported error: %s", e.Message)
	}
	return fmt.Sprintf("device reported error %s: %s", e.Code, e.Message)
}

func (e *DeviceError) Unwrap() error { return ErrDeviceReported }
