package client

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/waitroom/api"
)

var (
	// ErrBeaconClosed is returned when a beacon is sent after Close.
	ErrBeaconClosed = errors.New("waitroom: beacon closed")
	// ErrBeaconFull is returned when the beacon queue cannot accept more payloads.
	ErrBeaconFull = errors.New("waitroom: beacon queue full")
)

// APIError describes a request the server answered with a non-2xx status or
// with an envelope carrying success=false.
type APIError struct {
	// Op names the gateway operation (check, token, status, ...).
	Op string
	// Status is the HTTP status code returned by the server.
	Status int
	// Envelope is the decoded response envelope, when available.
	Envelope api.Envelope
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
}

func (e *APIError) Error() string {
	detail := e.Envelope.Error
	if detail == "" {
		detail = e.Envelope.Message
	}
	if detail != "" {
		return fmt.Sprintf("waitroom: %s rejected (status %d): %s", e.Op, e.Status, detail)
	}
	return fmt.Sprintf("waitroom: %s rejected (status %d)", e.Op, e.Status)
}

// TransportError describes a request that did not yield a server response
// (connection failure, timeout, unreadable body).
type TransportError struct {
	// Op names the gateway operation.
	Op string
	// Err is the underlying cause.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("waitroom: %s transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a network or timeout failure rather than
// an application rejection. Caller cancellation is not a transport failure.
func IsTransport(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// IsRejected reports whether err is an application rejection from the server.
func IsRejected(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
