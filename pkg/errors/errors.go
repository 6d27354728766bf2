// Copyright (c) NSOF Networks
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for relayd.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrInvalidMethod indicates an unknown or out-of-range HTTP method.
	ErrInvalidMethod = errors.New("invalid method")

	// ErrBufferFull indicates a serialization buffer ran out of room.
	ErrBufferFull = errors.New("buffer full")

	// ErrAlreadyStarted indicates a second start on a running client.
	ErrAlreadyStarted = errors.New("client already started")

	// ErrTooManyHeaders indicates the response exceeded the header limit.
	ErrTooManyHeaders = errors.New("too many headers")

	// ErrBadDestination indicates an unparseable destination address.
	ErrBadDestination = errors.New("bad destination")

	// ErrNoTLSProfile indicates an https target with TLS not configured.
	ErrNoTLSProfile = errors.New("tls transport not configured")

	// ErrResolveFailed indicates name resolution failed.
	ErrResolveFailed = errors.New("resolution failed")

	// ErrRateLimited indicates the outbound request budget was exhausted.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrBreakerOpen indicates the destination's circuit breaker is open.
	ErrBreakerOpen = errors.New("circuit breaker is open")

	// ErrStopped indicates the client was stopped before completion.
	ErrStopped = errors.New("client stopped")
)

// ClientError wraps an error with the client exchange context.
type ClientError struct {
	Op       string // Operation that failed
	ClientID string // Client instance identifier
	URL      string // Target URL
	Err      error  // Underlying error
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	if e.ClientID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.ClientID, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

// Unwrap returns the underlying error.
func (e *ClientError) Unwrap() error {
	return e.Err
}

// New creates a new ClientError.
func New(op, clientID, url string, err error) error {
	if err == nil {
		return nil
	}
	return &ClientError{
		Op:       op,
		ClientID: clientID,
		URL:      url,
		Err:      err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
