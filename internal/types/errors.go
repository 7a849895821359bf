// Package types provides shared types, interfaces, and errors for the application.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionPageNil  = errors.New("session page is nil or has been closed")

	// Request errors
	ErrInvalidURL = errors.New("invalid URL")

	// Gateway authentication errors
	ErrAuthRequired = errors.New("auth_required: no credentials presented")
	ErrAuthRejected = errors.New("auth_rejected: credentials did not validate")

	// Session lifecycle errors
	ErrSessionCreateFailed = errors.New("session_create_failed: could not launch browser session")
	ErrSessionUnavailable  = errors.New("session_unavailable: session is recovering or unhealthy")

	// Operation fabric errors
	ErrOpTimeout      = errors.New("op_timeout: operation exceeded its deadline")
	ErrRetryExhausted = errors.New("retry_exhausted: all retry attempts failed")
	ErrCircuitOpen    = errors.New("circuit_open: circuit breaker is open")

	// CDP / navigation errors
	ErrCDPChannelBroken = errors.New("cdp_channel_broken: devtools channel closed unexpectedly")
	ErrNavFailed        = errors.New("nav_failed: navigation did not reach a stable state")

	// Resource pressure errors
	ErrMemoryPressure = errors.New("memory_pressure: gateway is shedding load to recover heap headroom")
)
